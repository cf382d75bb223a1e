package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// ErrUnknownSite means no active site matched the token or host.
var ErrUnknownSite = errors.New("unknown site")

// Site is the slice of the sites table the hot path needs.
type Site struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Token        string    `json:"token"`
	Domain       string    `json:"domain"`
	CustomDomain string    `json:"custom_domain,omitempty"`
	DNSVerified  bool      `json:"dns_verified"`
	Active       bool      `json:"active"`
}

// SiteCache resolves sites by token or serving host, caching hits in Redis.
// Every tracked pageview pays this lookup, so the DB only sees one query per
// site per TTL. With no Redis client it degrades to straight DB reads.
type SiteCache struct {
	db  *sql.DB
	rdb *redis.Client
	ttl time.Duration
}

func NewSiteCache(db *sql.DB, rdb *redis.Client, ttl time.Duration) *SiteCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &SiteCache{db: db, rdb: rdb, ttl: ttl}
}

// ByToken resolves a site by its public pixel token.
func (c *SiteCache) ByToken(ctx context.Context, token string) (*Site, error) {
	if token == "" {
		return nil, ErrUnknownSite
	}
	return c.lookup(ctx, "site:token:"+token, `
		SELECT id, tenant_id, token, domain, custom_domain, dns_verified, active
		FROM sites WHERE token = $1 AND active = true
	`, token)
}

// ByHost resolves a site served on a first-party custom domain, or by its
// registered domain. Custom domains count only once DNS-verified.
func (c *SiteCache) ByHost(ctx context.Context, host string) (*Site, error) {
	if host == "" {
		return nil, ErrUnknownSite
	}
	return c.lookup(ctx, "site:host:"+host, `
		SELECT id, tenant_id, token, domain, custom_domain, dns_verified, active
		FROM sites
		WHERE active = true AND ((custom_domain = $1 AND dns_verified = true) OR domain = $1)
		ORDER BY (custom_domain = $1) DESC
		LIMIT 1
	`, host)
}

func (c *SiteCache) lookup(ctx context.Context, cacheKey, query, arg string) (*Site, error) {
	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, cacheKey).Result(); err == nil {
			var s Site
			if err := json.Unmarshal([]byte(raw), &s); err == nil {
				return &s, nil
			}
		} else if err != redis.Nil {
			logger.Warn("site cache read failed", "key", cacheKey, "error", err)
		}
	}

	var (
		s            Site
		customDomain sql.NullString
	)
	err := c.db.QueryRowContext(ctx, query, arg).Scan(
		&s.ID, &s.TenantID, &s.Token, &s.Domain, &customDomain, &s.DNSVerified, &s.Active)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownSite
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load site: %w", err)
	}
	s.CustomDomain = customDomain.String

	if c.rdb != nil {
		if raw, err := json.Marshal(&s); err == nil {
			if err := c.rdb.Set(ctx, cacheKey, raw, c.ttl).Err(); err != nil {
				logger.Warn("site cache write failed", "key", cacheKey, "error", err)
			}
		}
	}
	return &s, nil
}

// Invalidate drops the cached entries for a site after it changes.
func (c *SiteCache) Invalidate(ctx context.Context, s *Site) {
	if c.rdb == nil || s == nil {
		return
	}
	keys := []string{"site:token:" + s.Token, "site:host:" + s.Domain}
	if s.CustomDomain != "" {
		keys = append(keys, "site:host:"+s.CustomDomain)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		logger.Warn("site cache invalidation failed", "site_id", s.ID, "error", err)
	}
}
