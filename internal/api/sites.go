package api

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opticdata/opticdata/internal/ingest"
)

// SiteResponse is a site row plus the install snippet for the dashboard.
type SiteResponse struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Domain        string     `json:"domain"`
	Token         string     `json:"token"`
	CustomDomain  string     `json:"custom_domain,omitempty"`
	DNSVerified   bool       `json:"dns_verified"`
	DNSVerifiedAt *time.Time `json:"dns_verified_at,omitempty"`
	CDNStatus     string     `json:"cdn_status,omitempty"`
	CDNDomain     string     `json:"cdn_domain,omitempty"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	Snippet       string     `json:"snippet"`
}

type sitePayload struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Active *bool  `json:"active,omitempty"`
}

const siteColumns = `id, name, domain, token, custom_domain, dns_verified, dns_verified_at,
	COALESCE(cdn_status, ''), COALESCE(cdn_domain, ''), active, created_at`

func (s *Server) scanSite(row interface {
	Scan(dest ...interface{}) error
}) (*SiteResponse, error) {
	var (
		site          SiteResponse
		customDomain  sql.NullString
		dnsVerifiedAt sql.NullTime
	)
	err := row.Scan(&site.ID, &site.Name, &site.Domain, &site.Token,
		&customDomain, &site.DNSVerified, &dnsVerifiedAt,
		&site.CDNStatus, &site.CDNDomain, &site.Active, &site.CreatedAt)
	if err != nil {
		return nil, err
	}
	site.CustomDomain = customDomain.String
	if dnsVerifiedAt.Valid {
		site.DNSVerifiedAt = &dnsVerifiedAt.Time
	}
	site.Snippet = s.snippet(&site)
	return &site, nil
}

// snippet returns the script tag tenants paste into their pages. A verified
// custom domain makes it first-party; otherwise it loads off the platform.
func (s *Server) snippet(site *SiteResponse) string {
	host := s.cfg.Pixel.PlatformDomain
	src := fmt.Sprintf("https://%s/t/pixel.js?token=%s", host, site.Token)
	if site.CustomDomain != "" && site.DNSVerified {
		src = fmt.Sprintf("https://%s/t/pixel.js", site.CustomDomain)
	}
	return fmt.Sprintf(`<script async src="%s"></script>`, src)
}

func (s *Server) ListSites(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT `+siteColumns+` FROM sites WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to list sites")
		return
	}
	defer rows.Close()

	sites := []*SiteResponse{}
	for rows.Next() {
		site, err := s.scanSite(rows)
		if err != nil {
			respondSafeError(w, http.StatusInternalServerError, err, "failed to list sites")
			return
		}
		sites = append(sites, site)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sites": sites})
}

func (s *Server) CreateSite(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var p sitePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Domain = strings.ToLower(strings.TrimSpace(p.Domain))
	if p.Name == "" || p.Domain == "" {
		respondError(w, http.StatusBadRequest, "name and domain are required")
		return
	}

	token, err := newSiteToken()
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to create site")
		return
	}
	siteID := uuid.New()
	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO sites (id, tenant_id, name, domain, token, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, NOW(), NOW())
	`, siteID, tenantID, p.Name, p.Domain, token)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to create site")
		return
	}

	site, err := s.loadSite(r.Context(), tenantID, siteID)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to create site")
		return
	}
	respondJSON(w, http.StatusCreated, site)
}

func (s *Server) GetSite(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	site, err := s.loadSite(r.Context(), tenantID, siteID)
	if err == sql.ErrNoRows {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to load site")
		return
	}
	respondJSON(w, http.StatusOK, site)
}

func (s *Server) UpdateSite(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	var p sitePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.db.ExecContext(r.Context(), `
		UPDATE sites SET
			name = COALESCE(NULLIF($3, ''), name),
			domain = COALESCE(NULLIF($4, ''), domain),
			active = COALESCE($5, active),
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, siteID, strings.TrimSpace(p.Name), strings.ToLower(strings.TrimSpace(p.Domain)), p.Active)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to update site")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}
	s.invalidateSite(r.Context(), tenantID, siteID)

	site, err := s.loadSite(r.Context(), tenantID, siteID)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to load site")
		return
	}
	respondJSON(w, http.StatusOK, site)
}

func (s *Server) DeactivateSite(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	res, err := s.db.ExecContext(r.Context(), `
		UPDATE sites SET active = false, updated_at = NOW() WHERE tenant_id = $1 AND id = $2
	`, tenantID, siteID)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to deactivate site")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}
	s.invalidateSite(r.Context(), tenantID, siteID)
	respondJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

// RotateSiteToken issues a fresh pixel token. Old script tags keep loading
// until the tenant updates them; events posted with the old token stop
// resolving once the site cache TTL expires.
func (s *Server) RotateSiteToken(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	token, err := newSiteToken()
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to rotate token")
		return
	}
	res, err := s.db.ExecContext(r.Context(), `
		UPDATE sites SET token = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2
	`, tenantID, siteID, token)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to rotate token")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}
	s.invalidateSite(r.Context(), tenantID, siteID)

	site, err := s.loadSite(r.Context(), tenantID, siteID)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to load site")
		return
	}
	respondJSON(w, http.StatusOK, site)
}

func (s *Server) loadSite(ctx context.Context, tenantID, siteID uuid.UUID) (*SiteResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+siteColumns+` FROM sites WHERE tenant_id = $1 AND id = $2
	`, tenantID, siteID)
	return s.scanSite(row)
}

func (s *Server) invalidateSite(ctx context.Context, tenantID, siteID uuid.UUID) {
	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return
	}
	s.sites.Invalidate(ctx, &ingest.Site{
		ID:           site.ID,
		Token:        site.Token,
		Domain:       site.Domain,
		CustomDomain: site.CustomDomain,
	})
}

func parseSiteID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "siteID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid site id")
		return uuid.Nil, false
	}
	return id, true
}

func newSiteToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
