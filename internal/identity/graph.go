package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// Graph resolves raw pixel hits to stable visitors and maintains the merge
// structure between them. All queries are tenant-scoped; a visitor id from
// one tenant is meaningless in another.
type Graph struct {
	db *sql.DB
}

// NewGraph creates an identity graph over the given database.
func NewGraph(db *sql.DB) *Graph {
	return &Graph{db: db}
}

// ResolveVisitor returns the canonical visitor id for the given identifiers,
// creating or merging rows as needed.
//
//  1. A row keyed by (tenant, anonymous_id) wins outright; arriving
//     identifying info (email/phone/customer id) is backfilled and may
//     trigger a merge.
//  2. Otherwise known identifiers are searched in priority order
//     email → phone → customer_id → fingerprint against canonical rows;
//     a hit creates a pre-merged row pointing at the match.
//  3. Otherwise a fresh canonical row is created.
func (g *Graph) ResolveVisitor(ctx context.Context, tenantID, siteID uuid.UUID, ids Identifiers) (uuid.UUID, error) {
	if ids.AnonymousID == "" {
		return uuid.Nil, fmt.Errorf("anonymous id is required")
	}

	var (
		rowID       uuid.UUID
		canonicalID uuid.NullUUID
		email       sql.NullString
		phone       sql.NullString
		customerID  sql.NullString
		fingerprint sql.NullString
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT id, canonical_id, email, phone, customer_id, fingerprint
		FROM visitors
		WHERE tenant_id = $1 AND anonymous_id = $2
	`, tenantID, ids.AnonymousID).Scan(&rowID, &canonicalID, &email, &phone, &customerID, &fingerprint)

	switch {
	case err == nil:
		effective := rowID
		if canonicalID.Valid {
			effective = canonicalID.UUID
		}

		_, err = g.db.ExecContext(ctx, `
			UPDATE visitors SET
				last_seen_at = NOW(),
				email       = COALESCE(email, NULLIF($2, '')),
				phone       = COALESCE(phone, NULLIF($3, '')),
				customer_id = COALESCE(customer_id, NULLIF($4, '')),
				fingerprint = COALESCE(fingerprint, NULLIF($5, ''))
			WHERE id = $1
		`, rowID, ids.Email, ids.Phone, ids.CustomerID, ids.Fingerprint)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to update visitor: %w", err)
		}

		newInfo := (ids.Email != "" && (!email.Valid || !strings.EqualFold(email.String, ids.Email))) ||
			(ids.Phone != "" && (!phone.Valid || phone.String != ids.Phone)) ||
			(ids.CustomerID != "" && (!customerID.Valid || customerID.String != ids.CustomerID))
		if newInfo && ids.HasIdentifying() {
			if err := g.attemptMerge(ctx, tenantID, effective, ids); err != nil {
				// IdentityMergeConflict disposition: log, keep resolve result.
				logger.Warn("identity merge skipped", "tenant_id", tenantID, "visitor_id", effective, "error", err)
			}
		}
		return effective, nil

	case err != sql.ErrNoRows:
		return uuid.Nil, fmt.Errorf("failed to look up visitor: %w", err)
	}

	if match, err := g.findCanonicalByIdentifiers(ctx, tenantID, ids); err != nil {
		return uuid.Nil, err
	} else if match != uuid.Nil {
		newID := uuid.New()
		now := time.Now().UTC()
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO visitors (id, tenant_id, site_id, anonymous_id, email, phone, customer_id, fingerprint,
				canonical_id, first_seen_at, last_seen_at, merged_at)
			VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), NULLIF($8,''), $9, $10, $10, $10)
		`, newID, tenantID, siteID, ids.AnonymousID, ids.Email, ids.Phone, ids.CustomerID, ids.Fingerprint, match, now)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to create merged visitor: %w", err)
		}
		if err := g.logMerge(ctx, g.db, tenantID, newID, match, MergeReasonIdentifier); err != nil {
			logger.Warn("failed to log identity merge", "tenant_id", tenantID, "error", err)
		}
		return match, nil
	}

	newID := uuid.New()
	now := time.Now().UTC()
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO visitors (id, tenant_id, site_id, anonymous_id, email, phone, customer_id, fingerprint,
			first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), NULLIF($8,''), $9, $9)
	`, newID, tenantID, siteID, ids.AnonymousID, ids.Email, ids.Phone, ids.CustomerID, ids.Fingerprint, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create visitor: %w", err)
	}
	return newID, nil
}

// findCanonicalByIdentifiers searches canonical rows only, in priority order
// email → phone → customer_id → fingerprint.
func (g *Graph) findCanonicalByIdentifiers(ctx context.Context, tenantID uuid.UUID, ids Identifiers) (uuid.UUID, error) {
	type probe struct {
		value  string
		column string
		fold   bool
	}
	probes := []probe{
		{ids.Email, "email", true},
		{ids.Phone, "phone", false},
		{ids.CustomerID, "customer_id", false},
		{ids.Fingerprint, "fingerprint", false},
	}
	for _, p := range probes {
		if p.value == "" {
			continue
		}
		cond := p.column + " = $2"
		if p.fold {
			cond = "LOWER(" + p.column + ") = LOWER($2)"
		}
		var id uuid.UUID
		err := g.db.QueryRowContext(ctx, `
			SELECT id FROM visitors
			WHERE tenant_id = $1 AND canonical_id IS NULL AND `+cond+`
			ORDER BY first_seen_at ASC
			LIMIT 1
		`, tenantID, p.value).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to search visitors by %s: %w", p.column, err)
		}
		return id, nil
	}
	return uuid.Nil, nil
}

// attemptMerge folds every canonical visitor sharing an identifier with the
// current row into it. The current row always wins the tie-break: it is the
// one being resolved in the active request and carries the freshest signal.
// Each candidate is merged in its own transaction so one failure cannot
// corrupt the pointer structure.
func (g *Graph) attemptMerge(ctx context.Context, tenantID, currentID uuid.UUID, ids Identifiers) error {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, email, phone, customer_id,
			first_seen_at, total_sessions, total_events, total_revenue, first_order_date
		FROM visitors
		WHERE tenant_id = $1 AND canonical_id IS NULL AND id <> $2
			AND ((NULLIF($3,'') IS NOT NULL AND LOWER(email) = LOWER($3))
				OR (NULLIF($4,'') IS NOT NULL AND phone = $4)
				OR (NULLIF($5,'') IS NOT NULL AND customer_id = $5))
	`, tenantID, currentID, ids.Email, ids.Phone, ids.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to find merge candidates: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id             uuid.UUID
		email          sql.NullString
		phone          sql.NullString
		customerID     sql.NullString
		firstSeenAt    time.Time
		totalSessions  int64
		totalEvents    int64
		totalRevenue   float64
		firstOrderDate sql.NullTime
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.email, &c.phone, &c.customerID,
			&c.firstSeenAt, &c.totalSessions, &c.totalEvents, &c.totalRevenue, &c.firstOrderDate); err != nil {
			return fmt.Errorf("failed to scan merge candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating merge candidates: %w", err)
	}

	for _, c := range candidates {
		reason := MergeReasonIdentifier
		switch {
		case ids.Email != "" && c.email.Valid && strings.EqualFold(c.email.String, ids.Email):
			reason = MergeReasonEmail
		case ids.Phone != "" && c.phone.Valid && c.phone.String == ids.Phone:
			reason = MergeReasonPhone
		case ids.CustomerID != "" && c.customerID.Valid && c.customerID.String == ids.CustomerID:
			reason = MergeReasonCustomerID
		}

		if err := g.mergeCandidate(ctx, tenantID, currentID, c.id, reason,
			c.firstSeenAt, c.totalSessions, c.totalEvents, c.totalRevenue, c.firstOrderDate); err != nil {
			logger.Warn("merge candidate failed", "tenant_id", tenantID,
				"source", c.id, "target", currentID, "error", err)
			continue
		}
		logger.Info("visitors merged", "tenant_id", tenantID,
			"source", c.id, "target", currentID, "reason", reason)
	}
	return nil
}

// mergeCandidate performs the re-point inside one transaction: the candidate
// and all rows hanging off it end up pointing at current, counters move over,
// and an audit row is written. No chains are possible afterwards because
// every row that pointed at the candidate is re-pointed at current too.
func (g *Graph) mergeCandidate(ctx context.Context, tenantID, currentID, candidateID uuid.UUID, reason string,
	candFirstSeen time.Time, candSessions, candEvents int64, candRevenue float64, candFirstOrder sql.NullTime) error {

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE visitors SET canonical_id = $1, merged_at = $2 WHERE tenant_id = $3 AND id = $4
	`, currentID, now, tenantID, candidateID); err != nil {
		return fmt.Errorf("failed to re-point candidate: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE visitors SET canonical_id = $1 WHERE tenant_id = $2 AND canonical_id = $3
	`, currentID, tenantID, candidateID); err != nil {
		return fmt.Errorf("failed to re-point merged children: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET visitor_id = $1 WHERE tenant_id = $2 AND visitor_id = $3
	`, currentID, tenantID, candidateID); err != nil {
		return fmt.Errorf("failed to re-point sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE touchpoints SET visitor_id = $1 WHERE tenant_id = $2 AND visitor_id = $3
	`, currentID, tenantID, candidateID); err != nil {
		return fmt.Errorf("failed to re-point touchpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE visitors SET
			total_sessions = total_sessions + $2,
			total_events   = total_events + $3,
			total_revenue  = total_revenue + $4,
			first_seen_at  = LEAST(first_seen_at, $5),
			first_order_date = CASE
				WHEN first_order_date IS NULL THEN $6
				WHEN $6::timestamptz IS NULL THEN first_order_date
				ELSE LEAST(first_order_date, $6)
			END
		WHERE id = $1
	`, currentID, candSessions, candEvents, candRevenue, candFirstSeen, candFirstOrder); err != nil {
		return fmt.Errorf("failed to accumulate counters: %w", err)
	}
	if err := g.logMerge(ctx, tx, tenantID, candidateID, currentID, reason); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (g *Graph) logMerge(ctx context.Context, db execer, tenantID, source, target uuid.UUID, reason string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO identity_merges (id, tenant_id, source_visitor, target_visitor, merge_reason, merged_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), tenantID, source, target, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log merge: %w", err)
	}
	return nil
}

// UpsertSession records a session the first time it is seen and bumps
// last_activity afterwards. First-touch attributes are never overwritten.
func (g *Graph) UpsertSession(ctx context.Context, tenantID, siteID, visitorID uuid.UUID, sessionID string, attrs SessionAttrs) error {
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, site_id, session_id, visitor_id,
			referrer, landing_page, utm_source, utm_medium, utm_campaign, utm_content, utm_term,
			fbclid, gclid, ttclid, sclid, msclkid,
			device, browser, os, screen_w, screen_h, timezone, language, ip, user_agent,
			started_at, last_activity)
		VALUES ($1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26,
			NOW(), NOW())
		ON CONFLICT (tenant_id, session_id) DO NOTHING
	`, uuid.New(), tenantID, siteID, sessionID, visitorID,
		attrs.Referrer, attrs.LandingPage, attrs.UTMSource, attrs.UTMMedium, attrs.UTMCampaign, attrs.UTMContent, attrs.UTMTerm,
		attrs.FBCLID, attrs.GCLID, attrs.TTCLID, attrs.SCLID, attrs.MSCLKID,
		attrs.Device, attrs.Browser, attrs.OS, attrs.ScreenW, attrs.ScreenH, attrs.Timezone, attrs.Language, attrs.IP, attrs.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	inserted, _ := res.RowsAffected()
	if inserted > 0 {
		_, err = g.db.ExecContext(ctx, `
			UPDATE visitors SET total_sessions = total_sessions + 1 WHERE id = $1
		`, visitorID)
		if err != nil {
			return fmt.Errorf("failed to bump session counter: %w", err)
		}
		return nil
	}

	_, err = g.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = NOW(), visitor_id = $3
		WHERE tenant_id = $1 AND session_id = $2
	`, tenantID, sessionID, visitorID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// RecordTouchpoint writes a touchpoint for a tagged session arrival. At most
// one touchpoint exists per session; untagged (direct/organic) sessions
// produce none.
func (g *Graph) RecordTouchpoint(ctx context.Context, tenantID, visitorID uuid.UUID, sessionID string, attrs SessionAttrs) (bool, error) {
	if !HasAttributionSignal(attrs) {
		return false, nil
	}
	platform := DerivePlatform(attrs)
	clickID, _ := attrs.ClickID()

	res, err := g.db.ExecContext(ctx, `
		INSERT INTO touchpoints (id, tenant_id, visitor_id, session_id, platform, click_id,
			utm_source, utm_medium, utm_campaign, utm_content, utm_term, touched_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,''), NULLIF($8,''), NULLIF($9,''), NULLIF($10,''), NULLIF($11,''), NOW())
		ON CONFLICT (tenant_id, session_id) DO NOTHING
	`, uuid.New(), tenantID, visitorID, sessionID, platform, clickID,
		attrs.UTMSource, attrs.UTMMedium, attrs.UTMCampaign, attrs.UTMContent, attrs.UTMTerm)
	if err != nil {
		return false, fmt.Errorf("failed to record touchpoint: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordEvent inserts one event. Events carrying an event_id are idempotent:
// a duplicate returns (false, nil) with no side effects. Purchase events run
// the new-vs-returning classifier inline and mark the visitor's most recent
// unconverted touchpoint as converted.
func (g *Graph) RecordEvent(ctx context.Context, ev *Event) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now().UTC()

	if ev.IsPurchase() {
		var email sql.NullString
		err := g.db.QueryRowContext(ctx, `
			SELECT email FROM visitors WHERE id = $1
		`, ev.VisitorID).Scan(&email)
		if err != nil && err != sql.ErrNoRows {
			return false, fmt.Errorf("failed to load visitor email: %w", err)
		}
		isNew, err := g.ClassifyCustomer(ctx, ev.TenantID, email.String, ev.VisitorID, ev.OrderID)
		if err != nil {
			return false, fmt.Errorf("failed to classify customer: %w", err)
		}
		ev.IsNewCustomer = &isNew
	}

	props := ev.Properties
	if len(props) == 0 {
		props = []byte("{}")
	}
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO events (id, tenant_id, site_id, visitor_id, session_id, event_name, event_category,
			page_url, page_title, page_referrer, order_id, revenue, currency,
			product_ids, product_names, quantity, click_ids, properties, event_id, client_ts, is_new_customer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''),
			NULLIF($8,''), NULLIF($9,''), NULLIF($10,''), NULLIF($11,''), $12, $13,
			$14, $15, $16, $17, $18, NULLIF($19,''), $20, $21, $22)
		ON CONFLICT (tenant_id, event_id) WHERE event_id IS NOT NULL DO NOTHING
	`, ev.ID, ev.TenantID, ev.SiteID, ev.VisitorID, ev.SessionID, ev.EventName, ev.EventCategory,
		ev.PageURL, ev.PageTitle, ev.PageReferrer, ev.OrderID, ev.Revenue, ev.Currency,
		pq.Array(ev.ProductIDs), pq.Array(ev.ProductNames), ev.Quantity, pq.Array(ev.ClickIDs),
		props, ev.EventID, ev.ClientTS, ev.IsNewCustomer, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil // idempotent replay
	}

	if _, err := g.db.ExecContext(ctx, `
		UPDATE visitors SET total_events = total_events + 1, last_seen_at = NOW() WHERE id = $1
	`, ev.VisitorID); err != nil {
		return true, fmt.Errorf("failed to bump event counter: %w", err)
	}

	if _, err := g.db.ExecContext(ctx, `
		UPDATE sessions SET
			last_activity = NOW(),
			event_count = event_count + 1,
			page_count = page_count + CASE WHEN $3 = 'PageView' THEN 1 ELSE 0 END,
			has_conversion = has_conversion OR $4
		WHERE tenant_id = $1 AND session_id = $2
	`, ev.TenantID, ev.SessionID, ev.EventName, ev.IsPurchase()); err != nil {
		return true, fmt.Errorf("failed to update session counters: %w", err)
	}

	if ev.IsPurchase() {
		if err := g.applyPurchase(ctx, ev); err != nil {
			return true, err
		}
	}
	return true, nil
}

// applyPurchase runs the conversion side effects for an inserted Purchase
// event: revenue counters, touchpoint conversion marking, first-order stamp.
func (g *Graph) applyPurchase(ctx context.Context, ev *Event) error {
	if _, err := g.db.ExecContext(ctx, `
		UPDATE visitors SET total_revenue = total_revenue + $2 WHERE id = $1
	`, ev.VisitorID, ev.Revenue); err != nil {
		return fmt.Errorf("failed to add revenue: %w", err)
	}

	// Mark the most recent unconverted touchpoint. The inner query selects a
	// single row, so two racing purchases with distinct order ids can never
	// double-mark one touchpoint.
	res, err := g.db.ExecContext(ctx, `
		UPDATE touchpoints SET converted = true, order_id = $3, revenue = $4
		WHERE id = (
			SELECT id FROM touchpoints
			WHERE tenant_id = $1 AND visitor_id = $2 AND converted = false
			ORDER BY touched_at DESC
			LIMIT 1
		)
	`, ev.TenantID, ev.VisitorID, ev.OrderID, ev.Revenue)
	if err != nil {
		return fmt.Errorf("failed to mark touchpoint converted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Known heuristic gap: the purchase may have raced ahead of the
		// touchpoint that drove it. Surfaced as a metric, not corrected.
		logger.Info("purchase_without_touchpoint", "tenant_id", ev.TenantID,
			"visitor_id", ev.VisitorID, "order_id", ev.OrderID)
	}

	if ev.IsNewCustomer != nil && *ev.IsNewCustomer {
		if _, err := g.db.ExecContext(ctx, `
			UPDATE visitors SET first_order_date = LEAST(COALESCE(first_order_date, $2), $2) WHERE id = $1
		`, ev.VisitorID, ev.CreatedAt); err != nil {
			return fmt.Errorf("failed to stamp first order date: %w", err)
		}
	}
	return nil
}
