package attribution

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opticdata/opticdata/internal/config"
	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// Verification statuses.
const (
	VerifyPassed    = "passed"
	VerifyCorrected = "corrected"
	VerifyFailed    = "failed"
)

// VerificationResult is the rollup of one verification pass. The per-order
// outcomes are appended to verification_logs keyed by this result's ID.
type VerificationResult struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Model     string    `json:"model"`
	Checked   int       `json:"checked"`
	Passed    int       `json:"passed"`
	Corrected int       `json:"corrected"`
	Failed    int       `json:"failed"`
	Status    string    `json:"status"`
	RanAt     time.Time `json:"ran_at"`
}

// Verifier rechecks the two invariants of every credited order: credits sum
// to 1 and credited revenue sums to the order's revenue. Drifted groups are
// renormalised in place; groups that cannot be repaired are reported failed.
// Every checked order gets an append-only verification_logs row.
type Verifier struct {
	db  *sql.DB
	cfg config.AttributionConfig
}

func NewVerifier(db *sql.DB, cfg config.AttributionConfig) *Verifier {
	return &Verifier{db: db, cfg: cfg}
}

type creditGroup struct {
	orderID      string
	creditSum    float64
	revenueSum   float64
	orderRevenue float64
}

type auditRow struct {
	orderID       string
	actualRevenue float64
	totalCredited float64
	creditSum     float64
	wasNormalized bool
}

// Verify checks every (order, model) group computed since the given time,
// appends one verification_logs row per order, and returns the rollup.
func (v *Verifier) Verify(ctx context.Context, tenantID uuid.UUID, model string, since time.Time) (*VerificationResult, error) {
	if !ValidModel(model) {
		return nil, fmt.Errorf("unknown attribution model %q", model)
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT r.order_id, SUM(r.credit), SUM(r.revenue),
			(SELECT MAX(e.revenue) FROM events e
				WHERE e.tenant_id = r.tenant_id AND e.order_id = r.order_id AND e.event_name = 'Purchase')
		FROM attribution_results r
		WHERE r.tenant_id = $1 AND r.model = $2 AND r.computed_at >= $3
		GROUP BY r.tenant_id, r.order_id
	`, tenantID, model, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load credit groups: %w", err)
	}
	defer rows.Close()

	var groups []creditGroup
	for rows.Next() {
		var (
			g       creditGroup
			orderRv sql.NullFloat64
		)
		if err := rows.Scan(&g.orderID, &g.creditSum, &g.revenueSum, &orderRv); err != nil {
			return nil, fmt.Errorf("failed to scan credit group: %w", err)
		}
		g.orderRevenue = orderRv.Float64
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit groups: %w", err)
	}

	result := &VerificationResult{
		ID:       uuid.New(),
		TenantID: tenantID,
		Model:    model,
		Checked:  len(groups),
		RanAt:    time.Now().UTC(),
	}
	audits := make([]auditRow, 0, len(groups))
	for _, g := range groups {
		audit := auditRow{
			orderID:       g.orderID,
			actualRevenue: g.orderRevenue,
			totalCredited: g.revenueSum,
			creditSum:     g.creditSum,
		}
		creditOK := math.Abs(g.creditSum-1) <= v.cfg.EpsilonCredit
		revenueOK := math.Abs(g.revenueSum-g.orderRevenue) <= v.cfg.EpsilonRevenue
		switch {
		case creditOK && revenueOK:
			result.Passed++
		case g.creditSum <= 0:
			logger.Error("unrepairable credit group", "tenant_id", tenantID,
				"model", model, "order_id", g.orderID, "credit_sum", g.creditSum)
			result.Failed++
		default:
			if err := v.renormalize(ctx, tenantID, model, g); err != nil {
				logger.Error("credit renormalisation failed", "tenant_id", tenantID,
					"model", model, "order_id", g.orderID, "error", err)
				result.Failed++
				break
			}
			audit.wasNormalized = true
			result.Corrected++
		}
		audits = append(audits, audit)
	}

	switch {
	case result.Failed > 0:
		result.Status = VerifyFailed
	case result.Corrected > 0:
		result.Status = VerifyCorrected
	default:
		result.Status = VerifyPassed
	}

	if err := v.appendLogs(ctx, result, audits); err != nil {
		return nil, err
	}

	logger.Info("verification pass finished", "tenant_id", tenantID, "model", model,
		"status", result.Status, "checked", result.Checked,
		"corrected", result.Corrected, "failed", result.Failed)
	return result, nil
}

// appendLogs writes one audit row per checked order in a single insert.
func (v *Verifier) appendLogs(ctx context.Context, result *VerificationResult, audits []auditRow) error {
	if len(audits) == 0 {
		return nil
	}
	const cols = 10
	var (
		sb   strings.Builder
		args = make([]interface{}, 0, len(audits)*cols)
	)
	sb.WriteString(`
		INSERT INTO verification_logs
			(id, tenant_id, run_id, order_id, model, actual_revenue, total_credited, credit_sum, was_normalized, verified_at)
		VALUES `)
	for i, a := range audits {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args, uuid.New(), result.TenantID, result.ID, a.orderID, result.Model,
			a.actualRevenue, a.totalCredited, a.creditSum, a.wasNormalized, result.RanAt)
	}
	if _, err := v.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to append verification logs: %w", err)
	}
	return nil
}

// VerificationStatus rolls up the most recent verification run per model.
type VerificationStatus struct {
	Model            string    `json:"model"`
	Checked          int64     `json:"checked"`
	Normalized       int64     `json:"normalized"`
	CreditIntegrity  float64   `json:"credit_integrity_pct"`
	RevenueIntegrity float64   `json:"revenue_integrity_pct"`
	Status           string    `json:"status"`
	VerifiedAt       time.Time `json:"verified_at"`
}

// Status reports, per model, how the latest verification run went: how many
// orders were checked, how many needed renormalisation, and what share
// satisfied each invariant before correction.
func (v *Verifier) Status(ctx context.Context, tenantID uuid.UUID) ([]VerificationStatus, error) {
	rows, err := v.db.QueryContext(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (model) model, run_id
			FROM verification_logs
			WHERE tenant_id = $1
			ORDER BY model, verified_at DESC
		)
		SELECT l.model, COUNT(*),
			COUNT(*) FILTER (WHERE vl.was_normalized),
			100.0 * COUNT(*) FILTER (WHERE ABS(vl.credit_sum - 1) <= $2) / COUNT(*),
			100.0 * COUNT(*) FILTER (WHERE ABS(vl.total_credited - vl.actual_revenue) <= $3) / COUNT(*),
			MAX(vl.verified_at)
		FROM verification_logs vl
		JOIN latest l ON l.model = vl.model AND l.run_id = vl.run_id
		WHERE vl.tenant_id = $1
		GROUP BY l.model
		ORDER BY l.model
	`, tenantID, v.cfg.EpsilonCredit, v.cfg.EpsilonRevenue)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification status: %w", err)
	}
	defer rows.Close()

	var out []VerificationStatus
	for rows.Next() {
		var s VerificationStatus
		if err := rows.Scan(&s.Model, &s.Checked, &s.Normalized,
			&s.CreditIntegrity, &s.RevenueIntegrity, &s.VerifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan verification status: %w", err)
		}
		s.Status = "verified"
		if s.Normalized > 0 {
			s.Status = "normalized"
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// renormalize rescales one order's credits so they sum to 1 and re-derives
// credited revenue, absorbing the float drift in the final row so the
// revenue identity holds exactly.
func (v *Verifier) renormalize(ctx context.Context, tenantID uuid.UUID, model string, g creditGroup) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin renormalisation tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, credit FROM attribution_results
		WHERE tenant_id = $1 AND model = $2 AND order_id = $3
		ORDER BY credit ASC, id
		FOR UPDATE
	`, tenantID, model, g.orderID)
	if err != nil {
		return fmt.Errorf("failed to lock credit rows: %w", err)
	}
	type row struct {
		id     uuid.UUID
		credit float64
	}
	var rs []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.credit); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan credit row: %w", err)
		}
		rs = append(rs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating credit rows: %w", err)
	}
	if len(rs) == 0 {
		return tx.Commit()
	}

	// Revenue is rounded to cents per row; the last row (the largest credit)
	// gets the order revenue minus the rounded rows before it, so the stored
	// cents sum to the order exactly.
	creditLeft, revenueLeft := 1.0, g.orderRevenue
	for i, r := range rs {
		credit := r.credit / g.creditSum
		revenue := math.Round(credit*g.orderRevenue*100) / 100
		if i == len(rs)-1 {
			credit = creditLeft
			revenue = math.Round(revenueLeft*100) / 100
		}
		creditLeft -= credit
		revenueLeft -= revenue
		if _, err := tx.ExecContext(ctx, `
			UPDATE attribution_results SET credit = $2, revenue = $3, computed_at = NOW() WHERE id = $1
		`, r.id, credit, revenue); err != nil {
			return fmt.Errorf("failed to update credit row: %w", err)
		}
	}
	return tx.Commit()
}
