package attribution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// Summarizer maintains the daily rollup the dashboards read. Rebuild is
// delete-then-insert over the window, so re-running after late events or a
// verification correction converges to the same rows.
type Summarizer struct {
	db *sql.DB
}

func NewSummarizer(db *sql.DB) *Summarizer {
	return &Summarizer{db: db}
}

// Rebuild recomputes the rollup for one model over [from, to). Days are
// conversion days in UTC; the grouping key carries the full UTM breakdown
// plus the lookback window and the new-vs-returning flag stamped on each
// result row, so every dashboard cut is a plain GROUP BY over this table.
func (s *Summarizer) Rebuild(ctx context.Context, tenantID uuid.UUID, model string, from, to time.Time) error {
	if !ValidModel(model) {
		return fmt.Errorf("unknown attribution model %q", model)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin summary tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attribution_summaries
		WHERE tenant_id = $1 AND model = $2 AND day >= $3::date AND day < $4::date
	`, tenantID, model, from, to); err != nil {
		return fmt.Errorf("failed to clear summaries: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attribution_summaries
			(id, tenant_id, model, day, platform, utm_source, utm_medium, utm_campaign, utm_content,
			lookback_days, is_new_customer, touchpoints, attributed_conversions, attributed_revenue,
			unique_visitors, computed_at)
		SELECT gen_random_uuid(), r.tenant_id, r.model,
			DATE(o.occurred_at) AS day,
			t.platform,
			COALESCE(t.utm_source, '') AS utm_source,
			COALESCE(t.utm_medium, '') AS utm_medium,
			COALESCE(t.utm_campaign, '') AS utm_campaign,
			COALESCE(t.utm_content, '') AS utm_content,
			r.lookback_days,
			r.is_new_customer,
			COUNT(DISTINCT r.touchpoint_id) AS touchpoints,
			SUM(r.credit) AS attributed_conversions,
			SUM(r.revenue) AS attributed_revenue,
			COUNT(DISTINCT r.visitor_id) AS unique_visitors,
			NOW()
		FROM attribution_results r
		JOIN touchpoints t ON t.id = r.touchpoint_id
		JOIN (
			SELECT DISTINCT ON (tenant_id, order_id)
				tenant_id, order_id, COALESCE(client_ts, created_at) AS occurred_at
			FROM events
			WHERE tenant_id = $1 AND event_name = 'Purchase' AND order_id IS NOT NULL
			ORDER BY tenant_id, order_id, created_at
		) o ON o.tenant_id = r.tenant_id AND o.order_id = r.order_id
		WHERE r.tenant_id = $1 AND r.model = $2
			AND o.occurred_at >= $3 AND o.occurred_at < $4
		GROUP BY r.tenant_id, r.model, DATE(o.occurred_at), t.platform,
			COALESCE(t.utm_source, ''), COALESCE(t.utm_medium, ''),
			COALESCE(t.utm_campaign, ''), COALESCE(t.utm_content, ''),
			r.lookback_days, r.is_new_customer
	`, tenantID, model, from, to)
	if err != nil {
		return fmt.Errorf("failed to rebuild summaries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit summary rebuild: %w", err)
	}

	n, _ := res.RowsAffected()
	logger.Info("attribution summaries rebuilt", "tenant_id", tenantID,
		"model", model, "rows", n, "from", from.Format("2006-01-02"), "to", to.Format("2006-01-02"))
	return nil
}
