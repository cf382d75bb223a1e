package attribution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reporter answers the read-side questions: performance per channel, model
// comparison, and journey shapes. Everything reads the summaries and results
// the batch jobs wrote; nothing here recomputes credit.
type Reporter struct {
	db *sql.DB
}

func NewReporter(db *sql.DB) *Reporter {
	return &Reporter{db: db}
}

// Report groupings. Channel is the utm_medium cut (cpc, email, social, ...).
const (
	GroupPlatform = "platform"
	GroupCampaign = "campaign"
	GroupSource   = "source"
	GroupChannel  = "channel"
)

// groupColumns maps a grouping to its summary column. Only values from this
// table ever reach the SQL text.
var groupColumns = map[string]string{
	GroupPlatform: "''",
	GroupCampaign: "s.utm_campaign",
	GroupSource:   "s.utm_source",
	GroupChannel:  "s.utm_medium",
}

// ValidGroup reports whether s names a supported report grouping.
func ValidGroup(s string) bool {
	_, ok := groupColumns[s]
	return ok
}

// ReportRow is channel performance under one model, with spend joined in
// when the tenant has uploaded it. Conversions is fractional: it is the sum
// of credit, so a half-credited order counts 0.5.
type ReportRow struct {
	Platform          string  `json:"platform"`
	Group             string  `json:"group,omitempty"`
	Touchpoints       int64   `json:"touchpoints"`
	Conversions       float64 `json:"conversions"`
	AttributedRevenue float64 `json:"attributed_revenue"`
	Spend             float64 `json:"spend"`
	ROAS              float64 `json:"roas"`
	CPA               float64 `json:"cpa"`
}

// Report aggregates the daily summaries for [from, to) under one model,
// grouped by platform plus the requested cut, ordered by attributed revenue.
// Spend is matched per campaign for the campaign cut and per platform for
// every other cut.
func (r *Reporter) Report(ctx context.Context, tenantID uuid.UUID, model, groupBy string, from, to time.Time) ([]ReportRow, error) {
	if !ValidModel(model) {
		return nil, fmt.Errorf("unknown attribution model %q", model)
	}
	if groupBy == "" {
		groupBy = GroupCampaign
	}
	groupCol, ok := groupColumns[groupBy]
	if !ok {
		return nil, fmt.Errorf("unknown report grouping %q", groupBy)
	}
	spendView := `
			SELECT platform, SUM(spend) AS spend
			FROM ad_spend
			WHERE tenant_id = $1 AND day >= $3::date AND day < $4::date
			GROUP BY platform`
	spendJoin := "sp.platform = s.platform"
	if groupBy == GroupCampaign {
		spendView = `
			SELECT platform, COALESCE(utm_campaign, '') AS utm_campaign, SUM(spend) AS spend
			FROM ad_spend
			WHERE tenant_id = $1 AND day >= $3::date AND day < $4::date
			GROUP BY platform, COALESCE(utm_campaign, '')`
		spendJoin += " AND sp.utm_campaign = s.utm_campaign"
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.platform, %s AS grp,
			SUM(s.touchpoints), SUM(s.attributed_conversions), SUM(s.attributed_revenue),
			COALESCE(sp.spend, 0)
		FROM attribution_summaries s
		LEFT JOIN (%s
		) sp ON %s
		WHERE s.tenant_id = $1 AND s.model = $2 AND s.day >= $3::date AND s.day < $4::date
		GROUP BY s.platform, %s, sp.spend
		ORDER BY SUM(s.attributed_revenue) DESC
	`, groupCol, spendView, spendJoin, groupCol), tenantID, model, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	defer rows.Close()

	var out []ReportRow
	for rows.Next() {
		var row ReportRow
		if err := rows.Scan(&row.Platform, &row.Group, &row.Touchpoints,
			&row.Conversions, &row.AttributedRevenue, &row.Spend); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		if row.Spend > 0 {
			row.ROAS = row.AttributedRevenue / row.Spend
			if row.Conversions > 0 {
				row.CPA = row.Spend / row.Conversions
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ModelComparison is one model's totals over a window.
type ModelComparison struct {
	Model             string  `json:"model"`
	Conversions       float64 `json:"conversions"`
	AttributedRevenue float64 `json:"attributed_revenue"`
}

// CompareModels shows how total credit shifts between models over the same
// window. Totals agree across models up to verification tolerance; the
// interesting part is the per-platform drill-down via Report.
func (r *Reporter) CompareModels(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]ModelComparison, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT model, SUM(attributed_conversions), SUM(attributed_revenue)
		FROM attribution_summaries
		WHERE tenant_id = $1 AND day >= $2::date AND day < $3::date
		GROUP BY model
		ORDER BY model
	`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to compare models: %w", err)
	}
	defer rows.Close()

	var out []ModelComparison
	for rows.Next() {
		var m ModelComparison
		if err := rows.Scan(&m.Model, &m.Conversions, &m.AttributedRevenue); err != nil {
			return nil, fmt.Errorf("failed to scan model comparison: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConversionPath is one distinct platform sequence leading to purchases.
type ConversionPath struct {
	Path        string  `json:"path"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// ConversionPaths returns the most common platform journeys, e.g.
// "meta -> google -> direct", ranked by conversion count.
func (r *Reporter) ConversionPaths(ctx context.Context, tenantID uuid.UUID, model string, from, to time.Time, limit int) ([]ConversionPath, error) {
	if !ValidModel(model) {
		return nil, fmt.Errorf("unknown attribution model %q", model)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.path, COUNT(*), SUM(p.revenue)
		FROM (
			SELECT r.order_id,
				STRING_AGG(t.platform, ' -> ' ORDER BY t.touched_at) AS path,
				MAX(o.revenue) AS revenue
			FROM attribution_results r
			JOIN touchpoints t ON t.id = r.touchpoint_id
			JOIN (
				SELECT DISTINCT ON (tenant_id, order_id)
					tenant_id, order_id, revenue, COALESCE(client_ts, created_at) AS occurred_at
				FROM events
				WHERE tenant_id = $1 AND event_name = 'Purchase' AND order_id IS NOT NULL
				ORDER BY tenant_id, order_id, created_at
			) o ON o.tenant_id = r.tenant_id AND o.order_id = r.order_id
			WHERE r.tenant_id = $1 AND r.model = $2
				AND o.occurred_at >= $3 AND o.occurred_at < $4
			GROUP BY r.order_id
		) p
		GROUP BY p.path
		ORDER BY COUNT(*) DESC, SUM(p.revenue) DESC
		LIMIT $5
	`, tenantID, model, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversion paths: %w", err)
	}
	defer rows.Close()

	var out []ConversionPath
	for rows.Next() {
		var p ConversionPath
		if err := rows.Scan(&p.Path, &p.Conversions, &p.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan conversion path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// JourneyStats summarises journey shape and the new-vs-returning split.
type JourneyStats struct {
	AvgTouches         float64 `json:"avg_touches"`
	MedianTouches      float64 `json:"median_touches"`
	MaxTouches         int64   `json:"max_touches"`
	SingleTouch        int64   `json:"single_touch"`
	MultiTouch         int64   `json:"multi_touch"`
	AvgHoursToConvert  float64 `json:"avg_hours_to_convert"`
	TopFirstPlatform   string  `json:"top_first_platform,omitempty"`
	TopLastPlatform    string  `json:"top_last_platform,omitempty"`
	NewCustomers       int64   `json:"new_customers"`
	ReturningCustomers int64   `json:"returning_customers"`
	NewRevenue         float64 `json:"new_revenue"`
	ReturningRevenue   float64 `json:"returning_revenue"`
}

// Journeys computes touch-count and time-to-convert statistics for credited
// conversions, the dominant first and last touch platforms, and the
// classifier's new-vs-returning split over the same window.
func (r *Reporter) Journeys(ctx context.Context, tenantID uuid.UUID, model string, from, to time.Time) (*JourneyStats, error) {
	if !ValidModel(model) {
		return nil, fmt.Errorf("unknown attribution model %q", model)
	}
	stats := &JourneyStats{}

	var (
		avg, median, hours sql.NullFloat64
		max                sql.NullInt64
		single, multi      sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT AVG(x.touches),
			PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY x.touches),
			MAX(x.touches),
			COUNT(*) FILTER (WHERE x.touches = 1),
			COUNT(*) FILTER (WHERE x.touches > 1),
			AVG(x.hours)
		FROM (
			SELECT r.order_id, COUNT(*) AS touches,
				EXTRACT(EPOCH FROM (MAX(o.occurred_at) - MIN(t.touched_at))) / 3600.0 AS hours
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
			GROUP BY r.order_id
		) x
	`, tenantID, model, from, to).Scan(&avg, &median, &max, &single, &multi, &hours)
	if err != nil {
		return nil, fmt.Errorf("failed to compute journey stats: %w", err)
	}
	stats.AvgTouches = avg.Float64
	stats.MedianTouches = median.Float64
	stats.MaxTouches = max.Int64
	stats.SingleTouch = single.Int64
	stats.MultiTouch = multi.Int64
	stats.AvgHoursToConvert = hours.Float64

	if stats.TopFirstPlatform, err = r.topPlatform(ctx, tenantID, model, from, to, "ASC"); err != nil {
		return nil, err
	}
	if stats.TopLastPlatform, err = r.topPlatform(ctx, tenantID, model, from, to, "DESC"); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(is_new_customer, true), COUNT(DISTINCT order_id), SUM(revenue)
		FROM events
		WHERE tenant_id = $1 AND event_name = 'Purchase' AND order_id IS NOT NULL
			AND created_at >= $2 AND created_at < $3
		GROUP BY COALESCE(is_new_customer, true)
	`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to compute customer split: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			isNew   bool
			count   int64
			revenue sql.NullFloat64
		)
		if err := rows.Scan(&isNew, &count, &revenue); err != nil {
			return nil, fmt.Errorf("failed to scan customer split: %w", err)
		}
		if isNew {
			stats.NewCustomers = count
			stats.NewRevenue = revenue.Float64
		} else {
			stats.ReturningCustomers = count
			stats.ReturningRevenue = revenue.Float64
		}
	}
	return stats, rows.Err()
}

// topPlatform returns the most common first (dir ASC) or last (dir DESC)
// touch platform across credited orders in the window.
func (r *Reporter) topPlatform(ctx context.Context, tenantID uuid.UUID, model string, from, to time.Time, dir string) (string, error) {
	var platform string
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT f.platform
		FROM (
			SELECT DISTINCT ON (r.order_id) r.order_id, t.platform
			FROM attribution_results r
			JOIN touchpoints t ON t.id = r.touchpoint_id
			WHERE r.tenant_id = $1 AND r.model = $2
				AND r.computed_at >= $3 AND r.computed_at < $4
			ORDER BY r.order_id, t.touched_at %s
		) f
		GROUP BY f.platform
		ORDER BY COUNT(*) DESC
		LIMIT 1
	`, dir), tenantID, model, from, to).Scan(&platform)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to compute top platform: %w", err)
	}
	return platform, nil
}
