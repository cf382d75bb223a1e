package attribution

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opticdata/opticdata/internal/config"
	"github.com/opticdata/opticdata/internal/identity"
	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// resultCols is the number of bind params per attribution_results row; chunk
// sizes are derived from it so a bulk upsert never exceeds the param limit.
const resultCols = 11

// Engine computes multi-touch attribution. A run is idempotent: recomputing
// the same (tenant, model, window) overwrites previous credits row for row.
type Engine struct {
	db    *sql.DB
	cfg   config.AttributionConfig
	graph *identity.Graph
}

func NewEngine(db *sql.DB, cfg config.AttributionConfig) *Engine {
	return &Engine{db: db, cfg: cfg, graph: identity.NewGraph(db)}
}

// Run credits every Purchase in [windowStart, windowEnd) under one model.
// An empty model or zero lookback falls back to the tenant's settings, then
// to the global defaults. lookbackDays == 0 after resolution means unlimited.
func (e *Engine) Run(ctx context.Context, tenantID uuid.UUID, model string, lookbackDays int, windowStart, windowEnd time.Time) (*RunStats, error) {
	settings, err := e.loadSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = settings.DefaultModel
	}
	if !ValidModel(model) {
		return nil, fmt.Errorf("unknown attribution model %q", model)
	}
	if lookbackDays < 0 {
		lookbackDays = settings.LookbackDays
	}
	halfLife := time.Duration(float64(24*time.Hour) * e.cfg.HalfLifeDays)
	if settings.HalfLifeDays > 0 {
		halfLife = time.Duration(settings.HalfLifeDays) * 24 * time.Hour
	}

	stats := &RunStats{
		TenantID:  tenantID,
		Model:     model,
		Lookback:  lookbackDays,
		StartedAt: time.Now().UTC(),
	}
	seenOrders := make(map[string]struct{})

	var (
		cursorTS time.Time
		cursorID uuid.UUID
	)
	for {
		batch, err := e.fetchConversions(ctx, tenantID, windowStart, windowEnd, cursorTS, cursorID)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		cursorTS = batch[len(batch)-1].OccurredAt
		cursorID = batch[len(batch)-1].EventID

		// A replayed purchase without an event_id can appear twice; only the
		// first occurrence per order id is credited.
		conversions := batch[:0:len(batch)]
		for _, c := range batch {
			if _, dup := seenOrders[c.OrderID]; dup {
				continue
			}
			seenOrders[c.OrderID] = struct{}{}
			conversions = append(conversions, c)
		}
		stats.Conversions += len(conversions)

		touchesByVisitor, err := e.fetchTouches(ctx, tenantID, conversions, lookbackDays)
		if err != nil {
			return nil, err
		}

		var results []Result
		now := time.Now().UTC()
		for _, conv := range conversions {
			isNew, err := e.classifyConversion(ctx, tenantID, conv)
			if err != nil {
				// AttributionOrderFailed disposition: the order keeps its
				// credits, classification retries on the next run.
				logger.Warn("order classification failed", "tenant_id", tenantID,
					"order_id", conv.OrderID, "error", err)
				isNew = true
			}

			touches := windowTouches(touchesByVisitor[conv.VisitorID], conv.OccurredAt, lookbackDays)
			if len(touches) == 0 {
				stats.Skipped++
				continue
			}
			credits := creditTouches(model, touches, conv.OccurredAt, halfLife)
			for i, tp := range touches {
				results = append(results, Result{
					ID:            uuid.New(),
					TenantID:      tenantID,
					VisitorID:     conv.VisitorID,
					TouchpointID:  tp.ID,
					OrderID:       conv.OrderID,
					Model:         model,
					Credit:        credits[i],
					Revenue:       math.Round(credits[i]*conv.Revenue*100) / 100,
					IsNewCustomer: isNew,
					LookbackDays:  lookbackDays,
					ComputedAt:    now,
				})
			}
			stats.Credited++
		}

		if err := e.upsertResults(ctx, results); err != nil {
			return nil, err
		}
		stats.Results += len(results)
	}

	stats.FinishedAt = time.Now().UTC()
	logger.Info("attribution run finished", "tenant_id", tenantID, "model", model,
		"lookback_days", lookbackDays, "conversions", stats.Conversions,
		"credited", stats.Credited, "skipped", stats.Skipped, "results", stats.Results)
	return stats, nil
}

// RunAll runs every model over the same window, continuing past per-model
// failures so one bad model cannot starve the others.
func (e *Engine) RunAll(ctx context.Context, tenantID uuid.UUID, lookbackDays int, windowStart, windowEnd time.Time) ([]*RunStats, error) {
	var (
		all     []*RunStats
		lastErr error
	)
	for _, model := range AllModels {
		stats, err := e.Run(ctx, tenantID, model, lookbackDays, windowStart, windowEnd)
		if err != nil {
			logger.Error("attribution model run failed", "tenant_id", tenantID, "model", model, "error", err)
			lastErr = err
			continue
		}
		all = append(all, stats)
	}
	return all, lastErr
}

func (e *Engine) fetchConversions(ctx context.Context, tenantID uuid.UUID, windowStart, windowEnd, cursorTS time.Time, cursorID uuid.UUID) ([]Conversion, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT e.id, e.visitor_id, e.order_id, e.revenue,
			COALESCE(e.client_ts, e.created_at) AS occurred_at,
			e.is_new_customer, COALESCE(v.email, '')
		FROM events e
		LEFT JOIN visitors v ON v.id = e.visitor_id
		WHERE e.tenant_id = $1 AND e.event_name = 'Purchase' AND e.order_id IS NOT NULL
			AND e.created_at >= $2 AND e.created_at < $3
			AND (COALESCE(e.client_ts, e.created_at) > $4
				OR (COALESCE(e.client_ts, e.created_at) = $4 AND e.id > $5))
		ORDER BY occurred_at, e.id
		LIMIT $6
	`, tenantID, windowStart, windowEnd, cursorTS, cursorID, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversions: %w", err)
	}
	defer rows.Close()

	var out []Conversion
	for rows.Next() {
		var (
			c     Conversion
			isNew sql.NullBool
		)
		if err := rows.Scan(&c.EventID, &c.VisitorID, &c.OrderID, &c.Revenue, &c.OccurredAt, &isNew, &c.Email); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		if isNew.Valid {
			c.IsNew = &isNew.Bool
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// classifyConversion returns the stored new-vs-returning flag when the ingest
// path already stamped it; otherwise it classifies the order now, persists the
// flag on the event, and back-dates the visitor's first order when new.
func (e *Engine) classifyConversion(ctx context.Context, tenantID uuid.UUID, conv Conversion) (bool, error) {
	if conv.IsNew != nil {
		return *conv.IsNew, nil
	}
	isNew, err := e.graph.ClassifyCustomer(ctx, tenantID, conv.Email, conv.VisitorID, conv.OrderID)
	if err != nil {
		return true, err
	}
	if _, err := e.db.ExecContext(ctx, `
		UPDATE events SET is_new_customer = $2 WHERE id = $1
	`, conv.EventID, isNew); err != nil {
		return isNew, fmt.Errorf("failed to stamp event classification: %w", err)
	}
	if isNew {
		if _, err := e.db.ExecContext(ctx, `
			UPDATE visitors SET first_order_date = LEAST(COALESCE(first_order_date, $2), $2) WHERE id = $1
		`, conv.VisitorID, conv.OccurredAt); err != nil {
			return isNew, fmt.Errorf("failed to stamp first order date: %w", err)
		}
	}
	return isNew, nil
}

// fetchTouches bulk-loads touchpoints for every visitor in the batch,
// bounded below by the earliest conversion minus the lookback. Grouping and
// per-conversion windowing happen in memory.
func (e *Engine) fetchTouches(ctx context.Context, tenantID uuid.UUID, conversions []Conversion, lookbackDays int) (map[uuid.UUID][]TouchRef, error) {
	if len(conversions) == 0 {
		return nil, nil
	}
	visitorSet := make(map[uuid.UUID]struct{}, len(conversions))
	earliest := conversions[0].OccurredAt
	for _, c := range conversions {
		visitorSet[c.VisitorID] = struct{}{}
		if c.OccurredAt.Before(earliest) {
			earliest = c.OccurredAt
		}
	}
	visitors := make([]string, 0, len(visitorSet))
	for v := range visitorSet {
		visitors = append(visitors, v.String())
	}

	query := `
		SELECT id, visitor_id, touched_at
		FROM touchpoints
		WHERE tenant_id = $1 AND visitor_id = ANY($2)
	`
	args := []interface{}{tenantID, pq.Array(visitors)}
	if lookbackDays > 0 {
		query += ` AND touched_at >= $3`
		args = append(args, earliest.AddDate(0, 0, -lookbackDays))
	}
	query += ` ORDER BY touched_at ASC`

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch touchpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]TouchRef)
	for rows.Next() {
		var tp TouchRef
		if err := rows.Scan(&tp.ID, &tp.VisitorID, &tp.TouchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan touchpoint: %w", err)
		}
		out[tp.VisitorID] = append(out[tp.VisitorID], tp)
	}
	return out, rows.Err()
}

// windowTouches filters a visitor's touches (already oldest-first) down to
// those inside the conversion's lookback window.
func windowTouches(touches []TouchRef, convertedAt time.Time, lookbackDays int) []TouchRef {
	var out []TouchRef
	for _, tp := range touches {
		if tp.TouchedAt.After(convertedAt) {
			continue
		}
		if lookbackDays > 0 && tp.TouchedAt.Before(convertedAt.AddDate(0, 0, -lookbackDays)) {
			continue
		}
		out = append(out, tp)
	}
	return out
}

// upsertResults bulk-writes credits in chunks sized to the bind param limit.
func (e *Engine) upsertResults(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	chunk := e.cfg.ParamLimit / resultCols
	if chunk < 1 {
		chunk = 1
	}
	for start := 0; start < len(results); start += chunk {
		end := start + chunk
		if end > len(results) {
			end = len(results)
		}
		if err := e.upsertChunk(ctx, results[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) upsertChunk(ctx context.Context, results []Result) error {
	var (
		sb   strings.Builder
		args = make([]interface{}, 0, len(results)*resultCols)
	)
	sb.WriteString(`
		INSERT INTO attribution_results
			(id, tenant_id, visitor_id, touchpoint_id, order_id, model, credit, revenue, is_new_customer, lookback_days, computed_at)
		VALUES `)
	for i, r := range results {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * resultCols
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)
		args = append(args, r.ID, r.TenantID, r.VisitorID, r.TouchpointID, r.OrderID, r.Model,
			r.Credit, r.Revenue, r.IsNewCustomer, r.LookbackDays, r.ComputedAt)
	}
	sb.WriteString(`
		ON CONFLICT (touchpoint_id, order_id, model) DO UPDATE SET
			visitor_id = EXCLUDED.visitor_id,
			credit = EXCLUDED.credit,
			revenue = EXCLUDED.revenue,
			is_new_customer = EXCLUDED.is_new_customer,
			lookback_days = EXCLUDED.lookback_days,
			computed_at = EXCLUDED.computed_at`)

	if _, err := e.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to upsert attribution results: %w", err)
	}
	return nil
}
