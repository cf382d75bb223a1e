package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opticdata/opticdata/internal/attribution"
	"github.com/opticdata/opticdata/internal/config"
	"github.com/opticdata/opticdata/internal/pkg/distlock"
	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// Scheduler drives the daily attribution computation. All instances poll;
// a distributed lock keyed on the UTC date guarantees exactly one of them
// runs each day's slot, so deploys can overlap without double computation.
type Scheduler struct {
	db      *sql.DB
	rdb     *redis.Client
	cfg     config.SchedulerConfig
	attr    config.AttributionConfig
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex

	engine     *attribution.Engine
	verifier   *attribution.Verifier
	summarizer *attribution.Summarizer
	settings   *attribution.SettingsStore
}

func NewScheduler(db *sql.DB, rdb *redis.Client, cfg config.SchedulerConfig, attr config.AttributionConfig) *Scheduler {
	return &Scheduler{
		db:         db,
		rdb:        rdb,
		cfg:        cfg,
		attr:       attr,
		stop:       make(chan struct{}),
		engine:     attribution.NewEngine(db, attr),
		verifier:   attribution.NewVerifier(db, attr),
		summarizer: attribution.NewSummarizer(db),
		settings:   attribution.NewSettingsStore(db, attr),
	}
}

// Start launches the poll loop. Calling Start twice is a no-op, and a
// stopped scheduler can be started again.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	// Stop closed the previous channel; the new loop needs its own.
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop()
	logger.Info("scheduler started", "daily_at_hour_utc", s.cfg.DailyAtHour,
		"poll_interval", s.cfg.PollInterval().String())
}

// Stop halts the poll loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// tick runs the daily slot when the UTC hour matches and no other instance
// has claimed today's date. The lock TTL outlives any plausible run, so a
// crashed holder blocks at most one slot.
func (s *Scheduler) tick(now time.Time) {
	if now.Hour() != s.cfg.DailyAtHour {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Hour)
	defer cancel()

	key := "attribution:daily:" + now.Format("2006-01-02")
	lock := distlock.NewLock(s.rdb, s.db, key, 23*time.Hour)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("scheduler lock acquire failed", "key", key, "error", err)
		return
	}
	if !ok {
		return // another instance owns today's slot
	}
	// The lock is deliberately not released: it marks the slot as done for
	// the rest of the day.

	if err := s.RunOnce(ctx, now); err != nil {
		logger.Error("daily attribution run finished with errors", "error", err)
	}
}

// RunOnce computes attribution for every active tenant: all five models at
// the tenant's lookback, then verification and summary rebuild per model.
// Tenants fail independently.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	tenants, err := s.activeTenants(ctx)
	if err != nil {
		return err
	}

	windowStart := now.AddDate(0, 0, -s.cfg.WindowDays)
	var failed int
	for _, tenantID := range tenants {
		if err := s.runTenant(ctx, tenantID, windowStart, now); err != nil {
			logger.Error("tenant attribution failed", "tenant_id", tenantID, "error", err)
			failed++
		}
	}
	logger.Info("daily attribution finished", "tenants", len(tenants), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed", failed, len(tenants))
	}
	return nil
}

// standardLookbacks are computed for every tenant alongside the tenant's own
// window, so the dashboard can flip between common windows without waiting a
// day for a recompute.
var standardLookbacks = []int{7, 14, 30}

func (s *Scheduler) runTenant(ctx context.Context, tenantID uuid.UUID, windowStart, windowEnd time.Time) error {
	settings, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	// The tenant's configured window runs last so its credits are the ones
	// left standing for each (touchpoint, order, model).
	lookbacks := make([]int, 0, len(standardLookbacks)+1)
	for _, lb := range standardLookbacks {
		if lb != settings.LookbackDays {
			lookbacks = append(lookbacks, lb)
		}
	}
	lookbacks = append(lookbacks, settings.LookbackDays)

	// Windows fail independently: a bad window is logged and the rest still
	// compute, and the verify/summary phase always runs over whatever the
	// windows managed to write.
	var failures int
	for _, lb := range lookbacks {
		if _, err := s.engine.RunAll(ctx, tenantID, lb, windowStart, windowEnd); err != nil {
			logger.Error("attribution window failed", "tenant_id", tenantID,
				"lookback_days", lb, "error", err)
			failures++
		}
	}
	for _, model := range attribution.AllModels {
		if _, err := s.verifier.Verify(ctx, tenantID, model, windowStart); err != nil {
			logger.Error("verification failed", "tenant_id", tenantID, "model", model, "error", err)
			failures++
			continue
		}
		if err := s.summarizer.Rebuild(ctx, tenantID, model, windowStart, windowEnd); err != nil {
			logger.Error("summary rebuild failed", "tenant_id", tenantID, "model", model, "error", err)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d units failed", failures)
	}
	return nil
}

func (s *Scheduler) activeTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM sites WHERE active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
