package attribution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opticdata/opticdata/internal/config"
)

// Accounting modes. Advisory labels for how credited revenue is read.
const (
	AccountingCash    = "cash"
	AccountingAccrual = "accrual"
)

// SettingsStore reads and writes per-tenant attribution settings. A tenant
// with no row gets the global defaults.
type SettingsStore struct {
	db  *sql.DB
	cfg config.AttributionConfig
}

func NewSettingsStore(db *sql.DB, cfg config.AttributionConfig) *SettingsStore {
	return &SettingsStore{db: db, cfg: cfg}
}

func (s *SettingsStore) Get(ctx context.Context, tenantID uuid.UUID) (*Settings, error) {
	settings := &Settings{
		TenantID:       tenantID,
		DefaultModel:   s.cfg.DefaultModel,
		LookbackDays:   s.cfg.DefaultLookback,
		HalfLifeDays:   int(s.cfg.HalfLifeDays),
		AccountingMode: AccountingCash,
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT default_model, lookback_days, half_life_days, accounting_mode, updated_at
		FROM attribution_settings WHERE tenant_id = $1
	`, tenantID).Scan(&settings.DefaultModel, &settings.LookbackDays,
		&settings.HalfLifeDays, &settings.AccountingMode, &settings.UpdatedAt)
	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attribution settings: %w", err)
	}
	return settings, nil
}

func (s *SettingsStore) Upsert(ctx context.Context, settings *Settings) error {
	if !ValidModel(settings.DefaultModel) {
		return fmt.Errorf("unknown attribution model %q", settings.DefaultModel)
	}
	if !s.cfg.ValidLookback(settings.LookbackDays) {
		return fmt.Errorf("unsupported lookback %d days", settings.LookbackDays)
	}
	if settings.AccountingMode != AccountingCash && settings.AccountingMode != AccountingAccrual {
		return fmt.Errorf("unknown accounting mode %q", settings.AccountingMode)
	}
	if settings.HalfLifeDays <= 0 {
		settings.HalfLifeDays = int(s.cfg.HalfLifeDays)
	}
	settings.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attribution_settings (tenant_id, default_model, lookback_days, half_life_days, accounting_mode, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			default_model = EXCLUDED.default_model,
			lookback_days = EXCLUDED.lookback_days,
			half_life_days = EXCLUDED.half_life_days,
			accounting_mode = EXCLUDED.accounting_mode,
			updated_at = EXCLUDED.updated_at
	`, settings.TenantID, settings.DefaultModel, settings.LookbackDays,
		settings.HalfLifeDays, settings.AccountingMode, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save attribution settings: %w", err)
	}
	return nil
}

func (e *Engine) loadSettings(ctx context.Context, tenantID uuid.UUID) (*Settings, error) {
	return NewSettingsStore(e.db, e.cfg).Get(ctx, tenantID)
}
