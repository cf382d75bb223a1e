package attribution

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticdata/opticdata/internal/config"
)

func conversionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "visitor_id", "order_id", "revenue", "occurred_at", "is_new_customer", "email"})
}

func testCfg() config.AttributionConfig {
	return config.AttributionConfig{
		EpsilonCredit:   1e-4,
		EpsilonRevenue:  0.01,
		HalfLifeDays:    7,
		BatchSize:       500,
		ParamLimit:      60000,
		DefaultModel:    ModelLastClick,
		DefaultLookback: 30,
		ValidLookbacks:  []int{7, 14, 30, 60, 90, 180, 365, 0},
	}
}

func TestEngineRun_CreditsAndUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	visitor := uuid.New()
	tp1, tp2, tp3 := uuid.New(), uuid.New(), uuid.New()
	conv := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// no per-tenant settings row
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_settings")).
		WillReturnError(sql.ErrNoRows)
	// first conversion batch, already classified at ingest
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(conversionRows().
			AddRow(uuid.New().String(), visitor.String(), "order-1", 300.0, conv, true, "x@y.co"))
	// touchpoints for the batch's visitors
	mock.ExpectQuery(regexp.QuoteMeta("FROM touchpoints")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "visitor_id", "touched_at"}).
			AddRow(tp1.String(), visitor.String(), conv.AddDate(0, 0, -10)).
			AddRow(tp2.String(), visitor.String(), conv.AddDate(0, 0, -5)).
			AddRow(tp3.String(), visitor.String(), conv.AddDate(0, 0, -1)))
	// one bulk upsert with three rows
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attribution_results")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	// second batch is empty: run terminates
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(conversionRows())

	e := NewEngine(db, testCfg())
	stats, err := e.Run(context.Background(), tenant, ModelLinear, 30,
		conv.AddDate(0, 0, -90), conv.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Conversions)
	assert.Equal(t, 1, stats.Credited)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 3, stats.Results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineRun_ClassifiesUnstampedOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	visitor := uuid.New()
	tp := uuid.New()
	conv := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_settings")).
		WillReturnError(sql.ErrNoRows)
	// NULL is_new_customer: the event predates the inline classifier
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(conversionRows().
			AddRow(uuid.New().String(), visitor.String(), "order-1", 120.0, conv, nil, "x@y.co"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM touchpoints")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "visitor_id", "touched_at"}).
			AddRow(tp.String(), visitor.String(), conv.AddDate(0, 0, -2)))
	// no prior purchase: the order classifies as new and both stamps land
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE events SET is_new_customer")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("first_order_date")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attribution_results")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(conversionRows())

	e := NewEngine(db, testCfg())
	stats, err := e.Run(context.Background(), tenant, ModelLastClick, 30,
		conv.AddDate(0, 0, -90), conv.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Credited)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineRun_ConversionWithoutTouchesSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	conv := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_settings")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(conversionRows().
			AddRow(uuid.New().String(), uuid.New().String(), "order-1", 50.0, conv, true, ""))
	mock.ExpectQuery(regexp.QuoteMeta("FROM touchpoints")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "visitor_id", "touched_at"}))
	// no results: no upsert issued
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(conversionRows())

	e := NewEngine(db, testCfg())
	stats, err := e.Run(context.Background(), tenant, ModelLastClick, 30,
		conv.AddDate(0, 0, -90), conv.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineRun_UnknownModel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_settings")).
		WillReturnError(sql.ErrNoRows)

	e := NewEngine(db, testCfg())
	_, err = e.Run(context.Background(), uuid.New(), "markov", 30, time.Now().AddDate(0, 0, -1), time.Now())
	assert.Error(t, err)
}

func TestEngineRun_EmptyModelUsesSettingsDefault(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_settings")).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"default_model", "lookback_days", "half_life_days", "accounting_mode", "updated_at"}).
			AddRow(ModelTimeDecay, 60, 7, AccountingCash, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WillReturnRows(conversionRows())

	e := NewEngine(db, testCfg())
	stats, err := e.Run(context.Background(), tenant, "", -1, time.Now().AddDate(0, 0, -1), time.Now())
	require.NoError(t, err)
	assert.Equal(t, ModelTimeDecay, stats.Model)
	assert.Equal(t, 60, stats.Lookback)
}

func TestVerifier_PassingGroups(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_results")).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "credit_sum", "revenue_sum", "order_revenue"}).
			AddRow("order-1", 1.0, 300.0, 300.0).
			AddRow("order-2", 0.99995, 49.999, 50.0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verification_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := NewVerifier(db, testCfg())
	res, err := v.Verify(context.Background(), tenant, ModelLinear, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, VerifyPassed, res.Status)
	assert.Equal(t, 2, res.Passed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifier_DriftedGroupCorrected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenant := uuid.New()
	r1, r2 := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_results")).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "credit_sum", "revenue_sum", "order_revenue"}).
			AddRow("order-1", 0.9, 90.0, 100.0))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "credit"}).
			AddRow(r1.String(), 0.3).
			AddRow(r2.String(), 0.6))
	// stored revenue is cents: 33.33 + 66.67 recovers the order's 100.00
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attribution_results")).
		WithArgs(r1, sqlmock.AnyArg(), 33.33).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attribution_results")).
		WithArgs(r2, sqlmock.AnyArg(), 66.67).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verification_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := NewVerifier(db, testCfg())
	res, err := v.Verify(context.Background(), tenant, ModelLinear, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, VerifyCorrected, res.Status)
	assert.Equal(t, 1, res.Corrected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifier_ManyTouchRenormalizeSumsToOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Ten equal credits over $10.03: naive per-row scaling stores 10 x $1.00
	// and loses three cents. The last row must absorb them.
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_results")).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "credit_sum", "revenue_sum", "order_revenue"}).
			AddRow("order-1", 1.0, 10.00, 10.03))
	mock.ExpectBegin()
	locked := sqlmock.NewRows([]string{"id", "credit"})
	for i := 0; i < 10; i++ {
		locked.AddRow(uuid.New().String(), 0.1)
	}
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WillReturnRows(locked)
	for i := 0; i < 9; i++ {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE attribution_results")).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 1.00).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attribution_results")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 1.03).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verification_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := NewVerifier(db, testCfg())
	res, err := v.Verify(context.Background(), uuid.New(), ModelLinear, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, VerifyCorrected, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifier_ZeroSumGroupFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_results")).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "credit_sum", "revenue_sum", "order_revenue"}).
			AddRow("order-1", 0.0, 0.0, 100.0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verification_logs")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := NewVerifier(db, testCfg())
	res, err := v.Verify(context.Background(), uuid.New(), ModelLinear, time.Now().AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, VerifyFailed, res.Status)
	assert.Equal(t, 1, res.Failed)
}

func TestVerifier_StatusRollup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ranAt := time.Date(2026, 8, 24, 3, 10, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM verification_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"model", "checked", "normalized", "credit_pct", "revenue_pct", "verified_at"}).
			AddRow(ModelLinear, 40, 0, 100.0, 100.0, ranAt).
			AddRow(ModelTimeDecay, 40, 3, 92.5, 95.0, ranAt))

	v := NewVerifier(db, testCfg())
	status, err := v.Status(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, "verified", status[0].Status)
	assert.Equal(t, "normalized", status[1].Status)
	assert.InDelta(t, 92.5, status[1].CreditIntegrity, 1e-9)
	assert.Equal(t, int64(3), status[1].Normalized)
}

func TestSettingsStore_DefaultsWhenNoRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_settings")).
		WillReturnError(sql.ErrNoRows)

	s := NewSettingsStore(db, testCfg())
	settings, err := s.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, ModelLastClick, settings.DefaultModel)
	assert.Equal(t, 30, settings.LookbackDays)
	assert.Equal(t, AccountingCash, settings.AccountingMode)
}

func TestSettingsStore_RejectsBadValues(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSettingsStore(db, testCfg())
	tenant := uuid.New()

	err = s.Upsert(context.Background(), &Settings{TenantID: tenant, DefaultModel: "markov", LookbackDays: 30, AccountingMode: AccountingCash})
	assert.Error(t, err)

	err = s.Upsert(context.Background(), &Settings{TenantID: tenant, DefaultModel: ModelLinear, LookbackDays: 45, AccountingMode: AccountingCash})
	assert.Error(t, err)

	err = s.Upsert(context.Background(), &Settings{TenantID: tenant, DefaultModel: ModelLinear, LookbackDays: 30, AccountingMode: "weird"})
	assert.Error(t, err)
}
