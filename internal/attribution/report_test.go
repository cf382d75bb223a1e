package attribution

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReporter(t *testing.T) (*Reporter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewReporter(db), mock
}

func TestReport_RejectsUnknownModel(t *testing.T) {
	r, _ := testReporter(t)
	_, err := r.Report(context.Background(), uuid.New(), "markov", GroupCampaign, time.Now().AddDate(0, 0, -7), time.Now())
	assert.Error(t, err)
}

func TestReport_RejectsUnknownGrouping(t *testing.T) {
	r, _ := testReporter(t)
	_, err := r.Report(context.Background(), uuid.New(), ModelLinear, "adset", time.Now().AddDate(0, 0, -7), time.Now())
	assert.Error(t, err)
}

func TestReport_GroupBySource(t *testing.T) {
	r, mock := testReporter(t)
	mock.ExpectQuery(regexp.QuoteMeta("s.utm_source AS grp")).
		WillReturnRows(sqlmock.NewRows([]string{"platform", "grp", "touchpoints", "conversions", "attributed_revenue", "spend"}).
			AddRow("meta", "facebook", 80, 9.5, 1200.0, 500.0))

	rows, err := r.Report(context.Background(), uuid.New(), ModelLinear, GroupSource,
		time.Now().AddDate(0, 0, -30), time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "facebook", rows[0].Group)
	assert.InDelta(t, 1200.0/500.0, rows[0].ROAS, 1e-9)
	assert.InDelta(t, 500.0/9.5, rows[0].CPA, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareModels(t *testing.T) {
	r, mock := testReporter(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_summaries")).
		WillReturnRows(sqlmock.NewRows([]string{"model", "conversions", "attributed_revenue"}).
			AddRow(ModelFirstClick, 40.0, 5200.0).
			AddRow(ModelLastClick, 40.0, 5200.0).
			AddRow(ModelLinear, 39.9998, 5199.98))

	out, err := r.CompareModels(context.Background(), uuid.New(), time.Now().AddDate(0, 0, -30), time.Now())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, ModelFirstClick, out[0].Model)
	assert.InDelta(t, 40.0, out[0].Conversions, 1e-9)
}

func TestConversionPaths_LimitClamped(t *testing.T) {
	r, mock := testReporter(t)
	mock.ExpectQuery(regexp.QuoteMeta("STRING_AGG(t.platform, ' -> '")).
		WithArgs(sqlmock.AnyArg(), ModelLinear, sqlmock.AnyArg(), sqlmock.AnyArg(), 20).
		WillReturnRows(sqlmock.NewRows([]string{"path", "conversions", "revenue"}).
			AddRow("meta -> google", 12, 1800.0).
			AddRow("google", 9, 740.0))

	out, err := r.ConversionPaths(context.Background(), uuid.New(), ModelLinear,
		time.Now().AddDate(0, 0, -30), time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "meta -> google", out[0].Path)
	assert.Equal(t, int64(12), out[0].Conversions)
}

func TestJourneys(t *testing.T) {
	r, mock := testReporter(t)
	tenant := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("PERCENTILE_CONT")).
		WillReturnRows(sqlmock.NewRows([]string{"avg", "median", "max", "single", "multi", "hours"}).
			AddRow(2.5, 2.0, 6, 10, 14, 36.5))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY r.order_id, t.touched_at ASC")).
		WillReturnRows(sqlmock.NewRows([]string{"platform"}).AddRow("meta"))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY r.order_id, t.touched_at DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"platform"}).AddRow("google"))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(is_new_customer, true)")).
		WillReturnRows(sqlmock.NewRows([]string{"is_new", "orders", "revenue"}).
			AddRow(true, 15, 2200.0).
			AddRow(false, 9, 3100.0))

	stats, err := r.Journeys(context.Background(), tenant, ModelLinear,
		time.Now().AddDate(0, 0, -30), time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 2.5, stats.AvgTouches, 1e-9)
	assert.InDelta(t, 2.0, stats.MedianTouches, 1e-9)
	assert.Equal(t, int64(6), stats.MaxTouches)
	assert.Equal(t, int64(10), stats.SingleTouch)
	assert.Equal(t, int64(14), stats.MultiTouch)
	assert.InDelta(t, 36.5, stats.AvgHoursToConvert, 1e-9)
	assert.Equal(t, "meta", stats.TopFirstPlatform)
	assert.Equal(t, "google", stats.TopLastPlatform)
	assert.Equal(t, int64(15), stats.NewCustomers)
	assert.Equal(t, int64(9), stats.ReturningCustomers)
	assert.InDelta(t, 3100.0, stats.ReturningRevenue, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
