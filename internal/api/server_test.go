package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticdata/opticdata/internal/attribution"
	"github.com/opticdata/opticdata/internal/config"
	"github.com/opticdata/opticdata/internal/dnsverify"
	"github.com/opticdata/opticdata/internal/identity"
	"github.com/opticdata/opticdata/internal/ingest"
	"github.com/opticdata/opticdata/internal/pixel"
)

func testServer(t *testing.T) (*Server, sqlmock.Sqlmock, http.Handler) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Pixel.PlatformDomain = "px.opticdata.io"
	cfg.Scheduler.WindowDays = 90
	cfg.Attribution = config.AttributionConfig{
		EpsilonCredit: 1e-4, EpsilonRevenue: 0.01, HalfLifeDays: 7,
		BatchSize: 500, ParamLimit: 60000,
		DefaultModel: attribution.ModelLastClick, DefaultLookback: 30,
		ValidLookbacks: []int{7, 14, 30, 60, 90, 180, 365, 0},
	}

	sites := ingest.NewSiteCache(db, nil, time.Minute)
	tracking := ingest.NewHandler(sites, identity.NewGraph(db), pixel.NewGenerator(cfg.Pixel.PlatformDomain), 300)
	srv := NewServer(db, cfg, sites, tracking, dnsverify.NewChallengeService(db, "203.0.113.7"))
	return srv, mock, SetupRoutes(srv)
}

func orgRequest(method, target string, body []byte, tenantID uuid.UUID) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("X-Org-ID", tenantID.String())
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthCheck(t *testing.T) {
	_, mock, router := testServer(t)
	mock.ExpectPing()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireOrg(t *testing.T) {
	_, _, router := testServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sites/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sites/", nil)
	req.Header.Set("X-Org-ID", "not-a-uuid")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func apiSiteRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "domain", "token", "custom_domain",
		"dns_verified", "dns_verified_at", "cdn_status", "cdn_domain", "active", "created_at"})
}

func TestCreateSite(t *testing.T) {
	_, mock, router := testServer(t)
	tenant := uuid.New()
	siteID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sites")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM sites WHERE tenant_id = $1 AND id = $2")).
		WillReturnRows(apiSiteRows().
			AddRow(siteID.String(), "Shop", "shop.example", "tok123", nil, false, nil, "", "", true, time.Now()))

	body := []byte(`{"name":"Shop","domain":"Shop.Example"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodPost, "/api/sites/", body, tenant))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var site SiteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &site))
	assert.Contains(t, site.Snippet, "https://px.opticdata.io/t/pixel.js?token=tok123")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSite_MissingFields(t *testing.T) {
	_, _, router := testServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodPost, "/api/sites/", []byte(`{"name":""}`), uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSite_NotFound(t *testing.T) {
	_, mock, router := testServer(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sites")).
		WillReturnError(sql.ErrNoRows)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodGet, "/api/sites/"+uuid.New().String()+"/", nil, uuid.New()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSite_FirstPartySnippet(t *testing.T) {
	_, mock, router := testServer(t)
	siteID := uuid.New()
	verifiedAt := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM sites")).
		WillReturnRows(apiSiteRows().
			AddRow(siteID.String(), "Shop", "shop.example", "tok123", "go.shop.example", true, verifiedAt, "active", "d1.cloudfront.net", true, time.Now()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodGet, "/api/sites/"+siteID.String()+"/", nil, uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code)
	var site SiteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &site))
	assert.Equal(t, `<script async src="https://go.shop.example/t/pixel.js"></script>`, site.Snippet)
}

func TestRunAttribution_BadModel(t *testing.T) {
	_, _, router := testServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodPost, "/api/attribution/run", []byte(`{"model":"markov"}`), uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunAttribution_BadLookback(t *testing.T) {
	_, _, router := testServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodPost, "/api/attribution/run", []byte(`{"model":"linear","lookback_days":45}`), uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSettings_Invalid(t *testing.T) {
	_, _, router := testServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodPut, "/api/attribution/settings",
		[]byte(`{"default_model":"markov","lookback_days":30,"accounting_mode":"cash"}`), uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSettings_Defaults(t *testing.T) {
	_, mock, router := testServer(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_settings")).
		WillReturnError(sql.ErrNoRows)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodGet, "/api/attribution/settings", nil, uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code)
	var settings attribution.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, attribution.ModelLastClick, settings.DefaultModel)
	assert.Equal(t, 30, settings.LookbackDays)
}

func TestAttributionReport(t *testing.T) {
	_, mock, router := testServer(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_summaries")).
		WillReturnRows(sqlmock.NewRows([]string{"platform", "grp", "touchpoints", "conversions", "attributed_revenue", "spend"}).
			AddRow("meta", "spring", 120, 14.0, 2450.50, 1000.0).
			AddRow("google", "", 80, 6.0, 900.0, 0.0))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodGet, "/api/reports/attribution?model=linear&from=2026-08-01&to=2026-08-23", nil, uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Model string                  `json:"model"`
		Rows  []attribution.ReportRow `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "linear", resp.Model)
	require.Len(t, resp.Rows, 2)
	assert.InDelta(t, 2.4505, resp.Rows[0].ROAS, 1e-9)
	assert.InDelta(t, 1000.0/14, resp.Rows[0].CPA, 1e-9)
	assert.Zero(t, resp.Rows[1].ROAS)
}

func TestAttributionReport_BadGrouping(t *testing.T) {
	_, _, router := testServer(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodGet, "/api/reports/attribution?model=linear&group=adset", nil, uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadSpend(t *testing.T) {
	_, mock, router := testServer(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ad_spend")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"rows":[
		{"platform":"meta","campaign":"spring","day":"2026-08-20","spend":150.25},
		{"platform":"","day":"2026-08-20","spend":10}
	]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodPost, "/api/spend", body, uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["accepted"]) // the platform-less row is dropped
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyAttribution(t *testing.T) {
	_, mock, router := testServer(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM attribution_results")).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "credit_sum", "revenue_sum", "order_revenue"}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, orgRequest(http.MethodPost, "/api/attribution/verify", []byte(`{"model":"linear"}`), uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code)

	var result attribution.VerificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, attribution.VerifyPassed, result.Status)
}
