package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opticdata/opticdata/internal/attribution"
)

type runPayload struct {
	Model        string `json:"model,omitempty"`
	LookbackDays *int   `json:"lookback_days,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
}

// RunAttribution triggers an on-demand computation for the tenant, outside
// the daily slot. Empty model means the tenant's default; omitted lookback
// means the tenant's configured window.
func (s *Server) RunAttribution(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())

	var p runPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if p.Model != "" && !attribution.ValidModel(p.Model) {
		respondError(w, http.StatusBadRequest, "unknown attribution model")
		return
	}
	lookback := -1
	if p.LookbackDays != nil {
		if !s.cfg.Attribution.ValidLookback(*p.LookbackDays) {
			respondError(w, http.StatusBadRequest, "unsupported lookback window")
			return
		}
		lookback = *p.LookbackDays
	}

	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -s.cfg.Scheduler.WindowDays)
	windowEnd := now
	if p.From != "" {
		if t, err := time.Parse("2006-01-02", p.From); err == nil {
			windowStart = t
		}
	}
	if p.To != "" {
		if t, err := time.Parse("2006-01-02", p.To); err == nil {
			windowEnd = t.AddDate(0, 0, 1)
		}
	}

	var (
		stats []*attribution.RunStats
		err   error
	)
	if p.Model == "" {
		stats, err = s.engine.RunAll(r.Context(), tenantID, lookback, windowStart, windowEnd)
	} else {
		var one *attribution.RunStats
		one, err = s.engine.Run(r.Context(), tenantID, p.Model, lookback, windowStart, windowEnd)
		if one != nil {
			stats = append(stats, one)
		}
	}
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "attribution run failed")
		return
	}

	// keep the rollup fresh for the window that was just recomputed
	models := attribution.AllModels
	if p.Model != "" {
		models = []string{p.Model}
	}
	for _, model := range models {
		if _, err := s.verifier.Verify(r.Context(), tenantID, model, windowStart); err != nil {
			respondSafeError(w, http.StatusInternalServerError, err, "verification failed")
			return
		}
		if err := s.summarize.Rebuild(r.Context(), tenantID, model, windowStart, windowEnd); err != nil {
			respondSafeError(w, http.StatusInternalServerError, err, "summary rebuild failed")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": stats})
}

type verifyPayload struct {
	Model string `json:"model"`
	Since string `json:"since,omitempty"`
}

// VerifyAttribution reruns the invariant check on demand.
func (s *Server) VerifyAttribution(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var p verifyPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !attribution.ValidModel(p.Model) {
		respondError(w, http.StatusBadRequest, "unknown attribution model")
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -s.cfg.Scheduler.WindowDays)
	if p.Since != "" {
		if t, err := time.Parse("2006-01-02", p.Since); err == nil {
			since = t
		}
	}

	result, err := s.verifier.Verify(r.Context(), tenantID, p.Model, since)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "verification failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// VerificationStatus reports the latest verification outcome per model.
func (s *Server) VerificationStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	status, err := s.verifier.Status(r.Context(), tenantID)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to load verification status")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": status})
}

func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	settings, err := s.settings.Get(r.Context(), tenantID)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to load settings")
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var settings attribution.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	settings.TenantID = tenantID
	if err := s.settings.Upsert(r.Context(), &settings); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) modelParam(r *http.Request) string {
	model := r.URL.Query().Get("model")
	if model == "" {
		model = s.cfg.Attribution.DefaultModel
	}
	return model
}

// AttributionReport returns channel performance under one model with ROAS
// and CPA where spend has been uploaded. The group parameter picks the cut:
// platform, campaign (default), source, or channel.
func (s *Server) AttributionReport(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	model := s.modelParam(r)
	if !attribution.ValidModel(model) {
		respondError(w, http.StatusBadRequest, "unknown attribution model")
		return
	}
	dr := parseDateRange(r)
	groupBy := r.URL.Query().Get("group")
	if groupBy != "" && !attribution.ValidGroup(groupBy) {
		respondError(w, http.StatusBadRequest, "unknown report grouping")
		return
	}
	report, err := s.reporter.Report(r.Context(), tenantID, model, groupBy, dr.From, dr.To)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to build report")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"model": model,
		"from":  dr.From.Format("2006-01-02"),
		"to":    dr.To.AddDate(0, 0, -1).Format("2006-01-02"),
		"rows":  report,
	})
}

func (s *Server) ModelComparison(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	dr := parseDateRange(r)
	comparison, err := s.reporter.CompareModels(r.Context(), tenantID, dr.From, dr.To)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to compare models")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": comparison})
}

func (s *Server) ConversionPathsReport(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	model := s.modelParam(r)
	if !attribution.ValidModel(model) {
		respondError(w, http.StatusBadRequest, "unknown attribution model")
		return
	}
	dr := parseDateRange(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	paths, err := s.reporter.ConversionPaths(r.Context(), tenantID, model, dr.From, dr.To, limit)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to build paths report")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"model": model, "paths": paths})
}

func (s *Server) JourneysReport(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	model := s.modelParam(r)
	if !attribution.ValidModel(model) {
		respondError(w, http.StatusBadRequest, "unknown attribution model")
		return
	}
	dr := parseDateRange(r)
	stats, err := s.reporter.Journeys(r.Context(), tenantID, model, dr.From, dr.To)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to build journey stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type spendRow struct {
	Platform string  `json:"platform"`
	Campaign string  `json:"campaign,omitempty"`
	Day      string  `json:"day"`
	Spend    float64 `json:"spend"`
}

// UploadSpend ingests daily ad spend used for ROAS/CPA. Rows are upserted on
// (tenant, platform, campaign, day), so re-uploads correct earlier figures.
func (s *Server) UploadSpend(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	var payload struct {
		Rows []spendRow `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(payload.Rows) == 0 {
		respondError(w, http.StatusBadRequest, "no rows")
		return
	}

	accepted := 0
	for _, row := range payload.Rows {
		day, err := time.Parse("2006-01-02", row.Day)
		if err != nil || row.Platform == "" || row.Spend < 0 {
			continue
		}
		_, err = s.db.ExecContext(r.Context(), `
			INSERT INTO ad_spend (id, tenant_id, platform, utm_campaign, day, spend, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (tenant_id, platform, utm_campaign, day) DO UPDATE SET
				spend = EXCLUDED.spend, updated_at = NOW()
		`, uuid.New(), tenantID, row.Platform, row.Campaign, day, row.Spend)
		if err != nil {
			respondSafeError(w, http.StatusInternalServerError, err, "failed to store spend")
			return
		}
		accepted++
	}
	respondJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}
