package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/opticdata/opticdata/internal/attribution"
	"github.com/opticdata/opticdata/internal/config"
	"github.com/opticdata/opticdata/internal/dnsverify"
	"github.com/opticdata/opticdata/internal/ingest"
	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// Server wires the management API over the shared services. The public
// tracking surface (ingest) is mounted on the same mux under /t but carries
// none of the management middleware.
type Server struct {
	db        *sql.DB
	cfg       *config.Config
	sites     *ingest.SiteCache
	tracking  *ingest.Handler
	challenge *dnsverify.ChallengeService
	cdn       *dnsverify.CDNProvisioner // nil when CDN provisioning is disabled
	engine    *attribution.Engine
	verifier  *attribution.Verifier
	summarize *attribution.Summarizer
	settings  *attribution.SettingsStore
	reporter  *attribution.Reporter
}

func NewServer(db *sql.DB, cfg *config.Config, sites *ingest.SiteCache, tracking *ingest.Handler, challenge *dnsverify.ChallengeService) *Server {
	return &Server{
		db:        db,
		cfg:       cfg,
		sites:     sites,
		tracking:  tracking,
		challenge: challenge,
		engine:    attribution.NewEngine(db, cfg.Attribution),
		verifier:  attribution.NewVerifier(db, cfg.Attribution),
		summarize: attribution.NewSummarizer(db),
		settings:  attribution.NewSettingsStore(db, cfg.Attribution),
		reporter:  attribution.NewReporter(db),
	}
}

// SetCDNProvisioner enables the optional CDN endpoints.
func (s *Server) SetCDNProvisioner(p *dnsverify.CDNProvisioner) {
	s.cdn = p
}

// HealthCheck reports process liveness and DB reachability.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status, "time": time.Now().UTC().Format(time.RFC3339)})
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondSafeError logs the internal error and sends a sanitized message.
// 5xx responses never echo database details or file paths to the client.
func respondSafeError(w http.ResponseWriter, code int, internalErr error, publicMsg string) {
	if internalErr != nil {
		logger.Error(publicMsg, "status", code, "error", internalErr)
	}
	respondError(w, code, publicMsg)
}

// dateRange is the from/to window common to the report endpoints. Defaults
// to the trailing 30 days; `to` is exclusive at day granularity.
type dateRange struct {
	From time.Time
	To   time.Time
}

func parseDateRange(r *http.Request) dateRange {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	dr := dateRange{From: now.AddDate(0, 0, -30), To: now.AddDate(0, 0, 1)}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			dr.From = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			dr.To = t.AddDate(0, 0, 1)
		}
	}
	return dr
}
