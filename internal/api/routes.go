package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

type ctxKey int

const ctxKeyTenantID ctxKey = iota

// SetupRoutes builds the full mux: public tracking under /t, management API
// under /api. Management calls are tenant-scoped by the X-Org-ID header set
// by the fronting auth proxy.
func SetupRoutes(s *Server) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)

	// Public tracking surface: wildcard CORS lives inside the handler.
	r.Mount("/t", s.tracking.Routes())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://app.opticdata.io", "http://localhost:5173"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Org-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(requireOrg)

		r.Route("/sites", func(r chi.Router) {
			r.Get("/", s.ListSites)
			r.Post("/", s.CreateSite)
			r.Route("/{siteID}", func(r chi.Router) {
				r.Get("/", s.GetSite)
				r.Put("/", s.UpdateSite)
				r.Delete("/", s.DeactivateSite)
				r.Post("/rotate-token", s.RotateSiteToken)

				r.Get("/domain", s.GetDomainStatus)
				r.Post("/domain", s.SetCustomDomain)
				r.Post("/domain/verify", s.VerifyCustomDomain)
				r.Post("/domain/cdn", s.ProvisionCDN)
				r.Post("/domain/cdn/poll", s.PollCDN)
			})
		})

		r.Route("/attribution", func(r chi.Router) {
			r.Post("/run", s.RunAttribution)
			r.Post("/verify", s.VerifyAttribution)
			r.Get("/status", s.VerificationStatus)
			r.Get("/settings", s.GetSettings)
			r.Put("/settings", s.UpdateSettings)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/attribution", s.AttributionReport)
			r.Get("/models", s.ModelComparison)
			r.Get("/paths", s.ConversionPathsReport)
			r.Get("/journeys", s.JourneysReport)
		})

		r.Post("/spend", s.UploadSpend)
	})

	return r
}

// requireOrg resolves the tenant from X-Org-ID and stores it in the request
// context. Requests without a valid org id never reach a handler.
func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Org-ID")
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "missing org id")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid org id")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyTenantID, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxKeyTenantID).(uuid.UUID)
	return id
}
