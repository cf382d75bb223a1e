package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opticdata/opticdata/internal/dnsverify"
)

type domainPayload struct {
	Domain string `json:"domain"`
}

// SetCustomDomain starts the first-party domain flow: it stores the domain
// and returns the A and TXT records the tenant must create.
func (s *Server) SetCustomDomain(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	if _, err := s.loadSite(r.Context(), tenantID, siteID); err != nil {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}

	var p domainPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	challenge, err := s.challenge.Generate(r.Context(), siteID.String(), p.Domain)
	switch {
	case errors.Is(err, dnsverify.ErrBadDomain):
		respondError(w, http.StatusBadRequest, "invalid domain")
		return
	case errors.Is(err, dnsverify.ErrSiteNotFound):
		respondError(w, http.StatusNotFound, "site not found")
		return
	case err != nil:
		respondSafeError(w, http.StatusInternalServerError, err, "failed to create DNS challenge")
		return
	}
	s.invalidateSite(r.Context(), tenantID, siteID)
	respondJSON(w, http.StatusOK, challenge)
}

// VerifyCustomDomain checks the DNS records and flips dns_verified when both
// match. Verification failures report per-record detail and change nothing.
func (s *Server) VerifyCustomDomain(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	if _, err := s.loadSite(r.Context(), tenantID, siteID); err != nil {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}

	result, err := s.challenge.Verify(r.Context(), siteID.String())
	switch {
	case errors.Is(err, dnsverify.ErrNoChallenge):
		respondError(w, http.StatusConflict, "no pending DNS challenge for this site")
		return
	case errors.Is(err, dnsverify.ErrSiteNotFound):
		respondError(w, http.StatusNotFound, "site not found")
		return
	case err != nil:
		respondSafeError(w, http.StatusInternalServerError, err, "verification failed")
		return
	}
	if result.Verified {
		s.invalidateSite(r.Context(), tenantID, siteID)
	}
	respondJSON(w, http.StatusOK, result)
}

// GetDomainStatus reports the custom-domain state for the dashboard.
func (s *Server) GetDomainStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	site, err := s.loadSite(r.Context(), tenantID, siteID)
	if err == sql.ErrNoRows {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to load site")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"custom_domain":   site.CustomDomain,
		"dns_verified":    site.DNSVerified,
		"dns_verified_at": site.DNSVerifiedAt,
		"cdn_status":      site.CDNStatus,
		"cdn_domain":      site.CDNDomain,
	})
}

// ProvisionCDN requests a certificate and returns the ACM validation record.
// Returns 501 when the deployment runs without AWS credentials.
func (s *Server) ProvisionCDN(w http.ResponseWriter, r *http.Request) {
	if s.cdn == nil {
		respondError(w, http.StatusNotImplemented, "CDN provisioning is not enabled")
		return
	}
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	site, err := s.loadSite(r.Context(), tenantID, siteID)
	if err != nil {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}
	if site.CustomDomain == "" || !site.DNSVerified {
		respondError(w, http.StatusConflict, "custom domain must be verified first")
		return
	}

	record, err := s.cdn.Provision(r.Context(), siteID.String(), site.CustomDomain)
	if err != nil {
		respondSafeError(w, http.StatusBadGateway, err, "certificate request failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "validating",
		"validation_record": record,
	})
}

// PollCDN advances the certificate/distribution state machine one step.
func (s *Server) PollCDN(w http.ResponseWriter, r *http.Request) {
	if s.cdn == nil {
		respondError(w, http.StatusNotImplemented, "CDN provisioning is not enabled")
		return
	}
	tenantID := tenantFromContext(r.Context())
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	if _, err := s.loadSite(r.Context(), tenantID, siteID); err != nil {
		respondError(w, http.StatusNotFound, "site not found")
		return
	}

	status, err := s.cdn.FinishProvision(r.Context(), siteID.String())
	if err != nil {
		respondSafeError(w, http.StatusBadGateway, err, "CDN status check failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}
