package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opticdata/opticdata/internal/identity"
	"github.com/opticdata/opticdata/internal/pixel"
	"github.com/opticdata/opticdata/internal/pkg/logger"
)

// transparent 1x1 GIF89a
var pingGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

const maxBodyBytes = 1 << 20

// Handler serves the public tracking surface. Everything here is reachable
// from arbitrary merchant pages, so responses always carry a wildcard CORS
// header. An unknown token is a 404 and a body that is not a batch at all is
// a 400; failures of individual events inside a valid batch are logged and
// absorbed so one broken event cannot sink the rest.
type Handler struct {
	sites        *SiteCache
	graph        *identity.Graph
	gen          *pixel.Generator
	scriptMaxAge int
}

func NewHandler(sites *SiteCache, graph *identity.Graph, gen *pixel.Generator, scriptMaxAge int) *Handler {
	if scriptMaxAge <= 0 {
		scriptMaxAge = 300
	}
	return &Handler{sites: sites, graph: graph, gen: gen, scriptMaxAge: scriptMaxAge}
}

// Routes returns the router for the public /t namespace.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(publicCORS)
	r.Get("/pixel.js", h.handleScript)
	r.Post("/event", h.handleEvent)
	r.Post("/identify", h.handleIdentify)
	r.Get("/ping.gif", h.handlePing)
	return r
}

func publicCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleScript(w http.ResponseWriter, r *http.Request) {
	site, err := h.resolveSite(r.Context(), queryToken(r), r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	// Serving from the tenant's verified custom domain makes the pixel
	// first-party: the script points its event calls back at that host.
	customDomain := ""
	if host := sanitizeHost(r.Host); host != "" && host == site.CustomDomain && site.DNSVerified {
		customDomain = host
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(h.scriptMaxAge))
	io.WriteString(w, h.gen.Generate(site.Token, customDomain))
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeTrackingError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	// sendBeacon posts text/plain; the body is JSON regardless of the header.
	var batch eventBatch
	if err := json.Unmarshal(body, &batch); err != nil || batch.AnonymousID == "" {
		writeTrackingError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	site, err := h.resolveSite(ctx, batch.Token, r)
	if err != nil {
		writeTrackingError(w, http.StatusNotFound, "unknown site")
		return
	}

	visitorID, err := h.graph.ResolveVisitor(ctx, site.TenantID, site.ID, identity.Identifiers{
		AnonymousID: batch.AnonymousID,
		Fingerprint: batch.Fingerprint,
	})
	if err != nil {
		logger.Error("visitor resolution failed", "site_id", site.ID, "error", err)
		writeTrackingError(w, http.StatusInternalServerError, "resolution failed")
		return
	}

	if batch.Session != nil && batch.SessionID != "" {
		attrs := *batch.Session
		attrs.IP = clientIP(r)
		attrs.UserAgent = r.UserAgent()
		if err := h.graph.UpsertSession(ctx, site.TenantID, site.ID, visitorID, batch.SessionID, attrs); err != nil {
			logger.Warn("session upsert failed", "site_id", site.ID, "error", err)
		}
		if _, err := h.graph.RecordTouchpoint(ctx, site.TenantID, visitorID, batch.SessionID, attrs); err != nil {
			logger.Warn("touchpoint record failed", "site_id", site.ID, "error", err)
		}
	}

	// One bad event must not sink the rest of the batch.
	accepted := 0
	for i := range batch.Events {
		ev := h.toEvent(site, visitorID, batch.SessionID, &batch.Events[i])
		if ev.EventName == "" {
			continue
		}
		if _, err := h.graph.RecordEvent(ctx, ev); err != nil {
			logger.Warn("event record failed", "site_id", site.ID,
				"event_name", ev.EventName, "error", err)
			continue
		}
		accepted++
	}
	writeTrackingResponse(w, true, accepted)
}

func (h *Handler) toEvent(site *Site, visitorID uuid.UUID, sessionID string, p *eventPayload) *identity.Event {
	ev := &identity.Event{
		TenantID:     site.TenantID,
		SiteID:       site.ID,
		VisitorID:    visitorID,
		SessionID:    sessionID,
		EventName:    strings.TrimSpace(p.Name),
		PageURL:      p.URL,
		PageTitle:    p.Title,
		PageReferrer: p.Referrer,
		OrderID:      string(p.OrderID),
		Revenue:      float64(p.Revenue),
		Currency:     strings.ToUpper(strings.TrimSpace(p.Currency)),
		ProductIDs:   p.ProductIDs,
		ProductNames: p.ProductNames,
		Quantity:     int(p.Quantity),
		Properties:   p.Props,
		EventID:      p.EventID,
	}
	for _, v := range p.ClickIDs {
		if v != "" {
			ev.ClickIDs = append(ev.ClickIDs, v)
		}
	}
	if p.TS > 0 {
		ts := time.UnixMilli(p.TS).UTC()
		ev.ClientTS = &ts
	}
	return ev
}

func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeTrackingError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	var p identifyPayload
	if err := json.Unmarshal(body, &p); err != nil || p.AnonymousID == "" {
		writeTrackingError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p.Email == "" && p.Phone == "" && p.CustomerID == "" {
		writeTrackingError(w, http.StatusBadRequest, "at least one of email, phone, cid is required")
		return
	}
	site, err := h.resolveSite(ctx, p.Token, r)
	if err != nil {
		writeTrackingError(w, http.StatusNotFound, "unknown site")
		return
	}
	_, err = h.graph.ResolveVisitor(ctx, site.TenantID, site.ID, identity.Identifiers{
		AnonymousID: p.AnonymousID,
		Email:       strings.TrimSpace(strings.ToLower(p.Email)),
		Phone:       strings.TrimSpace(p.Phone),
		CustomerID:  strings.TrimSpace(p.CustomerID),
	})
	if err != nil {
		logger.Error("identify failed", "site_id", site.ID, "error", err)
		writeTrackingError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	writeTrackingResponse(w, true, 0)
}

// handlePing is the noscript fallback: pages without JavaScript embed the GIF
// with the token in its URL, and each load counts as one PageView. Browsers
// send no anonymous-id cookie here, so the visitor key is derived from the
// client address and user agent.
func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, err := h.resolveSite(ctx, queryToken(r), r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	aid := r.URL.Query().Get("aid")
	if aid == "" {
		aid = noscriptAnonymousID(clientIP(r), r.UserAgent())
	}
	visitorID, err := h.graph.ResolveVisitor(ctx, site.TenantID, site.ID, identity.Identifiers{
		AnonymousID: aid,
	})
	if err != nil {
		logger.Warn("ping visitor resolution failed", "site_id", site.ID, "error", err)
	} else {
		ev := &identity.Event{
			TenantID:  site.TenantID,
			SiteID:    site.ID,
			VisitorID: visitorID,
			EventName: "PageView",
			PageURL:   r.Referer(),
		}
		if _, err := h.graph.RecordEvent(ctx, ev); err != nil {
			logger.Warn("ping event record failed", "site_id", site.ID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(pingGIF)
}

// noscriptAnonymousID is a stable stand-in for the cookie id, so repeated
// loads from one browser do not fan out into fresh visitors.
func noscriptAnonymousID(ip, userAgent string) string {
	h := fnv.New64a()
	io.WriteString(h, ip)
	io.WriteString(h, "\x00")
	io.WriteString(h, userAgent)
	return fmt.Sprintf("ns-%016x", h.Sum64())
}

// queryToken accepts the documented token parameter and the short form the
// generated script uses.
func queryToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.URL.Query().Get("t")
}

// resolveSite prefers the explicit token; a missing token falls back to the
// serving host, which is how first-party custom domains identify themselves.
func (h *Handler) resolveSite(ctx context.Context, token string, r *http.Request) (*Site, error) {
	if token != "" {
		return h.sites.ByToken(ctx, token)
	}
	host := sanitizeHost(r.Host)
	if host == "" {
		return nil, ErrUnknownSite
	}
	return h.sites.ByHost(ctx, host)
}

func writeTrackingResponse(w http.ResponseWriter, ok bool, accepted int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": ok, "accepted": accepted})
}

func writeTrackingError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": msg})
}

// sanitizeHost lowercases the Host header, strips any port, and rejects
// values with characters that cannot appear in a hostname. Host headers are
// attacker-controlled and end up in SQL lookups and cache keys.
func sanitizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || len(host) > 253 {
		return ""
	}
	for _, c := range host {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-':
		default:
			return ""
		}
	}
	return host
}

func clientIP(r *http.Request) string {
	// Left-most XFF hop is the client as seen by the first trusted proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
