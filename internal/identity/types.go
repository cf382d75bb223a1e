package identity

import (
	"time"

	"github.com/google/uuid"
)

// Identifiers is everything the tracking endpoint knows about the person
// behind a hit. AnonymousID is always present (cookie); the rest arrive via
// identify calls or purchase payloads.
type Identifiers struct {
	AnonymousID string
	Email       string
	Phone       string
	CustomerID  string
	Fingerprint string
}

// HasIdentifying reports whether any merge-grade identifier is present.
// Fingerprints are lookup-only: they never trigger a merge.
func (i Identifiers) HasIdentifying() bool {
	return i.Email != "" || i.Phone != "" || i.CustomerID != ""
}

// Visitor is one device/cookie identity. Merged rows keep their data but
// point at the canonical row via CanonicalID; the effective visitor id for
// joins is COALESCE(canonical_id, id).
type Visitor struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	SiteID         uuid.UUID  `json:"site_id"`
	AnonymousID    string     `json:"anonymous_id"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	CustomerID     string     `json:"customer_id,omitempty"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
	CanonicalID    *uuid.UUID `json:"canonical_id,omitempty"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	TotalSessions  int64      `json:"total_sessions"`
	TotalEvents    int64      `json:"total_events"`
	TotalRevenue   float64    `json:"total_revenue"`
	FirstOrderDate *time.Time `json:"first_order_date,omitempty"`
	MergedAt       *time.Time `json:"merged_at,omitempty"`
}

// Effective returns the canonical visitor id for this row.
func (v *Visitor) Effective() uuid.UUID {
	if v.CanonicalID != nil {
		return *v.CanonicalID
	}
	return v.ID
}

// SessionAttrs are the first-touch attributes captured when a session opens.
// Field names mirror the wire payload (§ pixel contract): they are set once
// and never overwritten for the life of the session.
type SessionAttrs struct {
	Referrer    string `json:"ref"`
	LandingPage string `json:"lp"`
	UTMSource   string `json:"us"`
	UTMMedium   string `json:"um"`
	UTMCampaign string `json:"uc"`
	UTMContent  string `json:"uo"`
	UTMTerm     string `json:"ut"`
	FBCLID      string `json:"fbc"`
	GCLID       string `json:"gc"`
	TTCLID      string `json:"ttc"`
	SCLID       string `json:"sc"`
	MSCLKID     string `json:"msc"`
	Device      string `json:"dt"`
	Browser     string `json:"br"`
	OS          string `json:"os"`
	ScreenW     int    `json:"sw"`
	ScreenH     int    `json:"sh"`
	Timezone    string `json:"tz"`
	Language    string `json:"ln"`
	IP          string `json:"-"`
	UserAgent   string `json:"-"`
}

// ClickID returns the first click identifier present, with the platform it
// implies, or ("", "") when the session carried none.
func (a SessionAttrs) ClickID() (id, platform string) {
	switch {
	case a.FBCLID != "":
		return a.FBCLID, PlatformMeta
	case a.GCLID != "":
		return a.GCLID, PlatformGoogle
	case a.TTCLID != "":
		return a.TTCLID, PlatformTikTok
	case a.SCLID != "":
		return a.SCLID, PlatformSnapchat
	case a.MSCLKID != "":
		return a.MSCLKID, PlatformBing
	}
	return "", ""
}

// Event is one tracked browser event. EventID, when supplied by the client,
// is the idempotency key: re-posting the same EventID is a no-op.
type Event struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	SiteID        uuid.UUID  `json:"site_id"`
	VisitorID     uuid.UUID  `json:"visitor_id"`
	SessionID     string     `json:"session_id"`
	EventName     string     `json:"event_name"`
	EventCategory string     `json:"event_category,omitempty"`
	PageURL       string     `json:"page_url,omitempty"`
	PageTitle     string     `json:"page_title,omitempty"`
	PageReferrer  string     `json:"page_referrer,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	Revenue       float64    `json:"revenue,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	ProductIDs    []string   `json:"product_ids,omitempty"`
	ProductNames  []string   `json:"product_names,omitempty"`
	Quantity      int        `json:"quantity,omitempty"`
	ClickIDs      []string   `json:"click_ids,omitempty"`
	Properties    []byte     `json:"properties,omitempty"` // opaque JSON
	EventID       string     `json:"event_id,omitempty"`
	ClientTS      *time.Time `json:"client_ts,omitempty"`
	IsNewCustomer *bool      `json:"is_new_customer,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsPurchase reports whether this event carries a conversion.
func (e *Event) IsPurchase() bool {
	return e.EventName == "Purchase" && e.OrderID != ""
}

// Touchpoint is a recorded ad-click or UTM-tagged arrival — the unit of
// attribution credit. Direct/organic hits are never touchpoints.
type Touchpoint struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	VisitorID   uuid.UUID `json:"visitor_id"`
	SessionID   string    `json:"session_id"`
	Platform    string    `json:"platform"`
	ClickID     string    `json:"click_id,omitempty"`
	UTMSource   string    `json:"utm_source,omitempty"`
	UTMMedium   string    `json:"utm_medium,omitempty"`
	UTMCampaign string    `json:"utm_campaign,omitempty"`
	UTMContent  string    `json:"utm_content,omitempty"`
	UTMTerm     string    `json:"utm_term,omitempty"`
	TouchedAt   time.Time `json:"touched_at"`
	Converted   bool      `json:"converted"`
	OrderID     string    `json:"order_id,omitempty"`
	Revenue     float64   `json:"revenue,omitempty"`
}

// Merge reasons, ordered by identifier priority.
const (
	MergeReasonEmail      = "email_match"
	MergeReasonPhone      = "phone_match"
	MergeReasonCustomerID = "customer_id_match"
	MergeReasonIdentifier = "identifier_match"
)

// IdentityMerge is an append-only audit row recording that source was folded
// into target.
type IdentityMerge struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	SourceVisitor uuid.UUID `json:"source_visitor"`
	TargetVisitor uuid.UUID `json:"target_visitor"`
	MergeReason   string    `json:"merge_reason"`
	MergedAt      time.Time `json:"merged_at"`
}
