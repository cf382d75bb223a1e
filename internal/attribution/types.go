package attribution

import (
	"time"

	"github.com/google/uuid"
)

// Credit models.
const (
	ModelFirstClick    = "first_click"
	ModelLastClick     = "last_click"
	ModelLinear        = "linear"
	ModelTimeDecay     = "time_decay"
	ModelPositionBased = "position_based"
)

// AllModels in canonical order.
var AllModels = []string{ModelFirstClick, ModelLastClick, ModelLinear, ModelTimeDecay, ModelPositionBased}

// ValidModel reports whether s names a supported credit model.
func ValidModel(s string) bool {
	for _, m := range AllModels {
		if s == m {
			return true
		}
	}
	return false
}

// Settings is a tenant's attribution configuration. AccountingMode is
// advisory: it labels how the tenant reads credited revenue (cash vs accrual
// style) and never changes the computation.
type Settings struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	DefaultModel   string    `json:"default_model"`
	LookbackDays   int       `json:"lookback_days"`
	HalfLifeDays   int       `json:"half_life_days"`
	AccountingMode string    `json:"accounting_mode"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Conversion is one Purchase pulled from the events table for crediting.
// IsNew carries the stored classification; an unset value means the event
// predates the classifier and the engine classifies it during the run.
type Conversion struct {
	EventID    uuid.UUID
	VisitorID  uuid.UUID
	OrderID    string
	Revenue    float64
	OccurredAt time.Time
	IsNew      *bool
	Email      string
}

// TouchRef is the slice of a touchpoint the credit models need.
type TouchRef struct {
	ID        uuid.UUID
	VisitorID uuid.UUID
	TouchedAt time.Time
}

// Result is one credit assignment: (touchpoint, order, model) is unique.
// VisitorID, IsNewCustomer, and LookbackDays are denormalised onto the row so
// the summary cube can group on them without re-joining events.
type Result struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	VisitorID     uuid.UUID `json:"visitor_id"`
	TouchpointID  uuid.UUID `json:"touchpoint_id"`
	OrderID       string    `json:"order_id"`
	Model         string    `json:"model"`
	Credit        float64   `json:"credit"`
	Revenue       float64   `json:"revenue"`
	IsNewCustomer bool      `json:"is_new_customer"`
	LookbackDays  int       `json:"lookback_days"`
	ComputedAt    time.Time `json:"computed_at"`
}

// RunStats summarises one engine run.
type RunStats struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	Model       string    `json:"model"`
	Lookback    int       `json:"lookback_days"`
	Conversions int       `json:"conversions"`
	Credited    int       `json:"credited"`
	Skipped     int       `json:"skipped"` // conversions with no touchpoint in window
	Results     int       `json:"results"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}
