package ingest

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/opticdata/opticdata/internal/identity"
)

// eventBatch is the POST /t/event body produced by the pixel. The session
// block rides along only on the first flush of a page load.
type eventBatch struct {
	Token       string                 `json:"token"`
	AnonymousID string                 `json:"aid"`
	SessionID   string                 `json:"sid"`
	Fingerprint string                 `json:"fp"`
	ClientTS    int64                  `json:"ts"`
	Session     *identity.SessionAttrs `json:"session"`
	Events      []eventPayload         `json:"events"`
}

type eventPayload struct {
	Name         string            `json:"n"`
	URL          string            `json:"u"`
	Title        string            `json:"t"`
	Referrer     string            `json:"r"`
	EventID      string            `json:"eid"`
	TS           int64             `json:"ts"`
	ClickIDs     map[string]string `json:"c"`
	OrderID      flexString        `json:"oid"`
	Revenue      flexFloat         `json:"rev"`
	Currency     string            `json:"cur"`
	ProductIDs   stringList        `json:"pids"`
	ProductNames stringList        `json:"pnames"`
	Quantity     flexInt           `json:"qty"`
	Props        json.RawMessage   `json:"p"`
}

// identifyPayload is the POST /t/identify body.
type identifyPayload struct {
	Token       string `json:"token"`
	AnonymousID string `json:"aid"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	CustomerID  string `json:"cid"`
}

// Merchant sites hand ecommerce values straight from their templates, so
// revenue arrives as 49.9, "49.90", or "$49.90" depending on the theme. The
// flex types absorb that instead of dropping the event.

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*f = 0
		return nil
	}
	s = strings.TrimSpace(strings.TrimLeft(s, "$€£ "))
	s = strings.ReplaceAll(s, ",", "")
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(n)
	return nil
}

type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}
	*f = ""
	return nil
}

// stringList accepts ["a","b"], [1,2], "a" or 3.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err == nil {
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			var v flexString
			if err := v.UnmarshalJSON(r); err == nil && v != "" {
				out = append(out, string(v))
			}
		}
		*l = out
		return nil
	}
	var v flexString
	if err := v.UnmarshalJSON(b); err == nil && v != "" {
		*l = []string{string(v)}
		return nil
	}
	*l = nil
	return nil
}
