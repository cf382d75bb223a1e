package dnsverify

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// Error kinds returned by the challenge service. None of them are fatal to
// ingestion; an unverified domain simply keeps serving from the platform host.
var (
	ErrBadDomain    = fmt.Errorf("invalid domain")
	ErrNoChallenge  = fmt.Errorf("no pending challenge for site")
	ErrSiteNotFound = fmt.Errorf("site not found")
)

// Resolver abstracts DNS lookups so tests can stub them.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type netResolver struct{ r *net.Resolver }

func (n netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return n.r.LookupHost(ctx, host)
}

func (n netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return n.r.LookupTXT(ctx, name)
}

// ChallengeService issues and verifies DNS challenges that let a tenant point
// a custom domain at the pixel server so the tag runs first-party.
type ChallengeService struct {
	db       *sql.DB
	serverIP string
	resolver Resolver
}

// NewChallengeService creates a ChallengeService. serverIP is the public IP
// the customer's A record must point at.
func NewChallengeService(db *sql.DB, serverIP string) *ChallengeService {
	return &ChallengeService{
		db:       db,
		serverIP: serverIP,
		resolver: netResolver{r: net.DefaultResolver},
	}
}

// SetResolver replaces the DNS resolver (used by tests).
func (s *ChallengeService) SetResolver(r Resolver) { s.resolver = r }

// Record is one DNS instruction shown to the tenant.
type Record struct {
	Type  string `json:"type"`  // A, TXT
	Name  string `json:"name"`  // full record name
	Value string `json:"value"` // expected value
}

// Challenge is the pair of records a tenant must create.
type Challenge struct {
	Domain string `json:"domain"`
	A      Record `json:"a_record"`
	TXT    Record `json:"txt_record"`
}

// RecordCheck is the outcome of verifying one DNS record.
type RecordCheck struct {
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Expected string   `json:"expected"`
	Found    []string `json:"found"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"` // lookup_failed, record_mismatch
}

// VerifyResult reports a verification attempt. Verification never mutates
// state on failure and is safe to retry.
type VerifyResult struct {
	Verified bool          `json:"verified"`
	Checks   []RecordCheck `json:"checks"`
}

// Generate validates the domain, issues a fresh 256-bit challenge token,
// stores it on the site and returns the records the tenant must create.
// Calling it again replaces any previous challenge.
func (s *ChallengeService) Generate(ctx context.Context, siteID, domain string) (*Challenge, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if err := validateDomain(domain); err != nil {
		return nil, err
	}

	token, err := generateChallengeToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge token: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sites
		SET custom_domain = $1, dns_challenge_token = $2, dns_verified = false, dns_verified_at = NULL, updated_at = NOW()
		WHERE id = $3
	`, domain, token, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrSiteNotFound
	}

	return &Challenge{
		Domain: domain,
		A:      Record{Type: "A", Name: domain, Value: s.serverIP},
		TXT: Record{
			Type:  "TXT",
			Name:  txtChallengeName(domain),
			Value: txtChallengeValue(token),
		},
	}, nil
}

// Verify resolves both challenge records and, when both match, marks the
// site verified. Idempotent: re-verifying an already-verified site just
// re-runs the checks.
func (s *ChallengeService) Verify(ctx context.Context, siteID string) (*VerifyResult, error) {
	var domain, token sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT custom_domain, dns_challenge_token FROM sites WHERE id = $1
	`, siteID).Scan(&domain, &token)
	if err == sql.ErrNoRows {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load site: %w", err)
	}
	if !domain.Valid || domain.String == "" || !token.Valid || token.String == "" {
		return nil, ErrNoChallenge
	}

	result := &VerifyResult{}
	result.Checks = append(result.Checks, s.checkA(ctx, domain.String))
	result.Checks = append(result.Checks, s.checkTXT(ctx, domain.String, token.String))

	result.Verified = true
	for _, c := range result.Checks {
		if !c.OK {
			result.Verified = false
		}
	}
	if !result.Verified {
		return result, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sites SET dns_verified = true, dns_verified_at = $1, updated_at = NOW() WHERE id = $2
	`, time.Now().UTC(), siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark site verified: %w", err)
	}
	return result, nil
}

func (s *ChallengeService) checkA(ctx context.Context, domain string) RecordCheck {
	check := RecordCheck{Type: "A", Name: domain, Expected: s.serverIP}
	addrs, err := s.resolver.LookupHost(ctx, domain)
	if err != nil {
		check.Error = "lookup_failed"
		return check
	}
	check.Found = addrs
	for _, a := range addrs {
		if a == s.serverIP {
			check.OK = true
			return check
		}
	}
	check.Error = "record_mismatch"
	return check
}

func (s *ChallengeService) checkTXT(ctx context.Context, domain, token string) RecordCheck {
	name := txtChallengeName(domain)
	expected := txtChallengeValue(token)
	check := RecordCheck{Type: "TXT", Name: name, Expected: expected}
	records, err := s.resolver.LookupTXT(ctx, name)
	if err != nil {
		check.Error = "lookup_failed"
		return check
	}
	check.Found = records
	for _, r := range records {
		if r == expected {
			check.OK = true
			return check
		}
	}
	check.Error = "record_mismatch"
	return check
}

// txtChallengeName places the TXT record under the registrable parent so the
// tenant can delegate e.g. "go.shop.example" without control over the exact
// subdomain.
func txtChallengeName(domain string) string {
	return "_opticdata." + registrableParent(domain)
}

func txtChallengeValue(token string) string {
	return "odt-verify=" + token
}

// registrableParent strips the leftmost label when the domain has three or
// more labels; a bare "shop.example" is its own parent.
func registrableParent(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) >= 3 {
		return strings.Join(labels[1:], ".")
	}
	return domain
}

func validateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("%w: empty", ErrBadDomain)
	}
	if len(domain) > 253 {
		return fmt.Errorf("%w: name too long", ErrBadDomain)
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: must contain at least one dot", ErrBadDomain)
	}
	for _, label := range labels {
		if len(label) == 0 {
			return fmt.Errorf("%w: empty label", ErrBadDomain)
		}
		if len(label) > 63 {
			return fmt.Errorf("%w: label too long (max 63)", ErrBadDomain)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("%w: label cannot start or end with hyphen", ErrBadDomain)
		}
		for _, c := range label {
			if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
				return fmt.Errorf("%w: invalid character %q", ErrBadDomain, c)
			}
		}
	}
	return nil
}

// generateChallengeToken returns 32 bytes of cryptographic random as hex.
func generateChallengeToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
