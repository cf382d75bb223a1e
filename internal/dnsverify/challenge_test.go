package dnsverify

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	hosts map[string][]string
	txts  map[string][]string
	err   error
}

func (s stubResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hosts[host], nil
}

func (s stubResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.txts[name], nil
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"valid subdomain", "go.shop.example", false},
		{"valid two labels", "shop.example", false},
		{"valid digits and hyphen", "px-1.shop2.example", false},
		{"empty", "", true},
		{"no dot", "localhost", true},
		{"empty label", "go..example", true},
		{"leading hyphen", "-go.example", true},
		{"trailing hyphen", "go-.example", true},
		{"underscore", "go_px.example", true},
		{"label too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDomain(tt.domain)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadDomain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistrableParent(t *testing.T) {
	assert.Equal(t, "shop.example", registrableParent("go.shop.example"))
	assert.Equal(t, "shop.example", registrableParent("shop.example"))
	assert.Equal(t, "b.c.example", registrableParent("a.b.c.example"))
}

func TestGenerate_StoresTokenAndReturnsRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sites")).
		WithArgs("go.shop.example", sqlmock.AnyArg(), "site-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewChallengeService(db, "203.0.113.7")
	ch, err := svc.Generate(context.Background(), "site-1", " Go.Shop.Example ")
	require.NoError(t, err)

	assert.Equal(t, "go.shop.example", ch.Domain)
	assert.Equal(t, Record{Type: "A", Name: "go.shop.example", Value: "203.0.113.7"}, ch.A)
	assert.Equal(t, "_opticdata.shop.example", ch.TXT.Name)
	assert.Regexp(t, `^odt-verify=[0-9a-f]{64}$`, ch.TXT.Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerate_BadDomain(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewChallengeService(db, "203.0.113.7")
	_, err = svc.Generate(context.Background(), "site-1", "nodots")
	assert.ErrorIs(t, err, ErrBadDomain)
}

func TestGenerate_SiteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sites")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	svc := NewChallengeService(db, "203.0.113.7")
	_, err = svc.Generate(context.Background(), "missing", "go.shop.example")
	assert.ErrorIs(t, err, ErrSiteNotFound)
}

func siteRow(domain, token string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"custom_domain", "dns_challenge_token"}).AddRow(domain, token)
}

func TestVerify_BothRecordsMatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT custom_domain, dns_challenge_token FROM sites")).
		WithArgs("site-1").
		WillReturnRows(siteRow("go.shop.example", "deadbeef"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sites SET dns_verified = true")).
		WithArgs(sqlmock.AnyArg(), "site-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewChallengeService(db, "203.0.113.7")
	svc.SetResolver(stubResolver{
		hosts: map[string][]string{"go.shop.example": {"198.51.100.1", "203.0.113.7"}},
		txts:  map[string][]string{"_opticdata.shop.example": {"odt-verify=deadbeef"}},
	})

	res, err := svc.Verify(context.Background(), "site-1")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	require.Len(t, res.Checks, 2)
	assert.True(t, res.Checks[0].OK)
	assert.True(t, res.Checks[1].OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_TXTMismatchDoesNotMutate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT custom_domain, dns_challenge_token FROM sites")).
		WithArgs("site-1").
		WillReturnRows(siteRow("go.shop.example", "deadbeef"))
	// No UPDATE expected: failure must not change state.

	svc := NewChallengeService(db, "203.0.113.7")
	svc.SetResolver(stubResolver{
		hosts: map[string][]string{"go.shop.example": {"203.0.113.7"}},
		txts:  map[string][]string{"_opticdata.shop.example": {"odt-verify=wrong"}},
	})

	res, err := svc.Verify(context.Background(), "site-1")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.True(t, res.Checks[0].OK)
	assert.False(t, res.Checks[1].OK)
	assert.Equal(t, "record_mismatch", res.Checks[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerify_LookupFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT custom_domain, dns_challenge_token FROM sites")).
		WithArgs("site-1").
		WillReturnRows(siteRow("go.shop.example", "deadbeef"))

	svc := NewChallengeService(db, "203.0.113.7")
	svc.SetResolver(stubResolver{err: errors.New("servfail")})

	res, err := svc.Verify(context.Background(), "site-1")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, "lookup_failed", res.Checks[0].Error)
	assert.Equal(t, "lookup_failed", res.Checks[1].Error)
}

func TestVerify_NoChallenge(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT custom_domain, dns_challenge_token FROM sites")).
		WithArgs("site-1").
		WillReturnRows(siteRow("", ""))

	svc := NewChallengeService(db, "203.0.113.7")
	_, err = svc.Verify(context.Background(), "site-1")
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestGenerateChallengeToken(t *testing.T) {
	tok1, err := generateChallengeToken()
	require.NoError(t, err)
	assert.Len(t, tok1, 64) // 32 bytes hex

	tok2, err := generateChallengeToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)
}
