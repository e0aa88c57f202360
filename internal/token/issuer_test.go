package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestIssuer(c *clock) *Issuer {
	return NewIssuer("access-secret", "refresh-secret", 30*time.Minute, 7*24*time.Hour, WithClock(c.Now))
}

func TestAccessTokenLifetime(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	iss := newTestIssuer(c)

	tok, err := iss.IssueAccess(42)
	require.NoError(t, err)
	assert.Equal(t, c.t.Add(30*time.Minute), tok.ExpiresAt)

	c.t = c.t.Add(29 * time.Minute)
	claims, err := iss.VerifyAccess(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), claims.UserID)
	assert.NotEmpty(t, claims.ID)

	c.t = c.t.Add(2 * time.Minute)
	_, err = iss.VerifyAccess(tok.Raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshTokenLifetime(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := &clock{t: start}
	iss := newTestIssuer(c)

	tok, err := iss.IssueRefresh(7)
	require.NoError(t, err)

	c.t = start.Add(7*24*time.Hour - time.Minute)
	claims, err := iss.VerifyRefresh(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), claims.UserID)
	assert.Equal(t, start, claims.IssuedAt.UTC())

	c.t = start.Add(7*24*time.Hour + time.Minute)
	_, err = iss.VerifyRefresh(tok.Raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	c := &clock{t: time.Now()}
	iss := newTestIssuer(c)
	refresh, err := iss.IssueRefresh(1)
	require.NoError(t, err)
	access, err := iss.IssueAccess(1)
	require.NoError(t, err)

	_, err = iss.VerifyAccess(refresh.Raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = iss.VerifyRefresh(access.Raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// Same secret for both kinds: typ still separates them.
	shared := NewIssuer("s", "s", time.Minute, time.Hour, WithClock(c.Now))
	r, err := shared.IssueRefresh(1)
	require.NoError(t, err)
	_, err = shared.VerifyAccess(r.Raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTamperedToken(t *testing.T) {
	iss := newTestIssuer(&clock{t: time.Now()})
	tok, err := iss.IssueAccess(1)
	require.NoError(t, err)

	other := NewIssuer("other", "other-refresh", time.Minute, time.Hour)
	_, err = other.VerifyAccess(tok.Raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = iss.VerifyAccess("not.a.jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestInspectAcceptsExpiredGenuineTokens(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	iss := newTestIssuer(c)
	access, err := iss.IssueAccess(9)
	require.NoError(t, err)
	refresh, err := iss.IssueRefresh(9)
	require.NoError(t, err)

	c.t = c.t.Add(30 * 24 * time.Hour)
	claims, err := iss.Inspect(access.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), claims.UserID)
	assert.Equal(t, access.ExpiresAt, claims.ExpiresAt.UTC())

	claims, err = iss.Inspect(refresh.Raw)
	require.NoError(t, err)
	assert.Equal(t, refresh.ExpiresAt, claims.ExpiresAt.UTC())

	_, err = iss.Inspect("garbage")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestInspectRejectsForeignSignature(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	iss := newTestIssuer(c)
	forger := NewIssuer("attacker-key", "attacker-key", 30*time.Minute, 100*365*24*time.Hour, WithClock(c.Now))

	forged, err := forger.IssueAccess(1)
	require.NoError(t, err)
	_, err = iss.Inspect(forged.Raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	forged, err = forger.IssueRefresh(1)
	require.NoError(t, err)
	_, err = iss.Inspect(forged.Raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
