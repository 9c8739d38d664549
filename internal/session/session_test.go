package session

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(secret string, clk clock.Clock) *Manager {
	return NewManager(Params{
		Cfg:   config.Config{AffiliateJWTSecret: secret, AffiliateSessionTTL: time.Hour},
		Clock: clk,
	})
}

func TestIssueAndParse(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := newManager("s3cret", clk)

	token, issued, err := m.Issue(snowflake.ID(42), "X123")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.SessionID)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), claims.AffiliateID)
	assert.Equal(t, "X123", claims.Code)
	assert.Equal(t, issued.SessionID, claims.SessionID)
	assert.True(t, claims.ExpiresAt.Equal(issued.ExpiresAt))

	clk.Advance(2 * time.Hour)
	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsForeignTokens(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := newManager("s3cret", clk)

	other, _, err := newManager("other", clk).Issue(snowflake.ID(42), "X123")
	require.NoError(t, err)
	_, err = m.Parse(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "42", Issuer: issuer})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledWithoutSecret(t *testing.T) {
	m := newManager("", nil)
	assert.False(t, m.Enabled())
	_, _, err := m.Issue(snowflake.ID(1), "X")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = m.Parse("x")
	assert.ErrorIs(t, err, ErrDisabled)
}
