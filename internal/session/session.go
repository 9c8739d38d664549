// Package session issues and verifies affiliate dashboard sessions as
// HS256 JWTs.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(NewManager),
)

const issuer = "affiliate"

var (
	ErrDisabled     = errors.New("sessions_disabled")
	ErrInvalidToken = errors.New("invalid_session")
)

// Claims identifies the affiliate behind a session.
type Claims struct {
	AffiliateID snowflake.ID
	Code        string
	SessionID   string
	ExpiresAt   time.Time
}

type tokenClaims struct {
	Code string `json:"code"`
	jwt.RegisteredClaims
}

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock `optional:"true"`
}

type Manager struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewManager(p Params) *Manager {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ttl := p.Cfg.AffiliateSessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{
		secret: []byte(strings.TrimSpace(p.Cfg.AffiliateJWTSecret)),
		ttl:    ttl,
		clock:  clk,
	}
}

func (m *Manager) Enabled() bool {
	return m != nil && len(m.secret) > 0
}

// Issue signs a session for the affiliate.
func (m *Manager) Issue(affiliateID snowflake.ID, code string) (string, Claims, error) {
	if !m.Enabled() {
		return "", Claims{}, ErrDisabled
	}
	now := m.clock.Now()
	claims := Claims{
		AffiliateID: affiliateID,
		Code:        code,
		SessionID:   uuid.NewString(),
		ExpiresAt:   now.Add(m.ttl).Truncate(time.Second),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Code: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   affiliateID.String(),
			ID:        claims.SessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, claims, nil
}

// Parse verifies raw and returns its claims. Every failure collapses to
// ErrInvalidToken.
func (m *Manager) Parse(raw string) (Claims, error) {
	if !m.Enabled() {
		return Claims{}, ErrDisabled
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &tokenClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	affiliateID, err := snowflake.ParseString(claims.Subject)
	if err != nil || affiliateID == 0 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		AffiliateID: affiliateID,
		Code:        claims.Code,
		SessionID:   claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
