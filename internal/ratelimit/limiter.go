package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/affiliate/internal/config"
)

const (
	keyLoginAttempts = "affiliate:login:%s"
	keyPayoutLock    = "affiliate:payout:lock:%s"
)

// Limiter guards affiliate logins and serialises payout requests per
// affiliate. A nil or disabled Limiter allows everything.
type Limiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	loginRate     float64
	loginBurst    int
	payoutLockTTL time.Duration
}

func NewLimiter(cfg config.Config, client *redis.Client) *Limiter {
	if client == nil {
		return &Limiter{}
	}
	limitCfg := cfg.RateLimit
	ttl := limitCfg.PayoutLockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Limiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		locker:        NewLocker(client),
		loginRate:     limitCfg.LoginRate,
		loginBurst:    limitCfg.LoginBurst,
		payoutLockTTL: ttl,
	}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowLogin spends one token from the bucket keyed by the login identity.
func (l *Limiter) AllowLogin(ctx context.Context, identity string) (*RateLimitResult, error) {
	if !l.Enabled() || l.loginRate <= 0 || l.loginBurst <= 0 {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyLoginAttempts, strings.ToLower(strings.TrimSpace(identity)))
	return l.bucket.Allow(ctx, key, l.loginRate, l.loginBurst)
}

// TryLockPayout returns ok=true with an empty token when locking is disabled.
func (l *Limiter) TryLockPayout(ctx context.Context, affiliateID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyPayoutLock, strings.TrimSpace(affiliateID)), l.payoutLockTTL)
}

func (l *Limiter) ReleasePayout(ctx context.Context, affiliateID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyPayoutLock, strings.TrimSpace(affiliateID)), token)
}
