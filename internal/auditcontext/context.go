package auditcontext

import (
	"context"
	"strings"
)

type contextKey string

const (
	actorTypeKey  contextKey = "audit_actor_type"
	actorIDKey    contextKey = "audit_actor_id"
	requestIDKey  contextKey = "audit_request_id"
	ipAddressKey  contextKey = "audit_ip_address"
	userAgentKey  contextKey = "audit_user_agent"
	paymentRefKey contextKey = "audit_payment_ref"
)

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey)
}

func WithIPAddress(ctx context.Context, ip string) context.Context {
	return withString(ctx, ipAddressKey, ip)
}

func IPAddressFromContext(ctx context.Context) string {
	return stringFrom(ctx, ipAddressKey)
}

func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return withString(ctx, userAgentKey, userAgent)
}

func UserAgentFromContext(ctx context.Context) string {
	return stringFrom(ctx, userAgentKey)
}

// WithPaymentRef tags audit entries written while handling a checkout event.
func WithPaymentRef(ctx context.Context, paymentRef string) context.Context {
	return withString(ctx, paymentRefKey, paymentRef)
}

func PaymentRefFromContext(ctx context.Context) string {
	return stringFrom(ctx, paymentRefKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
