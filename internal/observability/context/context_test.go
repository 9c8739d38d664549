package obscontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "  req-1 ")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	unchanged := WithRequestID(context.Background(), " ")
	assert.Equal(t, "", RequestIDFromContext(unchanged))
}

func TestActorDefaultsToEmpty(t *testing.T) {
	actorType, actorID := ActorFromContext(context.Background())
	assert.Empty(t, actorType)
	assert.Empty(t, actorID)

	ctx := WithActor(context.Background(), "operator", "ops-1")
	actorType, actorID = ActorFromContext(ctx)
	assert.Equal(t, "operator", actorType)
	assert.Equal(t, "ops-1", actorID)
}
