package auditcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), "operator", "ops-1")
	actorType, actorID := ActorFromContext(ctx)
	assert.Equal(t, "operator", actorType)
	assert.Equal(t, "ops-1", actorID)
}

func TestBlankValuesAreIgnored(t *testing.T) {
	ctx := WithPaymentRef(context.Background(), "P1")
	ctx = WithPaymentRef(ctx, "  ")
	assert.Equal(t, "P1", PaymentRefFromContext(ctx))
	assert.Empty(t, IPAddressFromContext(ctx))
}
