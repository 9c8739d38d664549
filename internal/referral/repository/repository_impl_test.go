package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/affiliate/internal/referral/domain"
	"github.com/smallbiznis/affiliate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReferral(t *testing.T, paymentRef string) *domain.Referral {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Referral{
		PaymentRef:       paymentRef,
		SaleAmount:       2990,
		Currency:         "BRL",
		CommissionRate:   decimal.RequireFromString("40"),
		CommissionAmount: 1196,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestInsertIfAbsentKeepsFirstRow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	node := testutil.NewNode(t)
	affiliateID := testutil.SeedAffiliate(t, db, node, "X123", "approved")
	repo := Provide()
	ctx := context.Background()

	first := newReferral(t, "P1")
	first.ID = node.Generate()
	first.AffiliateID = affiliateID
	inserted, err := repo.InsertIfAbsent(ctx, db, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := newReferral(t, "P1")
	second.ID = node.Generate()
	second.AffiliateID = affiliateID
	second.CommissionAmount = 1
	inserted, err = repo.InsertIfAbsent(ctx, db, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := repo.FindByPaymentRef(ctx, db, "P1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, int64(1196), stored.CommissionAmount)
	testutil.AssertCount(t, db, "referrals", 1, "")
}

func TestInsertIfAbsentRendersMySQLUpsert(t *testing.T) {
	db, lastSQL := testutil.DryRunMySQL(t)

	referral := newReferral(t, "P1")
	referral.ID = 42
	referral.AffiliateID = 7
	_, err := Provide().InsertIfAbsent(context.Background(), db, referral)
	require.NoError(t, err)

	sql := lastSQL()
	assert.Contains(t, sql, "INSERT INTO `referrals`")
	assert.Contains(t, sql, "ON DUPLICATE KEY UPDATE")
	assert.NotContains(t, sql, "ON CONFLICT")
}
