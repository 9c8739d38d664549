package projection

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	auditrepo "github.com/smallbiznis/affiliate/internal/audit/repository"
	auditservice "github.com/smallbiznis/affiliate/internal/audit/service"
	"github.com/smallbiznis/affiliate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestProjector(t *testing.T) (*Projector, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	node := testutil.NewNode(t)
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
	return New(Params{DB: db, Log: zap.NewNop(), Audit: audit}), db, node
}

func TestDeltaFor(t *testing.T) {
	cases := []struct {
		from, to string
		want     Delta
	}{
		{"pending", "confirmed", Delta{Earnings: 1196, Balance: 1196}},
		{"confirmed", "cancelled", Delta{Earnings: -1196, Balance: -1196}},
		{"confirmed", "refunded", Delta{Earnings: -1196, Balance: -1196}},
		{"confirmed", "paid", Delta{Balance: -1196, Paid: 1196}},
		{"pending", "cancelled", Delta{}},
		{"pending", "refunded", Delta{}},
		{"paid", "pending", Delta{}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeltaFor(tc.from, tc.to, 1196), "%s->%s", tc.from, tc.to)
	}
	assert.Equal(t, Delta{Sales: 1}, CreationDelta())
	assert.True(t, Delta{}.IsZero())
	assert.Equal(t, Delta{Sales: 1, Balance: 5}, Delta{Sales: 1}.Add(Delta{Balance: 5}))
}

func TestApplyIncrementsAtomically(t *testing.T) {
	p, db, node := newTestProjector(t)
	ctx := context.Background()
	affiliateID := testutil.SeedAffiliate(t, db, node, "X123", "approved")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				return p.Apply(ctx, tx, affiliateID, DeltaFor("pending", "confirmed", 100))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := p.stored(ctx, db, affiliateID, false)
	require.NoError(t, err)
	assert.Equal(t, Totals{TotalEarnings: 1000, AvailableBalance: 1000}, stored)
}

func TestApplyUnknownAffiliate(t *testing.T) {
	p, db, _ := newTestProjector(t)
	err := p.Apply(context.Background(), db, 42, CreationDelta())
	assert.ErrorIs(t, err, ErrAffiliateNotFound)

	assert.NoError(t, p.Apply(context.Background(), db, 42, Delta{}))
}

func TestApplyClampsAndReportsNegativeBalance(t *testing.T) {
	p, db, node := newTestProjector(t)
	ctx := context.Background()
	affiliateID := testutil.SeedAffiliate(t, db, node, "X123", "approved")
	testutil.SetAggregates(t, db, affiliateID, 1, 1000, 500, 0)

	err := db.Transaction(func(tx *gorm.DB) error {
		return p.Apply(ctx, tx, affiliateID, DeltaFor("confirmed", "refunded", 800))
	})
	require.NoError(t, err)

	stored, err := p.stored(ctx, db, affiliateID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.AvailableBalance)
	assert.Equal(t, int64(200), stored.TotalEarnings)
	testutil.AssertCount(t, db, "audit_logs", 1, "action = ?", "ledger.inconsistency")
}

func TestVerifyAndRebuild(t *testing.T) {
	p, db, node := newTestProjector(t)
	ctx := context.Background()
	affiliateID := testutil.SeedAffiliate(t, db, node, "X123", "approved")
	testutil.SeedReferral(t, db, node, affiliateID, "P1", "pending", 400)
	testutil.SeedReferral(t, db, node, affiliateID, "P2", "confirmed", 1196)
	testutil.SeedReferral(t, db, node, affiliateID, "P3", "paid", 800)
	testutil.SeedReferral(t, db, node, affiliateID, "P4", "refunded", 300)
	testutil.SeedReferral(t, db, node, affiliateID, "P5", "cancelled", 200)

	want := Totals{TotalSales: 5, TotalEarnings: 1996, AvailableBalance: 1196, TotalPaid: 800}

	drift, err := p.Verify(ctx, affiliateID)
	require.NoError(t, err)
	assert.True(t, drift.HasDrift())
	assert.Equal(t, want, drift.Expected)
	assert.ElementsMatch(t, []string{"total_sales", "total_earnings", "available_balance", "total_paid"}, drift.Fields)

	repaired, err := p.Rebuild(ctx, affiliateID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, drift.Fields, repaired.Fields)
	testutil.AssertCount(t, db, "audit_logs", 1, "action = ? AND actor_type = ?", "projection.rebuilt", "operator")

	after, err := p.Verify(ctx, affiliateID)
	require.NoError(t, err)
	assert.False(t, after.HasDrift())
	assert.Equal(t, want, after.Stored)

	// a second rebuild is a no-op and writes no audit entry
	again, err := p.Rebuild(ctx, affiliateID, "")
	require.NoError(t, err)
	assert.False(t, again.HasDrift())
	testutil.AssertCount(t, db, "audit_logs", 1, "action = ?", "projection.rebuilt")
}

func TestVerifyUnknownAffiliate(t *testing.T) {
	p, _, _ := newTestProjector(t)
	_, err := p.Verify(context.Background(), 99)
	assert.ErrorIs(t, err, ErrAffiliateNotFound)
}
