package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	affiliaterepo "github.com/smallbiznis/affiliate/internal/affiliate/repository"
	affiliateservice "github.com/smallbiznis/affiliate/internal/affiliate/service"
	"github.com/smallbiznis/affiliate/internal/attribution/domain"
	"github.com/smallbiznis/affiliate/internal/attribution/repository"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc        *Service
	db         *gorm.DB
	affiliates affiliatedomain.Service
}

func newFixture(t *testing.T, policy domain.Policy, backend func(db *gorm.DB) domain.Backend) fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := config.Config{
		SiteURL:     "https://cursos.example.com",
		Attribution: config.AttributionConfig{Policy: string(policy)},
	}

	affiliates := affiliateservice.New(affiliateservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    affiliaterepo.Provide(),
		Cfg:     cfg,
		Program: config.NewStaticProgramConfigHolder(config.DefaultProgramConfig()),
		Clock:   clk,
	})

	svc := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Cfg:        cfg,
		Backend:    backend(db),
		Clicks:     repository.ProvideClickRepository(),
		Affiliates: affiliates,
		Clock:      clk,
	}).(*Service)
	return fixture{svc: svc, db: db, affiliates: affiliates}
}

func databaseBackend(db *gorm.DB) domain.Backend {
	return repository.NewDatabaseBackend(db)
}

func TestFirstTouchKeepsFirstCode(t *testing.T) {
	f := newFixture(t, domain.PolicyFirstTouch, databaseBackend)
	ctx := context.Background()

	assert.True(t, f.svc.Capture(ctx, "visitor-1", "X123"))
	assert.False(t, f.svc.Capture(ctx, "visitor-1", "Y999"))

	record, ok := f.svc.Get(ctx, "visitor-1")
	require.True(t, ok)
	assert.Equal(t, "X123", record.ReferralCode)

	f.svc.Clear(ctx, "visitor-1")
	_, ok = f.svc.Get(ctx, "visitor-1")
	assert.False(t, ok)

	assert.True(t, f.svc.Capture(ctx, "visitor-1", "Y999"))
	record, ok = f.svc.Get(ctx, "visitor-1")
	require.True(t, ok)
	assert.Equal(t, "Y999", record.ReferralCode)
}

func TestLastTouchOverwrites(t *testing.T) {
	f := newFixture(t, domain.PolicyLastTouch, databaseBackend)
	ctx := context.Background()

	assert.True(t, f.svc.Capture(ctx, "visitor-1", "X123"))
	assert.True(t, f.svc.Capture(ctx, "visitor-1", "Y999"))

	record, ok := f.svc.Get(ctx, "visitor-1")
	require.True(t, ok)
	assert.Equal(t, "Y999", record.ReferralCode)
	assert.Equal(t, domain.PolicyLastTouch, f.svc.Policy())
}

func TestCaptureStoresMalformedCodesAsIs(t *testing.T) {
	f := newFixture(t, domain.PolicyFirstTouch, databaseBackend)
	ctx := context.Background()

	assert.True(t, f.svc.Capture(ctx, "visitor-1", "  not a code!  "))
	record, ok := f.svc.Get(ctx, "visitor-1")
	require.True(t, ok)
	assert.Equal(t, "not a code!", record.ReferralCode)

	assert.False(t, f.svc.Capture(ctx, "", "X123"))
	assert.False(t, f.svc.Capture(ctx, "visitor-2", "   "))
}

func TestConcurrentFirstTouchHasSingleWinner(t *testing.T) {
	f := newFixture(t, domain.PolicyFirstTouch, databaseBackend)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < 8; i++ {
		code := fmt.Sprintf("CODE%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.svc.Capture(ctx, "visitor-race", code) {
				mu.Lock()
				wins = append(wins, code)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1)
	record, ok := f.svc.Get(ctx, "visitor-race")
	require.True(t, ok)
	assert.Equal(t, wins[0], record.ReferralCode)
}

func TestRedisBackendFirstTouch(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, domain.PolicyFirstTouch, func(*gorm.DB) domain.Backend {
		return repository.NewRedisBackend(client)
	})
	ctx := context.Background()

	assert.True(t, f.svc.Capture(ctx, "visitor-1", "X123"))
	assert.False(t, f.svc.Capture(ctx, "visitor-1", "Y999"))
	record, ok := f.svc.Get(ctx, "visitor-1")
	require.True(t, ok)
	assert.Equal(t, "X123", record.ReferralCode)
	assert.Zero(t, srv.TTL("affiliate:attribution:visitor-1"))

	f.svc.Clear(ctx, "visitor-1")
	_, ok = f.svc.Get(ctx, "visitor-1")
	assert.False(t, ok)
}

type brokenBackend struct{}

var errUnavailable = errors.New("storage unavailable")

func (brokenBackend) PutIfAbsent(context.Context, domain.Record) (bool, error) {
	return false, errUnavailable
}
func (brokenBackend) Put(context.Context, domain.Record) error { return errUnavailable }
func (brokenBackend) Get(context.Context, string) (*domain.Record, error) {
	return nil, errUnavailable
}
func (brokenBackend) Delete(context.Context, string) error { return errUnavailable }

func TestBackendFailureDegradesToNoAttribution(t *testing.T) {
	f := newFixture(t, domain.PolicyFirstTouch, func(*gorm.DB) domain.Backend { return brokenBackend{} })
	ctx := context.Background()

	assert.False(t, f.svc.Capture(ctx, "visitor-1", "X123"))
	_, ok := f.svc.Get(ctx, "visitor-1")
	assert.False(t, ok)
	assert.NotPanics(t, func() { f.svc.Clear(ctx, "visitor-1") })
}

func TestTrackLogsOneClickPerVisitor(t *testing.T) {
	f := newFixture(t, domain.PolicyFirstTouch, databaseBackend)
	ctx := context.Background()

	reg, err := f.affiliates.Register(ctx, affiliatedomain.RegisterRequest{Name: "Xavier", Email: "x@example.com"})
	require.NoError(t, err)
	code := reg.Affiliate.Code

	visit := domain.Visit{
		VisitorID:   "visitor-1",
		Code:        code,
		IPAddress:   "203.0.113.9",
		UserAgent:   "Mozilla/5.0",
		LandingPath: "/cursos/forex",
	}
	first := f.svc.Track(ctx, visit)
	assert.True(t, first.Captured)
	assert.True(t, first.ClickLogged)
	assert.Equal(t, reg.Affiliate.ID.String(), first.AffiliateID)

	again := f.svc.Track(ctx, visit)
	assert.False(t, again.Captured)
	assert.False(t, again.ClickLogged)

	visit.VisitorID = "visitor-2"
	assert.True(t, f.svc.Track(ctx, visit).ClickLogged)

	unknown := f.svc.Track(ctx, domain.Visit{VisitorID: "visitor-3", Code: "NOPE1234"})
	assert.True(t, unknown.Captured)
	assert.False(t, unknown.ClickLogged)
	assert.Empty(t, unknown.AffiliateID)

	count, err := repository.ProvideClickRepository().CountByAffiliate(ctx, f.db, reg.Affiliate.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	var ipHash string
	require.NoError(t, f.db.Raw(`SELECT ip_hash FROM affiliate_clicks WHERE visitor_id = ?`, "visitor-1").Scan(&ipHash).Error)
	assert.Len(t, ipHash, 64)
	assert.NotContains(t, ipHash, "203.0.113.9")
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, domain.PolicyLastTouch, domain.ParsePolicy("last_touch"))
	assert.Equal(t, domain.PolicyFirstTouch, domain.ParsePolicy("anything"))
	assert.Equal(t, domain.PolicyFirstTouch, domain.ParsePolicy(""))
}
