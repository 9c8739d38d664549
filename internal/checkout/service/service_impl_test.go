package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliaterepo "github.com/smallbiznis/affiliate/internal/affiliate/repository"
	affiliateservice "github.com/smallbiznis/affiliate/internal/affiliate/service"
	attributiondomain "github.com/smallbiznis/affiliate/internal/attribution/domain"
	attributionrepo "github.com/smallbiznis/affiliate/internal/attribution/repository"
	attributionservice "github.com/smallbiznis/affiliate/internal/attribution/service"
	auditrepo "github.com/smallbiznis/affiliate/internal/audit/repository"
	auditservice "github.com/smallbiznis/affiliate/internal/audit/service"
	"github.com/smallbiznis/affiliate/internal/checkout/domain"
	"github.com/smallbiznis/affiliate/internal/checkout/repository"
	"github.com/smallbiznis/affiliate/internal/checkout/signature"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/projection"
	referraldomain "github.com/smallbiznis/affiliate/internal/referral/domain"
	referralrepo "github.com/smallbiznis/affiliate/internal/referral/repository"
	referralservice "github.com/smallbiznis/affiliate/internal/referral/service"
	"github.com/smallbiznis/affiliate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

type fixture struct {
	svc         domain.Service
	db          *gorm.DB
	node        *snowflake.Node
	clock       *clock.FakeClock
	attribution attributiondomain.Service
	referrals   referraldomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	program := config.NewStaticProgramConfigHolder(config.DefaultProgramConfig())
	cfg := config.Config{
		SiteURL:               "https://cursos.example.com",
		CheckoutWebhookSecret: webhookSecret,
		CheckoutWebhookSkew:   5 * time.Minute,
	}

	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: auditrepo.Provide(), Clock: clk,
	})
	affiliates := affiliateservice.New(affiliateservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: affiliaterepo.Provide(),
		Cfg: cfg, Program: program, Audit: audit, Clock: clk,
	})
	attribution := attributionservice.New(attributionservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Cfg: cfg,
		Backend:    attributionrepo.NewDatabaseBackend(db),
		Clicks:     attributionrepo.ProvideClickRepository(),
		Affiliates: affiliates,
		Clock:      clk,
	})
	projector := projection.New(projection.Params{DB: db, Log: zap.NewNop(), Audit: audit, Clock: clk})
	referrals := referralservice.New(referralservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: referralrepo.Provide(),
		Affiliates: affiliates, Projector: projector, Program: program, Audit: audit, Clock: clk,
	})

	svc := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Cfg:         cfg,
		Repo:        repository.Provide(),
		Referrals:   referrals,
		Attribution: attribution,
		Clock:       clk,
	})
	return fixture{svc: svc, db: db, node: node, clock: clk, attribution: attribution, referrals: referrals}
}

func (f fixture) signed(payload string) http.Header {
	headers := http.Header{}
	headers.Set(signature.Header, signature.Sign(webhookSecret, f.clock.Now(), []byte(payload)))
	return headers
}

func (f fixture) deliver(t *testing.T, payload string) (string, error) {
	t.Helper()
	return f.svc.IngestWebhook(context.Background(), "storefront", []byte(payload), f.signed(payload))
}

func saleEvent(eventID, paymentRef, visitorID, code string, amount int64) string {
	return fmt.Sprintf(
		`{"id":%q,"type":"sale.completed","created":1772366400,"data":{"payment_ref":%q,"visitor_id":%q,"affiliate_code":%q,"customer_email":"buyer@example.com","amount":%d,"currency":"BRL"}}`,
		eventID, paymentRef, visitorID, code, amount,
	)
}

func paymentEvent(eventID, eventType, paymentRef string) string {
	return fmt.Sprintf(`{"id":%q,"type":%q,"data":{"payment_ref":%q,"reason":"gateway"}}`, eventID, eventType, paymentRef)
}

func TestCompleteSaleUsesStoredAttribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliateID := testutil.SeedAffiliate(t, f.db, f.node, "X123", "approved")

	require.True(t, f.attribution.Capture(ctx, "visitor-1", "X123"))

	out := f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P1", VisitorID: "visitor-1", Amount: 2990})
	assert.Equal(t, domain.OutcomeCreated, out.Outcome)
	assert.Equal(t, "X123", out.Code)
	require.NotEmpty(t, out.ReferralID)

	referral, err := f.referrals.GetByPaymentRef(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, affiliateID, referral.AffiliateID)
	assert.Equal(t, int64(1196), referral.CommissionAmount)

	again := f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P1", VisitorID: "visitor-1", Amount: 2990})
	assert.Equal(t, domain.OutcomeDuplicate, again.Outcome)
	assert.Equal(t, out.ReferralID, again.ReferralID)
}

func TestCompleteSaleExplicitCodeWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedAffiliate(t, f.db, f.node, "X123", "approved")
	explicit := testutil.SeedAffiliate(t, f.db, f.node, "Y456", "approved")

	require.True(t, f.attribution.Capture(ctx, "visitor-1", "X123"))
	out := f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P1", VisitorID: "visitor-1", AffiliateCode: "Y456", Amount: 1000})
	require.Equal(t, domain.OutcomeCreated, out.Outcome)

	referral, err := f.referrals.GetByPaymentRef(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, explicit, referral.AffiliateID)
}

func TestCompleteSaleNeverFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedAffiliate(t, f.db, f.node, "BLK1", "blocked")

	out := f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P1", Amount: 1000})
	assert.Equal(t, domain.OutcomeSkipped, out.Outcome)
	assert.Equal(t, referraldomain.ReasonMissingCode, out.Reason)

	out = f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P2", AffiliateCode: "BLK1", Amount: 1000})
	assert.Equal(t, domain.OutcomeSkipped, out.Outcome)

	out = f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P3", AffiliateCode: "BLK1", Amount: -5})
	assert.Equal(t, domain.OutcomeFailed, out.Outcome)
	assert.Equal(t, "invalid_amount", out.Reason)

	testutil.AssertCount(t, f.db, "referrals", 0, "")
}

func TestIngestWebhookLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	affiliateID := testutil.SeedAffiliate(t, f.db, f.node, "X123", "approved")

	outcome, err := f.deliver(t, saleEvent("evt_1", "P1", "", "X123", 2990))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, outcome)

	outcome, err = f.deliver(t, saleEvent("evt_1", "P1", "", "X123", 2990))
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)
	assert.Equal(t, domain.OutcomeCreated, outcome)

	// a distinct event for the same payment is still idempotent at the ledger
	outcome, err = f.deliver(t, saleEvent("evt_2", "P1", "", "X123", 2990))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, outcome)

	outcome, err = f.deliver(t, paymentEvent("evt_3", "payment.confirmed", "P1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, outcome)

	referral, err := f.referrals.GetByPaymentRef(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StatusConfirmed, referral.Status)

	outcome, err = f.deliver(t, paymentEvent("evt_4", "payment.cancelled", "P1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, outcome)

	outcome, err = f.deliver(t, paymentEvent("evt_5", "payment.refunded", "P1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIllegalChange, outcome)

	outcome, err = f.deliver(t, paymentEvent("evt_6", "payment.confirmed", "P-unattributed"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnknownPayment, outcome)

	testutil.AssertCount(t, f.db, "checkout_events", 6, "processed_at IS NOT NULL")
	testutil.AssertCount(t, f.db, "referrals", 1, "affiliate_id = ?", affiliateID)
	testutil.AssertCount(t, f.db, "audit_logs", 1, "action = ? AND actor_type = ?", "referral.created", "checkout")
}

func TestIngestWebhookRejectsBadDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := saleEvent("evt_1", "P1", "", "X123", 2990)

	_, err := f.svc.IngestWebhook(ctx, "Bad Provider!", []byte(payload), f.signed(payload))
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)

	_, err = f.svc.IngestWebhook(ctx, "storefront", []byte(payload), http.Header{})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	tampered := saleEvent("evt_1", "P1", "", "X123", 99990)
	_, err = f.svc.IngestWebhook(ctx, "storefront", []byte(tampered), f.signed(payload))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	stale := f.signed(payload)
	f.clock.Advance(time.Hour)
	_, err = f.svc.IngestWebhook(ctx, "storefront", []byte(payload), stale)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = f.svc.IngestWebhook(ctx, "storefront", []byte("not json"), f.signed("not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	missingRef := `{"id":"evt_9","type":"payment.confirmed","data":{}}`
	_, err = f.deliver(t, missingRef)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	outcome, err := f.deliver(t, `{"id":"evt_10","type":"customer.updated","data":{}}`)
	require.NoError(t, err)
	assert.Equal(t, "ignored", outcome)

	testutil.AssertCount(t, f.db, "checkout_events", 0, "")
}

func TestIngestWebhookWithoutSecret(t *testing.T) {
	f := newFixture(t)
	svc := f.svc.(*Service)
	svc.secret = ""

	payload := saleEvent("evt_1", "P1", "", "X123", 2990)
	_, err := svc.IngestWebhook(context.Background(), "storefront", []byte(payload), f.signed(payload))
	assert.ErrorIs(t, err, domain.ErrWebhookNotConfigured)
}

func TestParseEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event, err := parseEvent("storefront", []byte(saleEvent("evt_1", " P1 ", "v-1", "X123", 2990)), now)
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypeSaleCompleted, event.Type)
	assert.Equal(t, "P1", event.Sale.PaymentRef)
	assert.Equal(t, "v-1", event.Sale.VisitorID)
	assert.Equal(t, int64(2990), event.Sale.Amount)
	assert.Equal(t, time.Unix(1772366400, 0).UTC(), event.OccurredAt)

	event, err = parseEvent("storefront", []byte(paymentEvent("evt_2", "PAYMENT.REFUNDED", "P1")), now)
	require.NoError(t, err)
	assert.Equal(t, domain.EventTypePaymentRefunded, event.Type)
	assert.Equal(t, "gateway", event.Reason)
	assert.Equal(t, now, event.OccurredAt)

	_, err = parseEvent("storefront", []byte(`{"type":"sale.completed","data":{}}`), now)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	_, err = parseEvent("storefront", []byte(`{"id":"e","type":"sale.completed","data":{"amount":"lots"}}`), now)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestIngestWebhookAppliesPaymentEventsThatPrecedeTheSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedAffiliate(t, f.db, f.node, "X123", "approved")

	outcome, err := f.deliver(t, paymentEvent("evt_confirm", "payment.confirmed", "P1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnknownPayment, outcome)

	outcome, err = f.deliver(t, saleEvent("evt_sale", "P1", "", "X123", 2990))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, outcome)

	referral, err := f.referrals.GetByPaymentRef(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StatusConfirmed, referral.Status)
	require.NotNil(t, referral.ConfirmedAt)

	outcome, err = f.deliver(t, paymentEvent("evt_confirm", "payment.confirmed", "P1"))
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)
	assert.Equal(t, domain.OutcomeApplied, outcome)

	testutil.AssertCount(t, f.db, "checkout_events", 0, "outcome = ?", domain.OutcomeUnknownPayment)
	testutil.AssertCount(t, f.db, "audit_logs", 1, "action = ? AND actor_type = ?", "referral.status_changed", "checkout")
}

func TestIngestWebhookReplaysEarlyEventsInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedAffiliate(t, f.db, f.node, "X123", "approved")

	_, err := f.deliver(t, paymentEvent("evt_confirm", "payment.confirmed", "P1"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.deliver(t, paymentEvent("evt_refund", "payment.refunded", "P1"))
	require.NoError(t, err)
	f.clock.Advance(time.Second)

	out := f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P1", AffiliateCode: "X123", Amount: 2990})
	require.Equal(t, domain.OutcomeCreated, out.Outcome)

	referral, err := f.referrals.GetByPaymentRef(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, referraldomain.StatusRefunded, referral.Status)
	testutil.AssertCount(t, f.db, "checkout_events", 2, "outcome = ?", domain.OutcomeApplied)

	// an early event for a sale without an affiliate stays unknown
	_, err = f.deliver(t, paymentEvent("evt_other", "payment.confirmed", "P2"))
	require.NoError(t, err)
	out = f.svc.CompleteSale(ctx, domain.SaleCompleted{PaymentRef: "P2", Amount: 2990})
	assert.Equal(t, domain.OutcomeSkipped, out.Outcome)
	testutil.AssertCount(t, f.db, "checkout_events", 1, "outcome = ?", domain.OutcomeUnknownPayment)
}

func TestIngestWebhookSettlesRejectedSales(t *testing.T) {
	f := newFixture(t)
	testutil.SeedAffiliate(t, f.db, f.node, "X123", "approved")

	payload := saleEvent("evt_zero", "P1", "", "X123", 0)
	outcome, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, "failed:invalid_amount", outcome)

	outcome, err = f.deliver(t, payload)
	assert.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)
	assert.Equal(t, "failed:invalid_amount", outcome)

	testutil.AssertCount(t, f.db, "checkout_events", 1, "processed_at IS NOT NULL AND outcome = ?", "failed:invalid_amount")
	testutil.AssertCount(t, f.db, "referrals", 0, "")
}

type referralsMock struct {
	mock.Mock
}

func (m *referralsMock) RecordSale(ctx context.Context, req referraldomain.RecordSaleRequest) (referraldomain.RecordSaleResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(referraldomain.RecordSaleResult), args.Error(1)
}

func (m *referralsMock) Advance(ctx context.Context, req referraldomain.AdvanceRequest) (referraldomain.Referral, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(referraldomain.Referral), args.Error(1)
}

func (m *referralsMock) AdvanceByPaymentRef(ctx context.Context, paymentRef string, req referraldomain.AdvanceRequest) (referraldomain.Referral, error) {
	args := m.Called(ctx, paymentRef, req)
	return args.Get(0).(referraldomain.Referral), args.Error(1)
}

func (m *referralsMock) GetByID(ctx context.Context, id string) (referraldomain.Referral, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(referraldomain.Referral), args.Error(1)
}

func (m *referralsMock) GetByPaymentRef(ctx context.Context, paymentRef string) (referraldomain.Referral, error) {
	args := m.Called(ctx, paymentRef)
	return args.Get(0).(referraldomain.Referral), args.Error(1)
}

func (m *referralsMock) ListByAffiliate(ctx context.Context, req referraldomain.ListReferralRequest) (referraldomain.ListReferralResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(referraldomain.ListReferralResponse), args.Error(1)
}

func (m *referralsMock) SettleInTx(ctx context.Context, tx *gorm.DB, affiliateID snowflake.ID, referralIDs []snowflake.ID, payoutID snowflake.ID) (int64, error) {
	args := m.Called(ctx, tx, affiliateID, referralIDs, payoutID)
	return args.Get(0).(int64), args.Error(1)
}

func TestIngestWebhookLeavesTransientFailuresForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrals := new(referralsMock)
	svc := New(Params{
		DB:    f.db,
		Log:   zap.NewNop(),
		GenID: f.node,
		Cfg: config.Config{
			CheckoutWebhookSecret: webhookSecret,
			CheckoutWebhookSkew:   5 * time.Minute,
		},
		Repo:      repository.Provide(),
		Referrals: referrals,
		Clock:     f.clock,
	})

	sale := referraldomain.RecordSaleRequest{
		PaymentRef:    "P1",
		AffiliateCode: "X123",
		CustomerEmail: "buyer@example.com",
		SaleAmount:    2990,
		Currency:      "BRL",
	}
	referrals.On("RecordSale", mock.Anything, sale).
		Return(referraldomain.RecordSaleResult{}, errors.New("connection reset by peer")).Once()
	referrals.On("RecordSale", mock.Anything, sale).
		Return(referraldomain.RecordSaleResult{
			Outcome:  referraldomain.OutcomeCreated,
			Referral: &referraldomain.Referral{ID: 99, PaymentRef: "P1"},
		}, nil).Once()

	payload := saleEvent("evt_1", "P1", "", "X123", 2990)
	_, err := svc.IngestWebhook(ctx, "storefront", []byte(payload), f.signed(payload))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrEventAlreadyProcessed)
	testutil.AssertCount(t, f.db, "checkout_events", 1, "processed_at IS NULL")

	outcome, err := svc.IngestWebhook(ctx, "storefront", []byte(payload), f.signed(payload))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, outcome)
	testutil.AssertCount(t, f.db, "checkout_events", 1, "processed_at IS NOT NULL")

	referrals.AssertExpectations(t)
	referrals.AssertNotCalled(t, "AdvanceByPaymentRef", mock.Anything, mock.Anything, mock.Anything)
}
