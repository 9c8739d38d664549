package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/affiliate/internal/affiliate/domain"
	"github.com/smallbiznis/affiliate/internal/affiliate/repository"
	auditrepo "github.com/smallbiznis/affiliate/internal/audit/repository"
	auditservice "github.com/smallbiznis/affiliate/internal/audit/service"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: clk,
	})
	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.Provide(),
		Cfg:     config.Config{SiteURL: "https://cursos.example.com"},
		Program: config.NewStaticProgramConfigHolder(config.DefaultProgramConfig()),
		Audit:   audit,
		Clock:   clk,
	}).(*Service)
	return svc, db
}

func register(t *testing.T, svc *Service, name, email string) domain.RegisterResult {
	t.Helper()
	res, err := svc.Register(context.Background(), domain.RegisterRequest{Name: name, Email: email})
	require.NoError(t, err)
	return res
}

func TestRegisterCreatesPendingAffiliate(t *testing.T) {
	svc, db := newTestService(t)

	pix := "  maria@pix.example "
	res, err := svc.Register(context.Background(), domain.RegisterRequest{
		Name:   "Maria Silva",
		Email:  "Maria@Example.com",
		PixKey: &pix,
	})
	require.NoError(t, err)

	got := res.Affiliate
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "maria@example.com", got.Email)
	assert.True(t, got.CommissionRate.Equal(decimal.NewFromInt(40)))
	assert.Len(t, got.Code, 8)
	assert.True(t, strings.HasPrefix(got.Code, "MARI"))
	require.NotNil(t, got.PixKey)
	assert.Equal(t, "maria@pix.example", *got.PixKey)
	assert.Len(t, res.AccessCode, 10)
	assert.NotContains(t, got.AccessCodeHash, res.AccessCode)

	stored, err := svc.GetByCode(context.Background(), strings.ToLower(got.Code))
	require.NoError(t, err)
	assert.Equal(t, got.ID, stored.ID)
	testutil.AssertCount(t, db, "audit_logs", 1, "action = ?", "affiliate.registered")
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, domain.RegisterRequest{Name: " ", Email: "a@b.com"})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = svc.Register(ctx, domain.RegisterRequest{Name: "Ana", Email: "not-an-email"})
	assert.ErrorIs(t, err, domain.ErrInvalidEmail)
}

func TestRegisterDuplicateEmailReturnsExisting(t *testing.T) {
	svc, db := newTestService(t)
	first := register(t, svc, "Ana", "ana@example.com")

	res, err := svc.Register(context.Background(), domain.RegisterRequest{Name: "Ana Two", Email: " ANA@example.com"})
	assert.ErrorIs(t, err, domain.ErrDuplicateEmail)
	assert.Equal(t, first.Affiliate.ID, res.Affiliate.ID)
	assert.Empty(t, res.AccessCode)
	testutil.AssertCount(t, db, "affiliates", 1, "")
}

func TestRegisterGeneratesDistinctCodes(t *testing.T) {
	svc, _ := newTestService(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		res := register(t, svc, "Joao", "joao"+strings.Repeat("x", i)+"@example.com")
		assert.False(t, seen[res.Affiliate.Code], "duplicate code %s", res.Affiliate.Code)
		seen[res.Affiliate.Code] = true
	}
}

func TestSetStatusTransitions(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	aff := register(t, svc, "Bruno", "bruno@example.com").Affiliate

	updated, err := svc.SetStatus(ctx, domain.SetStatusRequest{
		AffiliateID: aff.ID.String(),
		Status:      domain.StatusApproved,
		ActorID:     "ops-1",
		Notes:       "vetted",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, updated.Status)
	require.NotNil(t, updated.ApprovedAt)

	_, err = svc.SetStatus(ctx, domain.SetStatusRequest{AffiliateID: aff.ID.String(), Status: domain.StatusApproved})
	assert.ErrorIs(t, err, domain.ErrNoOpTransition)

	for _, next := range []domain.Status{domain.StatusBlocked, domain.StatusPending, domain.StatusRejected, domain.StatusApproved} {
		_, err = svc.SetStatus(ctx, domain.SetStatusRequest{AffiliateID: aff.ID.String(), Status: next})
		require.NoError(t, err, next)
	}

	_, err = svc.SetStatus(ctx, domain.SetStatusRequest{AffiliateID: aff.ID.String(), Status: "archived"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = svc.SetStatus(ctx, domain.SetStatusRequest{AffiliateID: "123", Status: domain.StatusBlocked})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// one entry per real change, none for the no-op
	testutil.AssertCount(t, db, "audit_logs", 5, "action = ?", "affiliate.status_changed")
}

func TestValidateCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	aff := register(t, svc, "Carla", "carla@example.com").Affiliate

	cases := []struct {
		name   string
		code   string
		status domain.Status
		valid  bool
		reason string
	}{
		{name: "pending", code: aff.Code, reason: domain.ReasonAffiliatePending},
		{name: "approved lower case", code: strings.ToLower(aff.Code), status: domain.StatusApproved, valid: true},
		{name: "rejected", code: aff.Code, status: domain.StatusRejected, reason: domain.ReasonAffiliateRejected},
		{name: "blocked", code: aff.Code, status: domain.StatusBlocked, reason: domain.ReasonAffiliateBlocked},
		{name: "unknown", code: "ZZZZ9999", reason: domain.ReasonUnknownCode},
		{name: "malformed", code: "<script>", reason: domain.ReasonMalformedCode},
		{name: "empty", code: "", reason: domain.ReasonMalformedCode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.status != "" {
				_, _ = svc.SetStatus(ctx, domain.SetStatusRequest{AffiliateID: aff.ID.String(), Status: tc.status})
			}
			got, err := svc.ValidateCode(ctx, tc.code)
			require.NoError(t, err)
			assert.Equal(t, tc.valid, got.Valid)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := register(t, svc, "Diego", "diego@example.com")

	got, err := svc.Authenticate(ctx, "DIEGO@example.com", strings.ToLower(res.AccessCode))
	require.NoError(t, err)
	assert.Equal(t, res.Affiliate.ID, got.ID)

	_, err = svc.Authenticate(ctx, "diego@example.com", "WRONGCODE1")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", res.AccessCode)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = svc.SetStatus(ctx, domain.SetStatusRequest{AffiliateID: res.Affiliate.ID.String(), Status: domain.StatusBlocked})
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "diego@example.com", res.AccessCode)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestResetAccessCodeInvalidatesPrevious(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	res := register(t, svc, "Elisa", "elisa@example.com")

	fresh, err := svc.ResetAccessCode(ctx, res.Affiliate.ID.String(), "ops-1")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "elisa@example.com", res.AccessCode)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "elisa@example.com", fresh)
	assert.NoError(t, err)
}

func TestUpdateCommissionRate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	aff := register(t, svc, "Fabio", "fabio@example.com").Affiliate

	updated, err := svc.UpdateCommissionRate(ctx, domain.UpdateCommissionRateRequest{
		AffiliateID: aff.ID.String(),
		Rate:        decimal.RequireFromString("32.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "32.5", updated.CommissionRate.String())

	stored, err := svc.GetByID(ctx, aff.ID.String())
	require.NoError(t, err)
	assert.True(t, stored.CommissionRate.Equal(decimal.RequireFromString("32.5")))

	for _, rate := range []string{"0", "-1", "100.01"} {
		_, err = svc.UpdateCommissionRate(ctx, domain.UpdateCommissionRateRequest{
			AffiliateID: aff.ID.String(),
			Rate:        decimal.RequireFromString(rate),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidCommissionRate, rate)
	}
}

func TestListPaginatesByStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		aff := register(t, svc, "Gil", "gil"+strings.Repeat("g", i)+"@example.com").Affiliate
		if i%2 == 0 {
			_, err := svc.SetStatus(ctx, domain.SetStatusRequest{AffiliateID: aff.ID.String(), Status: domain.StatusApproved})
			require.NoError(t, err)
		}
	}

	page, err := svc.List(ctx, domain.ListAffiliateRequest{Status: "approved"})
	require.NoError(t, err)
	assert.Len(t, page.Affiliates, 3)
	assert.False(t, page.HasMore)

	req := domain.ListAffiliateRequest{}
	req.PageSize = 2
	page, err = svc.List(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page.Affiliates, 2)
	require.True(t, page.HasMore)

	req.PageToken = page.NextPageToken
	next, err := svc.List(ctx, req)
	require.NoError(t, err)
	assert.Len(t, next.Affiliates, 2)
	assert.Less(t, int64(next.Affiliates[0].ID), int64(page.Affiliates[1].ID))

	req.PageToken = "garbage"
	_, err = svc.List(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestShareLink(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, "https://cursos.example.com?ref=X123", svc.ShareLink(domain.Affiliate{Code: "X123"}))
}

func TestCodePrefix(t *testing.T) {
	assert.Equal(t, "JOSE", codePrefix("José da Silva"))
	assert.Equal(t, "AB", codePrefix("a-b"))
	assert.Equal(t, "", codePrefix("!!!"))
}
