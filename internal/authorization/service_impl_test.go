package authorization

import (
	"context"
	"testing"
	"time"

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

func newTestService(t *testing.T, roles map[string]string) (Service, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	audit := auditservice.NewService(auditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: testutil.NewNode(t), Repo: auditrepo.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	svc := NewService(Params{
		Log:      zap.NewNop(),
		Cfg:      config.Config{OperatorRoles: roles},
		Enforcer: enforcer,
		AuditSvc: audit,
	})
	return svc, db
}

func TestRolePermissions(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{
		"ana":   "admin",
		"fabio": "Finance",
		"sara":  "support",
	})
	ctx := context.Background()

	cases := []struct {
		operator string
		object   string
		action   string
		allowed  bool
	}{
		{"ana", ObjectPayout, ActionPayoutSettle, true},
		{"ana", ObjectAuditLog, ActionAuditLogView, true},
		{"ana", ObjectAffiliate, ActionAffiliateRebuild, true},
		{"fabio", ObjectPayout, ActionPayoutSettle, true},
		{"fabio", ObjectReferral, ActionReferralAdvance, true},
		{"fabio", ObjectAffiliate, ActionAffiliateView, true},
		{"fabio", ObjectAffiliate, ActionAffiliateStatus, false},
		{"fabio", ObjectAuditLog, ActionAuditLogView, false},
		{"sara", ObjectAffiliate, ActionAffiliateStatus, true},
		{"sara", ObjectPayout, ActionPayoutRequest, false},
		{"sara", ObjectProgram, ActionProgramOverview, false},
		{"mallory", ObjectAffiliate, ActionAffiliateView, false},
	}
	for _, tc := range cases {
		err := svc.Authorize(ctx, tc.operator, tc.object, tc.action)
		if tc.allowed {
			assert.NoError(t, err, "%s %s", tc.operator, tc.action)
		} else {
			assert.ErrorIs(t, err, ErrForbidden, "%s %s", tc.operator, tc.action)
		}
	}
}

func TestAuthorizeValidatesInput(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, " ", ObjectPayout, ActionPayoutSettle), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "ana", "", ActionPayoutSettle), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, "ana", ObjectPayout, ""), ErrInvalidAction)
}

func TestAuthorizeAuditsDecisions(t *testing.T) {
	svc, db := newTestService(t, map[string]string{"fabio": "finance"})
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, "fabio", ObjectPayout, ActionPayoutSettle))
	require.NoError(t, svc.Authorize(ctx, "fabio", ObjectAffiliate, ActionAffiliateView))
	require.ErrorIs(t, svc.Authorize(ctx, "fabio", ObjectAuditLog, ActionAuditLogView), ErrForbidden)

	testutil.AssertCount(t, db, "audit_logs", 1, "action = ?", "authorization.granted")
	testutil.AssertCount(t, db, "audit_logs", 1, "action = ?", "authorization.denied")
}

func TestEnforcerSeedIsIdempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, err := NewEnforcer(db)
	require.NoError(t, err)
	_, err = NewEnforcer(db)
	require.NoError(t, err)

	testutil.AssertCount(t, db, "casbin_rule", 9, "ptype = ?", "p")
}
