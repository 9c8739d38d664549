package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectAffiliate = "affiliate"
	ObjectReferral  = "referral"
	ObjectPayout    = "payout"
	ObjectProgram   = "program"
	ObjectAuditLog  = "audit_log"
)

const (
	ActionAffiliateView           = "affiliate.view"
	ActionAffiliateStatus         = "affiliate.status"
	ActionAffiliateCommissionRate = "affiliate.commission_rate"
	ActionAffiliateRebuild        = "affiliate.rebuild"

	ActionReferralAdvance = "referral.advance"

	ActionPayoutRequest = "payout.request"
	ActionPayoutProcess = "payout.process"
	ActionPayoutSettle  = "payout.settle"
	ActionPayoutFail    = "payout.fail"

	ActionProgramOverview = "program.overview"
	ActionAuditLogView    = "audit_log.view"
)

const (
	RoleAdmin   = "admin"
	RoleFinance = "finance"
	RoleSupport = "support"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
	roles    map[string]string
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	roles := make(map[string]string, len(p.Cfg.OperatorRoles))
	for operator, role := range p.Cfg.OperatorRoles {
		roles[strings.TrimSpace(operator)] = strings.ToLower(strings.TrimSpace(role))
	}
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
		roles:    roles,
	}
}

func (s *ServiceImpl) RoleOf(operatorID string) string {
	return s.roles[strings.TrimSpace(operatorID)]
}

func (s *ServiceImpl) Authorize(ctx context.Context, operatorID string, object string, action string) error {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	role := s.RoleOf(operatorID)
	if role == "" {
		s.auditDenied(ctx, operatorID, object, action)
		return ErrForbidden
	}

	subject := fmt.Sprintf("operator:%s", operatorID)
	if err := s.ensureGrouping(subject, fmt.Sprintf("role:%s", role)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, operatorID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, operatorID, object, action)
	}
	return nil
}

// ensureGrouping keeps exactly one role link per operator so a role change
// in configuration replaces the persisted one.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, operatorID string, object string, action string) {
	s.audit(ctx, "authorization.denied", operatorID, object, action)
}

func (s *ServiceImpl) auditGranted(ctx context.Context, operatorID string, object string, action string) {
	s.audit(ctx, "authorization.granted", operatorID, object, action)
}

func (s *ServiceImpl) audit(ctx context.Context, auditAction string, operatorID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeOperator), &operatorID, auditAction, "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
		"role":   s.RoleOf(operatorID),
	})
	if err != nil {
		s.log.Warn("failed to audit authorization decision", zap.String("action", auditAction), zap.Error(err))
	}
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionPayoutSettle, ActionAffiliateCommissionRate, ActionAffiliateRebuild:
		return true
	default:
		return false
	}
}

// seedPolicies grants the non-admin roles; admin is allowed everything by
// the model's matcher.
func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Finance settles money.
		{"role:finance", ObjectAffiliate, ActionAffiliateView},
		{"role:finance", ObjectReferral, ActionReferralAdvance},
		{"role:finance", ObjectPayout, ActionPayoutRequest},
		{"role:finance", ObjectPayout, ActionPayoutProcess},
		{"role:finance", ObjectPayout, ActionPayoutSettle},
		{"role:finance", ObjectPayout, ActionPayoutFail},
		{"role:finance", ObjectProgram, ActionProgramOverview},

		// Support handles partner accounts.
		{"role:support", ObjectAffiliate, ActionAffiliateView},
		{"role:support", ObjectAffiliate, ActionAffiliateStatus},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
