package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/observability/logger"
	"github.com/smallbiznis/affiliate/internal/observability/metrics"
	"github.com/smallbiznis/affiliate/internal/payout/domain"
	"github.com/smallbiznis/affiliate/internal/ratelimit"
	referraldomain "github.com/smallbiznis/affiliate/internal/referral/domain"
	"github.com/smallbiznis/affiliate/pkg/db/pagination"
	"github.com/smallbiznis/affiliate/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Affiliates affiliatedomain.Service
	Referrals  referraldomain.Service
	Program    *config.ProgramConfigHolder
	Limiter    *ratelimit.Limiter  `optional:"true"`
	Audit      auditdomain.Service `optional:"true"`
	Metrics    *metrics.Metrics    `optional:"true"`
	Telemetry  *telemetry.Metrics  `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	affiliates affiliatedomain.Service
	referrals  referraldomain.Service
	program    *config.ProgramConfigHolder
	limiter    *ratelimit.Limiter
	audit      auditdomain.Service
	metrics    *metrics.Metrics
	telemetry  *telemetry.Metrics
	clock      clock.Clock
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		affiliates: p.Affiliates,
		referrals:  p.Referrals,
		program:    p.Program,
		limiter:    p.Limiter,
		audit:      p.Audit,
		metrics:    p.Metrics,
		telemetry:  p.Telemetry,
		clock:      clk,
	}
}

// RequestPayout reserves every unreserved confirmed referral of the
// affiliate under a new pending payout. Referral statuses do not change
// until the payout settles.
func (s *Service) RequestPayout(ctx context.Context, req domain.RequestPayoutRequest) (domain.Payout, error) {
	affiliate, err := s.affiliates.GetByID(ctx, req.AffiliateID)
	if err != nil {
		if errors.Is(err, affiliatedomain.ErrInvalidID) {
			return domain.Payout{}, domain.ErrInvalidID
		}
		return domain.Payout{}, err
	}
	if affiliate.Status != affiliatedomain.StatusApproved {
		return domain.Payout{}, domain.ErrAffiliateNotEligible
	}
	pixKey := strings.TrimSpace(stringValue(affiliate.PixKey))
	if pixKey == "" {
		return domain.Payout{}, domain.ErrMissingPixKey
	}

	lockKey := affiliate.ID.String()
	token, ok, err := s.limiter.TryLockPayout(ctx, lockKey)
	if err != nil {
		return domain.Payout{}, err
	}
	if !ok {
		return domain.Payout{}, domain.ErrPayoutInProgress
	}
	if token != "" {
		defer func() {
			if err := s.limiter.ReleasePayout(context.WithoutCancel(ctx), lockKey, token); err != nil {
				s.log.Warn("failed to release payout lock", zap.String("affiliate_id", lockKey), zap.Error(err))
			}
		}()
	}

	program := s.program.Get()
	now := s.clock.Now()
	payout := domain.Payout{
		ID:          s.genID.Generate(),
		AffiliateID: affiliate.ID,
		Currency:    program.Currency,
		PixKey:      pixKey,
		Status:      domain.StatusPending,
		RequestedBy: optionalString(req.ActorID),
		RequestedAt: now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.LockAffiliate(ctx, tx, affiliate.ID); err != nil {
			return err
		}
		eligible, err := s.repo.ListEligible(ctx, tx, affiliate.ID)
		if err != nil {
			return err
		}

		items := make([]domain.Item, 0, len(eligible))
		for _, referral := range eligible {
			payout.Amount += referral.CommissionAmount
			items = append(items, domain.Item{
				PayoutID:   payout.ID,
				ReferralID: referral.ID,
				Amount:     referral.CommissionAmount,
			})
		}
		if payout.Amount <= 0 {
			return domain.ErrNothingToPay
		}
		if payout.Amount < program.MinPayoutAmount {
			return domain.ErrBelowMinimum
		}

		if err := s.repo.Insert(ctx, tx, &payout); err != nil {
			return err
		}
		if err := s.repo.InsertItems(ctx, tx, items); err != nil {
			return err
		}
		payout.Items = items

		return s.record(ctx, tx, auditdomain.Entry{
			ActorType:  actorTypeFor(req.ActorID),
			ActorID:    req.ActorID,
			Action:     "payout.requested",
			TargetType: "payout",
			TargetID:   payout.ID.String(),
			Metadata: map[string]any{
				"affiliate_id": affiliate.ID.String(),
				"amount":       payout.Amount,
				"referrals":    len(items),
				"pix_key":      pixKey,
			},
		})
	})
	if err != nil {
		return domain.Payout{}, err
	}

	s.metrics.RecordPayout(ctx, string(domain.StatusPending))
	logger.WithAffiliate(logger.WithContext(ctx, s.log), affiliate.ID.Int64()).Info("payout requested",
		zap.String("payout_id", payout.ID.String()),
		zap.Int64("amount", payout.Amount),
		zap.Int("referrals", len(payout.Items)),
	)
	return payout, nil
}

func (s *Service) MarkProcessing(ctx context.Context, payoutID string, actorID string) (domain.Payout, error) {
	return s.transition(ctx, payoutID, actorID, "payout.processing", domain.Transition{
		From: []domain.Status{domain.StatusPending},
		To:   domain.StatusProcessing,
	}, nil)
}

// Settle marks the payout paid and every reserved referral paid in one
// transaction. If any referral left confirmed since the request, nothing
// is written and ErrStalePayoutSet is returned.
func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.Payout, error) {
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return domain.Payout{}, domain.ErrInvalidTransactionID
	}
	metadata := map[string]any{"transaction_id": transactionID}
	payout, err := s.transition(ctx, req.PayoutID, req.ActorID, "payout.settled", domain.Transition{
		From:          domain.OpenStatuses,
		To:            domain.StatusPaid,
		TransactionID: &transactionID,
	}, func(tx *gorm.DB, payout *domain.Payout) error {
		items, err := s.repo.ListItems(ctx, tx, payout.ID)
		if err != nil {
			return err
		}
		ids := make([]snowflake.ID, 0, len(items))
		var itemTotal int64
		for _, item := range items {
			ids = append(ids, item.ReferralID)
			itemTotal += item.Amount
		}
		if itemTotal != payout.Amount {
			return domain.ErrStalePayoutSet
		}

		settled, err := s.referrals.SettleInTx(ctx, tx, payout.AffiliateID, ids, payout.ID)
		if errors.Is(err, referraldomain.ErrStaleReferral) {
			return domain.ErrStalePayoutSet
		}
		if err != nil {
			return err
		}
		if settled != payout.Amount {
			return domain.ErrStalePayoutSet
		}
		payout.Items = items
		metadata["referrals"] = len(items)
		return nil
	}, metadata)
	if err != nil {
		return domain.Payout{}, err
	}
	s.telemetry.ObservePayoutAmount(payout.Currency, payout.Amount)
	return payout, nil
}

// Fail releases the reserved referrals; they stay confirmed and become
// eligible for the next request.
func (s *Service) Fail(ctx context.Context, req domain.FailRequest) (domain.Payout, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Payout{}, domain.ErrInvalidReason
	}
	return s.transition(ctx, req.PayoutID, req.ActorID, "payout.failed", domain.Transition{
		From:          domain.OpenStatuses,
		To:            domain.StatusFailed,
		FailureReason: &reason,
	}, nil, map[string]any{"reason": reason})
}

// transition moves a payout between statuses with a conditional update.
// apply runs inside the same transaction before the payout row changes.
func (s *Service) transition(
	ctx context.Context,
	rawID string,
	actorID string,
	action string,
	transition domain.Transition,
	apply func(tx *gorm.DB, payout *domain.Payout) error,
	metadata ...map[string]any,
) (domain.Payout, error) {
	id, err := parseID(rawID)
	if err != nil {
		return domain.Payout{}, err
	}

	var (
		updated domain.Payout
		from    domain.Status
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payout, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if payout == nil {
			return domain.ErrNotFound
		}
		from = payout.Status
		if !statusIn(from, transition.From) {
			return domain.ErrInvalidTransition
		}

		if apply != nil {
			if err := apply(tx, payout); err != nil {
				return err
			}
		}

		transition.At = s.clock.Now()
		rows, err := s.repo.UpdateStatus(ctx, tx, payout.ID, transition)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrInvalidTransition
		}

		entry := map[string]any{
			"affiliate_id": payout.AffiliateID.String(),
			"amount":       payout.Amount,
			"from":         string(from),
			"to":           string(transition.To),
		}
		for _, extra := range metadata {
			for k, v := range extra {
				entry[k] = v
			}
		}
		if err := s.record(ctx, tx, auditdomain.Entry{
			ActorType:  actorTypeFor(actorID),
			ActorID:    actorID,
			Action:     action,
			TargetType: "payout",
			TargetID:   payout.ID.String(),
			Metadata:   entry,
		}); err != nil {
			return err
		}

		updated = *payout
		updated.Status = transition.To
		updated.UpdatedAt = transition.At
		switch transition.To {
		case domain.StatusProcessing:
			updated.ProcessingAt = &transition.At
		case domain.StatusPaid:
			updated.PaidAt = &transition.At
			updated.TransactionID = transition.TransactionID
		case domain.StatusFailed:
			updated.FailedAt = &transition.At
			updated.FailureReason = transition.FailureReason
		}
		return nil
	})
	if err != nil {
		return domain.Payout{}, err
	}

	s.metrics.RecordPayout(ctx, string(updated.Status))
	logger.WithAffiliate(logger.WithContext(ctx, s.log), updated.AffiliateID.Int64()).Info("payout status changed",
		zap.String("payout_id", updated.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
	)
	return updated, nil
}

func (s *Service) GetByID(ctx context.Context, payoutID string) (domain.Payout, error) {
	id, err := parseID(payoutID)
	if err != nil {
		return domain.Payout{}, err
	}
	payout, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Payout{}, err
	}
	if payout == nil {
		return domain.Payout{}, domain.ErrNotFound
	}
	items, err := s.repo.ListItems(ctx, s.db, id)
	if err != nil {
		return domain.Payout{}, err
	}
	payout.Items = items
	return *payout, nil
}

func (s *Service) ListByAffiliate(ctx context.Context, req domain.ListPayoutRequest) (domain.ListPayoutResponse, error) {
	affiliateID, err := parseID(req.AffiliateID)
	if err != nil {
		return domain.ListPayoutResponse{}, err
	}
	var status domain.Status
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status = domain.Status(strings.ToLower(raw))
		if !status.Valid() {
			return domain.ListPayoutResponse{}, domain.ErrInvalidStatus
		}
	}
	afterID, err := req.Pagination.AfterID()
	if err != nil {
		return domain.ListPayoutResponse{}, domain.ErrInvalidPageToken
	}
	limit := req.Pagination.Limit()

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		AffiliateID: affiliateID,
		Status:      status,
		AfterID:     afterID,
		Limit:       limit,
	})
	if err != nil {
		return domain.ListPayoutResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, limit, func(item *domain.Payout) int64 {
		return item.ID.Int64()
	})
	payouts := make([]domain.Payout, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		payouts = append(payouts, *item)
	}
	return domain.ListPayoutResponse{PageInfo: pageInfo, Payouts: payouts}, nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, entry)
}

func actorTypeFor(actorID string) auditdomain.ActorType {
	if strings.TrimSpace(actorID) == "" {
		return ""
	}
	return auditdomain.ActorTypeOperator
}

func statusIn(status domain.Status, allowed []domain.Status) bool {
	for _, candidate := range allowed {
		if status == candidate {
			return true
		}
	}
	return false
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
