package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/observability/logger"
	"github.com/smallbiznis/affiliate/internal/observability/metrics"
	"github.com/smallbiznis/affiliate/internal/projection"
	"github.com/smallbiznis/affiliate/internal/referral/domain"
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
	Projector  *projection.Projector
	Program    *config.ProgramConfigHolder
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
	projector  *projection.Projector
	program    *config.ProgramConfigHolder
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
		log:        p.Log.Named("referral.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		affiliates: p.Affiliates,
		projector:  p.Projector,
		program:    p.Program,
		audit:      p.Audit,
		metrics:    p.Metrics,
		telemetry:  p.Telemetry,
		clock:      clk,
	}
}

// RecordSale turns an attributed sale into a pending referral exactly once
// per payment reference. Redeliveries return the stored referral unchanged.
func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.RecordSaleResult, error) {
	paymentRef := strings.TrimSpace(req.PaymentRef)
	if paymentRef == "" {
		return domain.RecordSaleResult{}, domain.ErrInvalidPaymentRef
	}
	if req.SaleAmount <= 0 {
		return domain.RecordSaleResult{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.program.Get().Currency
	}
	if len(currency) != 3 {
		return domain.RecordSaleResult{}, domain.ErrInvalidCurrency
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("payment_ref", paymentRef))

	existing, err := s.repo.FindByPaymentRef(ctx, s.db, paymentRef)
	if err != nil {
		return domain.RecordSaleResult{}, err
	}
	if existing != nil {
		s.metrics.RecordReferral(ctx, string(domain.OutcomeDuplicate), "")
		log.Info("duplicate sale ignored", zap.String("referral_id", existing.ID.String()))
		return domain.RecordSaleResult{Outcome: domain.OutcomeDuplicate, Referral: existing}, nil
	}

	if strings.TrimSpace(req.AffiliateCode) == "" {
		return s.skip(ctx, log, domain.ReasonMissingCode), nil
	}
	validation, err := s.affiliates.ValidateCode(ctx, req.AffiliateCode)
	if err != nil {
		return domain.RecordSaleResult{}, err
	}
	if !validation.Valid {
		return s.skip(ctx, log, validation.Reason), nil
	}
	affiliate := validation.Affiliate

	now := s.clock.Now()
	referral := domain.Referral{
		ID:               s.genID.Generate(),
		AffiliateID:      affiliate.ID,
		PaymentRef:       paymentRef,
		CustomerEmail:    optionalEmail(req.CustomerEmail),
		SaleAmount:       req.SaleAmount,
		Currency:         currency,
		CommissionRate:   affiliate.CommissionRate,
		CommissionAmount: domain.CommissionFor(req.SaleAmount, affiliate.CommissionRate),
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var duplicate *domain.Referral
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertIfAbsent(ctx, tx, &referral)
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent delivery of the same payment won the insert.
			duplicate, err = s.repo.FindByPaymentRef(ctx, tx, paymentRef)
			return err
		}
		if err := s.projector.Apply(ctx, tx, affiliate.ID, projection.CreationDelta()); err != nil {
			return err
		}
		return s.record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeCheckout,
			Action:     "referral.created",
			TargetType: "referral",
			TargetID:   referral.ID.String(),
			Metadata: map[string]any{
				"affiliate_id":      affiliate.ID.String(),
				"payment_ref":       paymentRef,
				"customer_email":    stringValue(referral.CustomerEmail),
				"sale_amount":       referral.SaleAmount,
				"commission_rate":   referral.CommissionRate.String(),
				"commission_amount": referral.CommissionAmount,
			},
		})
	})
	if err != nil {
		return domain.RecordSaleResult{}, err
	}
	if duplicate != nil {
		s.metrics.RecordReferral(ctx, string(domain.OutcomeDuplicate), "")
		log.Info("duplicate sale ignored after concurrent insert", zap.String("referral_id", duplicate.ID.String()))
		return domain.RecordSaleResult{Outcome: domain.OutcomeDuplicate, Referral: duplicate}, nil
	}

	s.metrics.RecordReferral(ctx, string(domain.OutcomeCreated), "")
	s.telemetry.ObserveSaleAmount(currency, referral.SaleAmount)
	logger.WithAffiliate(log, affiliate.ID.Int64()).Info("referral recorded",
		zap.String("referral_id", referral.ID.String()),
		zap.Int64("sale_amount", referral.SaleAmount),
		zap.Int64("commission_amount", referral.CommissionAmount),
	)
	return domain.RecordSaleResult{Outcome: domain.OutcomeCreated, Referral: &referral}, nil
}

func (s *Service) skip(ctx context.Context, log *zap.Logger, reason string) domain.RecordSaleResult {
	s.metrics.RecordReferral(ctx, string(domain.OutcomeSkipped), reason)
	log.Info("attribution skipped", zap.String("reason", reason))
	return domain.RecordSaleResult{Outcome: domain.OutcomeSkipped, Reason: reason}
}

// Advance applies one edge of the state machine. Settlement to paid goes
// through SettleInTx so the payout and its referrals commit together.
func (s *Service) Advance(ctx context.Context, req domain.AdvanceRequest) (domain.Referral, error) {
	id, err := parseID(req.ReferralID)
	if err != nil {
		return domain.Referral{}, err
	}
	return s.advance(ctx, func(tx *gorm.DB) (*domain.Referral, error) {
		return s.repo.FindByID(ctx, tx, id)
	}, req)
}

func (s *Service) AdvanceByPaymentRef(ctx context.Context, paymentRef string, req domain.AdvanceRequest) (domain.Referral, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return domain.Referral{}, domain.ErrInvalidPaymentRef
	}
	return s.advance(ctx, func(tx *gorm.DB) (*domain.Referral, error) {
		return s.repo.FindByPaymentRef(ctx, tx, paymentRef)
	}, req)
}

func (s *Service) advance(ctx context.Context, load func(tx *gorm.DB) (*domain.Referral, error), req domain.AdvanceRequest) (domain.Referral, error) {
	target := domain.Status(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if !target.Valid() {
		return domain.Referral{}, domain.ErrInvalidStatus
	}
	if target == domain.StatusPaid {
		return domain.Referral{}, domain.ErrInvalidTransition
	}

	var (
		updated domain.Referral
		from    domain.Status
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := load(tx)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		from = current.Status
		if !domain.CanTransition(from, target) {
			return domain.ErrInvalidTransition
		}

		now := s.clock.Now()
		rows, err := s.repo.UpdateStatus(ctx, tx, current.ID, from, target, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			// Lost the race; the winner's status decides legality.
			return domain.ErrInvalidTransition
		}

		delta := projection.DeltaFor(string(from), string(target), current.CommissionAmount)
		if err := s.projector.Apply(ctx, tx, current.AffiliateID, delta); err != nil {
			return err
		}

		if err := s.record(ctx, tx, auditdomain.Entry{
			ActorType:  req.ActorType,
			ActorID:    req.ActorID,
			Action:     "referral.status_changed",
			TargetType: "referral",
			TargetID:   current.ID.String(),
			Metadata: map[string]any{
				"from":              string(from),
				"to":                string(target),
				"reason":            strings.TrimSpace(req.Reason),
				"payment_ref":       current.PaymentRef,
				"commission_amount": current.CommissionAmount,
			},
		}); err != nil {
			return err
		}

		updated = *current
		updated.Status = target
		updated.UpdatedAt = now
		stamp(&updated, target, now)
		return nil
	})
	if err != nil {
		return domain.Referral{}, err
	}

	s.metrics.RecordTransition(ctx, string(from), string(target))
	logger.WithAffiliate(logger.WithContext(ctx, s.log), updated.AffiliateID.Int64()).Info("referral status changed",
		zap.String("referral_id", updated.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return updated, nil
}

func (s *Service) SettleInTx(ctx context.Context, tx *gorm.DB, affiliateID snowflake.ID, referralIDs []snowflake.ID, payoutID snowflake.ID) (int64, error) {
	if len(referralIDs) == 0 {
		return 0, domain.ErrStaleReferral
	}
	referrals, err := s.repo.FindByIDs(ctx, tx, referralIDs)
	if err != nil {
		return 0, err
	}
	if len(referrals) != len(referralIDs) {
		return 0, domain.ErrStaleReferral
	}

	now := s.clock.Now()
	var total int64
	for _, referral := range referrals {
		if referral.AffiliateID != affiliateID || referral.Status != domain.StatusConfirmed {
			return 0, domain.ErrStaleReferral
		}
		rows, err := s.repo.UpdateStatus(ctx, tx, referral.ID, domain.StatusConfirmed, domain.StatusPaid, now)
		if err != nil {
			return 0, err
		}
		if rows == 0 {
			return 0, domain.ErrStaleReferral
		}
		total += referral.CommissionAmount
	}

	delta := projection.DeltaFor(string(domain.StatusConfirmed), string(domain.StatusPaid), total)
	if err := s.projector.Apply(ctx, tx, affiliateID, delta); err != nil {
		return 0, err
	}
	if err := s.record(ctx, tx, auditdomain.Entry{
		Action:     "referral.settled",
		TargetType: "payout",
		TargetID:   payoutID.String(),
		Metadata: map[string]any{
			"affiliate_id": affiliateID.String(),
			"referrals":    len(referrals),
			"amount":       total,
		},
	}); err != nil {
		return 0, err
	}

	for range referrals {
		s.metrics.RecordTransition(ctx, string(domain.StatusConfirmed), string(domain.StatusPaid))
	}
	return total, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Referral, error) {
	referralID, err := parseID(id)
	if err != nil {
		return domain.Referral{}, err
	}
	referral, err := s.repo.FindByID(ctx, s.db, referralID)
	if err != nil {
		return domain.Referral{}, err
	}
	if referral == nil {
		return domain.Referral{}, domain.ErrNotFound
	}
	return *referral, nil
}

func (s *Service) GetByPaymentRef(ctx context.Context, paymentRef string) (domain.Referral, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return domain.Referral{}, domain.ErrInvalidPaymentRef
	}
	referral, err := s.repo.FindByPaymentRef(ctx, s.db, paymentRef)
	if err != nil {
		return domain.Referral{}, err
	}
	if referral == nil {
		return domain.Referral{}, domain.ErrNotFound
	}
	return *referral, nil
}

func (s *Service) ListByAffiliate(ctx context.Context, req domain.ListReferralRequest) (domain.ListReferralResponse, error) {
	affiliateID, err := parseID(req.AffiliateID)
	if err != nil {
		return domain.ListReferralResponse{}, err
	}
	var status domain.Status
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status = domain.Status(strings.ToLower(raw))
		if !status.Valid() {
			return domain.ListReferralResponse{}, domain.ErrInvalidStatus
		}
	}
	afterID, err := req.Pagination.AfterID()
	if err != nil {
		return domain.ListReferralResponse{}, domain.ErrInvalidPageToken
	}
	limit := req.Pagination.Limit()

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		AffiliateID: affiliateID,
		Status:      status,
		AfterID:     afterID,
		Limit:       limit,
	})
	if err != nil {
		return domain.ListReferralResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, limit, func(item *domain.Referral) int64 {
		return item.ID.Int64()
	})
	referrals := make([]domain.Referral, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		referrals = append(referrals, *item)
	}
	return domain.ListReferralResponse{PageInfo: pageInfo, Referrals: referrals}, nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, entry)
}

func stamp(referral *domain.Referral, status domain.Status, at time.Time) {
	switch status {
	case domain.StatusConfirmed:
		referral.ConfirmedAt = &at
	case domain.StatusPaid:
		referral.PaidAt = &at
	case domain.StatusCancelled:
		referral.CancelledAt = &at
	case domain.StatusRefunded:
		referral.RefundedAt = &at
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func optionalEmail(value string) *string {
	value = strings.ToLower(strings.TrimSpace(value))
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
