package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	attributiondomain "github.com/smallbiznis/affiliate/internal/attribution/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/auditcontext"
	"github.com/smallbiznis/affiliate/internal/checkout/domain"
	"github.com/smallbiznis/affiliate/internal/checkout/signature"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/observability/logger"
	"github.com/smallbiznis/affiliate/internal/observability/metrics"
	referraldomain "github.com/smallbiznis/affiliate/internal/referral/domain"
	"github.com/smallbiznis/affiliate/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var providerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Cfg         config.Config
	Repo        domain.Repository
	Referrals   referraldomain.Service
	Attribution attributiondomain.Service
	Metrics     *metrics.Metrics   `optional:"true"`
	Telemetry   *telemetry.Metrics `optional:"true"`
	Clock       clock.Clock        `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	referrals   referraldomain.Service
	attribution attributiondomain.Service
	metrics     *metrics.Metrics
	telemetry   *telemetry.Metrics
	clock       clock.Clock

	secret string
	skew   time.Duration
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("checkout.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		referrals:   p.Referrals,
		attribution: p.Attribution,
		metrics:     p.Metrics,
		telemetry:   p.Telemetry,
		clock:       clk,
		secret:      strings.TrimSpace(p.Cfg.CheckoutWebhookSecret),
		skew:        p.Cfg.CheckoutWebhookSkew,
	}
}

// CompleteSale records the referral for a successful payment. Every
// attribution failure is logged and reported in the outcome; the sale
// itself is never failed because of it.
func (s *Service) CompleteSale(ctx context.Context, sale domain.SaleCompleted) domain.SaleOutcome {
	out, err := s.completeSale(ctx, sale)
	if err != nil {
		logger.WithContext(ctx, s.log).Error("referral attribution failed",
			zap.String("payment_ref", strings.TrimSpace(sale.PaymentRef)),
			zap.String("affiliate_code", out.Code),
			zap.Error(err),
		)
		out.Outcome = domain.OutcomeFailed
		out.Reason = failureReason(err)
		return out
	}
	if out.Outcome == domain.OutcomeCreated || out.Outcome == domain.OutcomeDuplicate {
		if err := s.applyDeferred(ctx, strings.TrimSpace(sale.PaymentRef)); err != nil {
			logger.WithContext(ctx, s.log).Warn("deferred checkout events not applied",
				zap.String("payment_ref", strings.TrimSpace(sale.PaymentRef)),
				zap.Error(err),
			)
		}
	}
	return out
}

func (s *Service) completeSale(ctx context.Context, sale domain.SaleCompleted) (domain.SaleOutcome, error) {
	paymentRef := strings.TrimSpace(sale.PaymentRef)
	ctx = auditcontext.WithPaymentRef(ctx, paymentRef)

	code := strings.TrimSpace(sale.AffiliateCode)
	if code == "" && s.attribution != nil {
		if record, ok := s.attribution.Get(ctx, sale.VisitorID); ok {
			code = record.ReferralCode
		}
	}

	out := domain.SaleOutcome{Code: code}
	result, err := s.referrals.RecordSale(ctx, referraldomain.RecordSaleRequest{
		PaymentRef:    paymentRef,
		AffiliateCode: code,
		CustomerEmail: sale.CustomerEmail,
		SaleAmount:    sale.Amount,
		Currency:      sale.Currency,
	})
	if err != nil {
		return out, err
	}

	out.Outcome = string(result.Outcome)
	out.Reason = result.Reason
	if result.Referral != nil {
		out.ReferralID = result.Referral.ID.String()
	}
	return out, nil
}

// isRejectedSale reports validation errors that no redelivery can fix.
func isRejectedSale(err error) bool {
	return errors.Is(err, referraldomain.ErrInvalidPaymentRef) ||
		errors.Is(err, referraldomain.ErrInvalidAmount) ||
		errors.Is(err, referraldomain.ErrInvalidCurrency)
}

func failureReason(err error) string {
	if isRejectedSale(err) {
		return err.Error()
	}
	return "internal_error"
}

// IngestWebhook verifies, deduplicates and applies one signed checkout
// event. Redeliveries of a processed event return ErrEventAlreadyProcessed
// with the original outcome.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (string, error) {
	start := time.Now()
	provider = strings.ToLower(strings.TrimSpace(provider))

	outcome, err := s.ingest(ctx, provider, payload, headers)

	status := outcome
	switch {
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		status = "redelivered"
	case err != nil:
		status = "error"
	}
	s.telemetry.RecordWebhookDelivery(provider, status, time.Since(start))
	return outcome, err
}

func (s *Service) ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (string, error) {
	if !providerPattern.MatchString(provider) {
		return "", domain.ErrInvalidProvider
	}
	if s.secret == "" {
		return "", domain.ErrWebhookNotConfigured
	}
	if !json.Valid(payload) {
		return "", domain.ErrInvalidPayload
	}

	log := logger.WithContext(ctx, s.log).With(zap.String("provider", provider))
	now := s.clock.Now()
	if err := signature.Verify(s.secret, headers, payload, now, s.skew); err != nil {
		log.Warn("checkout webhook rejected", zap.Error(err))
		return "", domain.ErrInvalidSignature
	}

	event, err := parseEvent(provider, payload, now)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			return "ignored", nil
		}
		return "", err
	}
	log = log.With(zap.String("event_id", event.ProviderEventID), zap.String("event_type", event.Type))

	paymentRef := event.Sale.PaymentRef
	received := domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		PaymentRef:      &paymentRef,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return "", err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			log.Info("checkout event already processed")
			return stringValue(stored.Outcome), domain.ErrEventAlreadyProcessed
		}
	}

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeCheckout), provider)
	outcome, err := s.process(ctx, event)
	if err != nil {
		// Left unprocessed so the provider's retry is applied; only transient
		// errors reach here.
		log.Error("checkout event processing failed", zap.Error(err))
		return "", err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, outcome, s.clock.Now()); err != nil {
		return "", err
	}
	if outcome == domain.OutcomeUnknownPayment {
		// The sale may have committed between the lookup and MarkProcessed.
		if err := s.applyDeferred(ctx, paymentRef); err != nil {
			log.Warn("deferred checkout events not applied", zap.Error(err))
		}
	}
	if inserted {
		s.metrics.RecordCheckoutEvent(ctx, provider, event.Type)
	}
	log.Info("checkout event processed", zap.String("outcome", outcome))
	return outcome, nil
}

func (s *Service) process(ctx context.Context, event *domain.Event) (string, error) {
	if event.Type == domain.EventTypeSaleCompleted {
		out, err := s.completeSale(ctx, event.Sale)
		if err != nil {
			if isRejectedSale(err) {
				logger.WithContext(ctx, s.log).Warn("checkout sale rejected",
					zap.String("payment_ref", event.Sale.PaymentRef),
					zap.Error(err),
				)
				return domain.OutcomeFailed + ":" + err.Error(), nil
			}
			return "", err
		}
		// duplicate included: a retried sale finishes an interrupted replay
		if out.Outcome == domain.OutcomeCreated || out.Outcome == domain.OutcomeDuplicate {
			if err := s.applyDeferred(ctx, event.Sale.PaymentRef); err != nil {
				return "", err
			}
		}
		return out.Outcome, nil
	}
	return s.advance(ctx, event)
}

func (s *Service) advance(ctx context.Context, event *domain.Event) (string, error) {
	var target referraldomain.Status
	switch event.Type {
	case domain.EventTypePaymentConfirmed:
		target = referraldomain.StatusConfirmed
	case domain.EventTypePaymentRefunded:
		target = referraldomain.StatusRefunded
	case domain.EventTypePaymentCancelled:
		target = referraldomain.StatusCancelled
	default:
		return "", domain.ErrInvalidEvent
	}

	_, err := s.referrals.AdvanceByPaymentRef(ctx, event.Sale.PaymentRef, referraldomain.AdvanceRequest{
		Status:    target,
		ActorType: auditdomain.ActorTypeCheckout,
		ActorID:   event.Provider,
		Reason:    event.Reason,
	})
	switch {
	case err == nil:
		return domain.OutcomeApplied, nil
	case errors.Is(err, referraldomain.ErrNotFound):
		// No referral yet: either the sale has no affiliate or it has not
		// arrived. applyDeferred picks it up if the sale follows.
		return domain.OutcomeUnknownPayment, nil
	case errors.Is(err, referraldomain.ErrInvalidTransition):
		logger.WithContext(ctx, s.log).Warn("checkout event does not apply to referral",
			zap.String("payment_ref", event.Sale.PaymentRef),
			zap.String("target", string(target)),
		)
		return domain.OutcomeIllegalChange, nil
	default:
		return "", err
	}
}

// applyDeferred replays payment events that arrived before the sale they
// refer to, in arrival order. Each replayed event keeps its new outcome.
func (s *Service) applyDeferred(ctx context.Context, paymentRef string) error {
	deferred, err := s.repo.ListDeferred(ctx, s.db, paymentRef)
	if err != nil {
		return err
	}

	for _, record := range deferred {
		log := logger.WithContext(ctx, s.log).With(
			zap.String("provider", record.Provider),
			zap.String("event_id", record.ProviderEventID),
			zap.String("event_type", record.EventType),
		)
		event, err := parseEvent(record.Provider, record.Payload, record.ReceivedAt)
		if err != nil {
			log.Warn("deferred checkout event unreadable", zap.Error(err))
			continue
		}

		eventCtx := auditcontext.WithActor(ctx, string(auditdomain.ActorTypeCheckout), record.Provider)
		outcome, err := s.advance(eventCtx, event)
		if err != nil {
			return err
		}
		if outcome == domain.OutcomeUnknownPayment {
			continue
		}
		if _, err := s.repo.UpdateOutcome(ctx, s.db, record.ID, domain.OutcomeUnknownPayment, outcome); err != nil {
			return err
		}
		log.Info("deferred checkout event applied", zap.String("outcome", outcome))
	}
	return nil
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
