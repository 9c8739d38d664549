package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/bwmarrin/snowflake"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	"github.com/smallbiznis/affiliate/internal/attribution/domain"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/observability/logger"
	"github.com/smallbiznis/affiliate/internal/observability/metrics"
	"github.com/smallbiznis/affiliate/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxVisitorIDLength = 128
	maxCodeLength      = 64
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Cfg        config.Config
	Backend    domain.Backend
	Clicks     domain.ClickRepository
	Affiliates affiliatedomain.Service
	Metrics    *metrics.Metrics   `optional:"true"`
	Telemetry  *telemetry.Metrics `optional:"true"`
	Clock      clock.Clock        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	policy     domain.Policy
	backend    domain.Backend
	clicks     domain.ClickRepository
	affiliates affiliatedomain.Service
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
		log:        p.Log.Named("attribution.service"),
		genID:      p.GenID,
		policy:     domain.ParsePolicy(p.Cfg.Attribution.Policy),
		backend:    p.Backend,
		clicks:     p.Clicks,
		affiliates: p.Affiliates,
		metrics:    p.Metrics,
		telemetry:  p.Telemetry,
		clock:      clk,
	}
}

func (s *Service) Policy() domain.Policy {
	return s.policy
}

// Capture reports whether code is now the visitor's attribution. Under
// first-touch an existing record wins and the call is a no-op.
func (s *Service) Capture(ctx context.Context, visitorID, code string) bool {
	visitorID = strings.TrimSpace(visitorID)
	code = strings.TrimSpace(code)
	if visitorID == "" || code == "" || len(visitorID) > maxVisitorIDLength || len(code) > maxCodeLength {
		s.metrics.RecordAttribution(ctx, string(s.policy), "ignored")
		return false
	}

	record := domain.Record{
		VisitorID:    visitorID,
		ReferralCode: code,
		CapturedAt:   s.clock.Now(),
	}

	var (
		stored bool
		err    error
	)
	switch s.policy {
	case domain.PolicyLastTouch:
		err = s.backend.Put(ctx, record)
		stored = err == nil
	default:
		stored, err = s.backend.PutIfAbsent(ctx, record)
	}
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("attribution capture degraded",
			zap.String("visitor_id", visitorID),
			zap.Error(err),
		)
		s.metrics.RecordAttribution(ctx, string(s.policy), "error")
		return false
	}

	outcome := "kept"
	if stored {
		outcome = "captured"
	}
	s.metrics.RecordAttribution(ctx, string(s.policy), outcome)
	return stored
}

func (s *Service) Get(ctx context.Context, visitorID string) (domain.Record, bool) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return domain.Record{}, false
	}
	record, err := s.backend.Get(ctx, visitorID)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("attribution lookup degraded",
			zap.String("visitor_id", visitorID),
			zap.Error(err),
		)
		return domain.Record{}, false
	}
	if record == nil {
		return domain.Record{}, false
	}
	return *record, true
}

func (s *Service) Clear(ctx context.Context, visitorID string) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return
	}
	if err := s.backend.Delete(ctx, visitorID); err != nil {
		logger.WithContext(ctx, s.log).Warn("attribution clear failed",
			zap.String("visitor_id", visitorID),
			zap.Error(err),
		)
	}
}

// Track captures the visit's code and logs one click per affiliate and
// visitor when the code belongs to a known affiliate.
func (s *Service) Track(ctx context.Context, visit domain.Visit) domain.TrackResult {
	result := domain.TrackResult{
		Captured:     s.Capture(ctx, visit.VisitorID, visit.Code),
		ReferralCode: strings.TrimSpace(visit.Code),
	}
	if result.ReferralCode == "" || strings.TrimSpace(visit.VisitorID) == "" {
		return result
	}

	affiliate, err := s.affiliates.GetByCode(ctx, result.ReferralCode)
	if err != nil {
		return result
	}
	result.AffiliateID = affiliate.ID.String()

	click := domain.Click{
		ID:            s.genID.Generate(),
		AffiliateID:   affiliate.ID,
		VisitorID:     strings.TrimSpace(visit.VisitorID),
		IPHash:        hashed(visit.IPAddress),
		UserAgentHash: hashed(visit.UserAgent),
		Referrer:      optional(visit.Referrer),
		LandingPath:   optional(visit.LandingPath),
		CreatedAt:     s.clock.Now(),
	}
	logged, err := s.clicks.Insert(ctx, s.db, &click)
	if err != nil {
		logger.WithAffiliate(logger.WithContext(ctx, s.log), affiliate.ID.Int64()).Warn("click log write failed", zap.Error(err))
		return result
	}
	if logged {
		s.telemetry.IncReferralClick()
	}
	result.ClickLogged = logged
	return result
}

func hashed(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(value))
	out := hex.EncodeToString(sum[:])
	return &out
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
