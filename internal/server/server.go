package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	attributiondomain "github.com/smallbiznis/affiliate/internal/attribution/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/authorization"
	checkoutdomain "github.com/smallbiznis/affiliate/internal/checkout/domain"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	dashboarddomain "github.com/smallbiznis/affiliate/internal/dashboard/domain"
	"github.com/smallbiznis/affiliate/internal/observability"
	obslogger "github.com/smallbiznis/affiliate/internal/observability/logger"
	obstracing "github.com/smallbiznis/affiliate/internal/observability/tracing"
	payoutdomain "github.com/smallbiznis/affiliate/internal/payout/domain"
	"github.com/smallbiznis/affiliate/internal/projection"
	"github.com/smallbiznis/affiliate/internal/ratelimit"
	referraldomain "github.com/smallbiznis/affiliate/internal/referral/domain"
	"github.com/smallbiznis/affiliate/internal/session"
	"github.com/smallbiznis/affiliate/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves every route group from one process.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterAll() }),
	fx.Invoke(RunHTTP),
)

type EngineParams struct {
	fx.In

	ObsCfg  observability.Config
	Metrics *telemetry.Metrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           p.ObsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if p.Metrics != nil {
		r.Use(p.Metrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	clock  clock.Clock

	affiliateSvc   affiliatedomain.Service
	attributionSvc attributiondomain.Service
	referralSvc    referraldomain.Service
	payoutSvc      payoutdomain.Service
	checkoutSvc    checkoutdomain.Service
	dashboardSvc   dashboarddomain.Service
	auditSvc       auditdomain.Service
	authzSvc       authorization.Service
	projector      *projection.Projector
	sessions       *session.Manager
	limiter        *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	AffiliateSvc   affiliatedomain.Service
	AttributionSvc attributiondomain.Service
	ReferralSvc    referraldomain.Service
	PayoutSvc      payoutdomain.Service
	CheckoutSvc    checkoutdomain.Service
	DashboardSvc   dashboarddomain.Service
	AuditSvc       auditdomain.Service
	AuthzSvc       authorization.Service
	Projector      *projection.Projector
	Sessions       *session.Manager
	Limiter        *ratelimit.Limiter `optional:"true"`
	Clock          clock.Clock        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		clock:          clk,
		affiliateSvc:   p.AffiliateSvc,
		attributionSvc: p.AttributionSvc,
		referralSvc:    p.ReferralSvc,
		payoutSvc:      p.PayoutSvc,
		checkoutSvc:    p.CheckoutSvc,
		dashboardSvc:   p.DashboardSvc,
		auditSvc:       p.AuditSvc,
		authzSvc:       p.AuthzSvc,
		projector:      p.Projector,
		sessions:       p.Sessions,
		limiter:        p.Limiter,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAll() {
	s.RegisterStorefrontRoutes()
	s.RegisterAffiliateRoutes()
	s.RegisterCheckoutRoutes()
	s.RegisterAdminRoutes()
}

// RegisterStorefrontRoutes serves share-link landings and the visitor
// attribution API.
func (s *Server) RegisterStorefrontRoutes() {
	store := s.engine.Group("/", s.VisitorRequired(), s.TrackReferral())

	store.GET("", s.Landing)
	store.GET("/r/:code", s.ReferralRedirect)

	attribution := s.engine.Group("/api/attribution", s.VisitorRequired())
	{
		attribution.GET("", s.GetAttribution)
		attribution.POST("", s.CaptureAttribution)
		attribution.DELETE("", s.ClearAttribution)
	}
}

func (s *Server) RegisterAffiliateRoutes() {
	api := s.engine.Group("/api")

	api.POST("/affiliates", s.RegisterAffiliate)
	api.POST("/affiliates/login", s.LoginAffiliate)

	me := api.Group("/me", s.AffiliateRequired())
	{
		me.GET("", s.GetMe)
		me.PATCH("/pix-key", s.UpdateMyPixKey)
		me.GET("/referrals", s.ListMyReferrals)
		me.GET("/payouts", s.ListMyPayouts)
		me.GET("/stats", s.GetMyStats)
		me.GET("/link", s.GetMyLink)
	}
}

func (s *Server) RegisterCheckoutRoutes() {
	s.engine.POST("/api/checkout/complete", s.CompleteCheckout)
	s.engine.POST("/webhooks/checkout/:provider", s.HandleCheckoutWebhook)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin", s.OperatorRequired())

	// -------- Affiliates --------
	admin.GET("/affiliates", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateView), s.ListAffiliates)
	admin.GET("/affiliates/:id", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateView), s.GetAffiliate)
	admin.GET("/affiliates/:id/stats", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateView), s.GetAffiliateStats)
	admin.GET("/affiliates/:id/referrals", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateView), s.ListAffiliateReferrals)
	admin.GET("/affiliates/:id/payouts", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateView), s.ListAffiliatePayouts)
	admin.PATCH("/affiliates/:id/status", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateStatus), s.SetAffiliateStatus)
	admin.PATCH("/affiliates/:id/commission-rate", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateCommissionRate), s.UpdateAffiliateCommissionRate)
	admin.POST("/affiliates/:id/access-code", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateStatus), s.ResetAffiliateAccessCode)
	admin.POST("/affiliates/:id/rebuild", s.authorize(authorization.ObjectAffiliate, authorization.ActionAffiliateRebuild), s.RebuildAffiliateAggregates)
	admin.POST("/affiliates/:id/payouts", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutRequest), s.RequestPayout)

	// -------- Referrals --------
	admin.POST("/referrals/:id/advance", s.authorize(authorization.ObjectReferral, authorization.ActionReferralAdvance), s.AdvanceReferral)

	// -------- Payouts --------
	admin.GET("/payouts/:id", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutRequest), s.GetPayout)
	admin.POST("/payouts/:id/processing", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutProcess), s.MarkPayoutProcessing)
	admin.POST("/payouts/:id/settle", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutSettle), s.SettlePayout)
	admin.POST("/payouts/:id/fail", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutFail), s.FailPayout)

	admin.GET("/overview", s.authorize(authorization.ObjectProgram, authorization.ActionProgramOverview), s.GetProgramOverview)
	admin.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
