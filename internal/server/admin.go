package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	payoutdomain "github.com/smallbiznis/affiliate/internal/payout/domain"
	referraldomain "github.com/smallbiznis/affiliate/internal/referral/domain"
)

type setAffiliateStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type updateCommissionRateRequest struct {
	CommissionRate *decimal.Decimal `json:"commission_rate"`
}

type advanceReferralRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type settlePayoutRequest struct {
	TransactionID string `json:"transaction_id"`
}

type failPayoutRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ListAffiliates(c *gin.Context) {
	var req affiliatedomain.ListAffiliateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	req.Email = strings.TrimSpace(req.Email)

	resp, err := s.affiliateSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]affiliateView, 0, len(resp.Affiliates))
	for _, affiliate := range resp.Affiliates {
		views = append(views, s.view(affiliate))
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": resp.PageInfo})
}

func (s *Server) GetAffiliate(c *gin.Context) {
	affiliate, err := s.affiliateSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.view(affiliate)})
}

// GetAffiliateStats optionally attaches a read-only drift check of the
// stored aggregates when ?verify=true.
func (s *Server) GetAffiliateStats(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	verify, err := parseOptionalBool(c.Query("verify"))
	if err != nil {
		AbortWithError(c, newValidationError("verify", "invalid_verify", "invalid verify"))
		return
	}

	stats, err := s.dashboardSvc.AffiliateStats(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if verify == nil || !*verify {
		c.JSON(http.StatusOK, gin.H{"data": stats})
		return
	}

	affiliateID, err := parseSnowflakeID(id)
	if err != nil {
		AbortWithError(c, affiliatedomain.ErrInvalidID)
		return
	}
	drift, err := s.projector.Verify(c.Request.Context(), affiliateID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats, "drift": drift})
}

func (s *Server) ListAffiliateReferrals(c *gin.Context) {
	s.listReferrals(c, strings.TrimSpace(c.Param("id")))
}

func (s *Server) ListAffiliatePayouts(c *gin.Context) {
	s.listPayouts(c, strings.TrimSpace(c.Param("id")))
}

func (s *Server) SetAffiliateStatus(c *gin.Context) {
	var req setAffiliateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	affiliate, err := s.affiliateSvc.SetStatus(c.Request.Context(), affiliatedomain.SetStatusRequest{
		AffiliateID: strings.TrimSpace(c.Param("id")),
		Status:      affiliatedomain.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		ActorID:     c.GetString(contextOperatorIDKey),
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.view(affiliate)})
}

func (s *Server) UpdateAffiliateCommissionRate(c *gin.Context) {
	var req updateCommissionRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.CommissionRate == nil {
		AbortWithError(c, affiliatedomain.ErrInvalidCommissionRate)
		return
	}

	affiliate, err := s.affiliateSvc.UpdateCommissionRate(c.Request.Context(), affiliatedomain.UpdateCommissionRateRequest{
		AffiliateID: strings.TrimSpace(c.Param("id")),
		Rate:        *req.CommissionRate,
		ActorID:     c.GetString(contextOperatorIDKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.view(affiliate)})
}

func (s *Server) ResetAffiliateAccessCode(c *gin.Context) {
	code, err := s.affiliateSvc.ResetAccessCode(c.Request.Context(), strings.TrimSpace(c.Param("id")), c.GetString(contextOperatorIDKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"access_code": code}})
}

func (s *Server) RebuildAffiliateAggregates(c *gin.Context) {
	affiliateID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, affiliatedomain.ErrInvalidID)
		return
	}

	drift, err := s.projector.Rebuild(c.Request.Context(), affiliateID, c.GetString(contextOperatorIDKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": drift, "repaired": drift.HasDrift()})
}

func (s *Server) RequestPayout(c *gin.Context) {
	payout, err := s.payoutSvc.RequestPayout(c.Request.Context(), payoutdomain.RequestPayoutRequest{
		AffiliateID: strings.TrimSpace(c.Param("id")),
		ActorID:     c.GetString(contextOperatorIDKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": payout})
}

func (s *Server) AdvanceReferral(c *gin.Context) {
	var req advanceReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	referral, err := s.referralSvc.Advance(c.Request.Context(), referraldomain.AdvanceRequest{
		ReferralID: strings.TrimSpace(c.Param("id")),
		Status:     referraldomain.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		ActorType:  auditdomain.ActorTypeOperator,
		ActorID:    c.GetString(contextOperatorIDKey),
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": referral})
}

func (s *Server) GetPayout(c *gin.Context) {
	payout, err := s.payoutSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) MarkPayoutProcessing(c *gin.Context) {
	payout, err := s.payoutSvc.MarkProcessing(c.Request.Context(), strings.TrimSpace(c.Param("id")), c.GetString(contextOperatorIDKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) SettlePayout(c *gin.Context) {
	var req settlePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payout, err := s.payoutSvc.Settle(c.Request.Context(), payoutdomain.SettleRequest{
		PayoutID:      strings.TrimSpace(c.Param("id")),
		TransactionID: strings.TrimSpace(req.TransactionID),
		ActorID:       c.GetString(contextOperatorIDKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) FailPayout(c *gin.Context) {
	var req failPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payout, err := s.payoutSvc.Fail(c.Request.Context(), payoutdomain.FailRequest{
		PayoutID: strings.TrimSpace(c.Param("id")),
		Reason:   strings.TrimSpace(req.Reason),
		ActorID:  c.GetString(contextOperatorIDKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) GetProgramOverview(c *gin.Context) {
	overview, err := s.dashboardSvc.ProgramOverview(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": overview})
}
