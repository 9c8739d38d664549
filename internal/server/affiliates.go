package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	payoutdomain "github.com/smallbiznis/affiliate/internal/payout/domain"
	referraldomain "github.com/smallbiznis/affiliate/internal/referral/domain"
	"go.uber.org/zap"
)

type registerAffiliateRequest struct {
	Name   string  `json:"name"`
	Email  string  `json:"email"`
	Phone  *string `json:"phone"`
	PixKey *string `json:"pix_key"`
}

type loginAffiliateRequest struct {
	Email      string `json:"email"`
	AccessCode string `json:"access_code"`
}

type updatePixKeyRequest struct {
	PixKey string `json:"pix_key"`
}

type affiliateView struct {
	affiliatedomain.Affiliate
	ShareLink string `json:"share_link"`
}

func (s *Server) view(affiliate affiliatedomain.Affiliate) affiliateView {
	return affiliateView{Affiliate: affiliate, ShareLink: s.affiliateSvc.ShareLink(affiliate)}
}

// RegisterAffiliate is public; the access code is shown exactly once.
func (s *Server) RegisterAffiliate(c *gin.Context) {
	var req registerAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.affiliateSvc.Register(c.Request.Context(), affiliatedomain.RegisterRequest{
		Name:   strings.TrimSpace(req.Name),
		Email:  strings.TrimSpace(req.Email),
		Phone:  req.Phone,
		PixKey: req.PixKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"affiliate":   s.view(result.Affiliate),
		"access_code": result.AccessCode,
	}})
}

func (s *Server) LoginAffiliate(c *gin.Context) {
	var req loginAffiliateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || strings.TrimSpace(req.AccessCode) == "" {
		AbortWithError(c, affiliatedomain.ErrInvalidCredentials)
		return
	}

	if !s.sessions.Enabled() {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	limit, err := s.limiter.AllowLogin(c.Request.Context(), email)
	if err != nil {
		// fail open
		s.log.Warn("login rate limit check failed", zap.Error(err))
	} else if !limit.Allowed {
		if limit.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(limit.RetryAfter.Seconds())+1))
		}
		AbortWithError(c, ErrTooManyRequests)
		return
	}

	affiliate, err := s.affiliateSvc.Authenticate(c.Request.Context(), email, req.AccessCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	token, claims, err := s.sessions.Issue(affiliate.ID, affiliate.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	maxAge := int(claims.ExpiresAt.Sub(s.clock.Now()).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(affiliateSessionCookie, token, maxAge, "/", "", s.cfg.Attribution.CookieSecure, true)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"token":      token,
		"expires_at": claims.ExpiresAt,
		"affiliate":  s.view(affiliate),
	}})
}

func (s *Server) GetMe(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	affiliate, err := s.affiliateSvc.GetByID(c.Request.Context(), claims.AffiliateID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.view(affiliate)})
}

func (s *Server) UpdateMyPixKey(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req updatePixKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	affiliate, err := s.affiliateSvc.UpdatePixKey(c.Request.Context(), claims.AffiliateID.String(), req.PixKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.view(affiliate)})
}

func (s *Server) ListMyReferrals(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	s.listReferrals(c, claims.AffiliateID.String())
}

func (s *Server) ListMyPayouts(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	s.listPayouts(c, claims.AffiliateID.String())
}

func (s *Server) GetMyStats(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	stats, err := s.dashboardSvc.AffiliateStats(c.Request.Context(), claims.AffiliateID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) GetMyLink(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	affiliate, err := s.affiliateSvc.GetByID(c.Request.Context(), claims.AffiliateID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"code":       affiliate.Code,
		"share_link": s.affiliateSvc.ShareLink(affiliate),
	}})
}

func (s *Server) listReferrals(c *gin.Context, affiliateID string) {
	var req referraldomain.ListReferralRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.AffiliateID = affiliateID
	req.Status = strings.TrimSpace(req.Status)

	resp, err := s.referralSvc.ListByAffiliate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Referrals, "page_info": resp.PageInfo})
}

func (s *Server) listPayouts(c *gin.Context, affiliateID string) {
	var req payoutdomain.ListPayoutRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.AffiliateID = affiliateID
	req.Status = strings.TrimSpace(req.Status)

	resp, err := s.payoutSvc.ListByAffiliate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Payouts, "page_info": resp.PageInfo})
}
