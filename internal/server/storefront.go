package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

type captureAttributionRequest struct {
	Code string `json:"code"`
}

// Landing reports the visitor's current attribution; TrackReferral has
// already captured any ?ref= on the way in.
func (s *Server) Landing(c *gin.Context) {
	visitorID := c.GetString(contextVisitorIDKey)
	record, ok := s.attributionSvc.Get(c.Request.Context(), visitorID)

	resp := gin.H{"visitor_id": visitorID, "attributed": ok}
	if ok {
		resp["referral_code"] = record.ReferralCode
		resp["captured_at"] = record.CapturedAt
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ReferralRedirect resolves a share link and sends the visitor to the
// storefront with the code preserved for client-side checkout.
func (s *Server) ReferralRedirect(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	target := s.cfg.SiteURL
	if target == "" {
		target = "/"
	}
	if code != "" {
		if parsed, err := url.Parse(target); err == nil {
			query := parsed.Query()
			query.Set(s.queryParam(), code)
			parsed.RawQuery = query.Encode()
			target = parsed.String()
		}
	}
	c.Redirect(http.StatusFound, target)
}

func (s *Server) GetAttribution(c *gin.Context) {
	visitorID := c.GetString(contextVisitorIDKey)
	record, ok := s.attributionSvc.Get(c.Request.Context(), visitorID)
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) CaptureAttribution(c *gin.Context) {
	var req captureAttributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		AbortWithError(c, newValidationError("code", "invalid_code", "code is required"))
		return
	}

	s.track(c, code)
	visitorID := c.GetString(contextVisitorIDKey)
	record, ok := s.attributionSvc.Get(c.Request.Context(), visitorID)

	resp := gin.H{"visitor_id": visitorID, "attributed": ok, "policy": s.attributionSvc.Policy()}
	if ok {
		resp["referral_code"] = record.ReferralCode
		resp["captured_at"] = record.CapturedAt
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ClearAttribution(c *gin.Context) {
	s.attributionSvc.Clear(c.Request.Context(), c.GetString(contextVisitorIDKey))
	c.Status(http.StatusNoContent)
}
