package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	attributiondomain "github.com/smallbiznis/affiliate/internal/attribution/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/auditcontext"
	obscontext "github.com/smallbiznis/affiliate/internal/observability/context"
	"github.com/smallbiznis/affiliate/internal/session"
)

const (
	contextVisitorIDKey   = "visitor_id"
	contextReferralKey    = "referral_code"
	contextAffiliateIDKey = "affiliate_id"
	contextOperatorIDKey  = "operator_id"
	contextClaimsKey      = "affiliate_claims"

	affiliateSessionCookie = "aff_session"
	maxVisitorIDLength     = 128
)

// VisitorRequired resolves the anonymous visitor id from its cookie, minting
// a new one when absent or unusable.
func (s *Server) VisitorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		visitorID := s.visitorFromCookie(c)
		if visitorID == "" {
			visitorID = uuid.NewString()
			s.setVisitorCookie(c, visitorID)
		}
		c.Set(contextVisitorIDKey, visitorID)
		c.Next()
	}
}

// TrackReferral captures ?ref= on storefront requests. Attribution failures
// never interrupt navigation.
func (s *Server) TrackReferral() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.TrimSpace(c.Query(s.queryParam()))
		if code == "" {
			code = strings.TrimSpace(c.Param("code"))
		}
		if code != "" {
			s.track(c, code)
		}
		c.Next()
	}
}

func (s *Server) track(c *gin.Context, code string) {
	s.attributionSvc.Track(c.Request.Context(), attributiondomain.Visit{
		VisitorID:   c.GetString(contextVisitorIDKey),
		Code:        code,
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Referrer:    c.Request.Referer(),
		LandingPath: c.Request.URL.Path,
	})
	c.Set(contextReferralKey, code)
}

func (s *Server) visitorFromCookie(c *gin.Context) string {
	raw, err := c.Cookie(s.visitorCookieName())
	if err != nil {
		return ""
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxVisitorIDLength {
		return ""
	}
	return raw
}

func (s *Server) setVisitorCookie(c *gin.Context, visitorID string) {
	maxAge := int(s.cfg.Attribution.CookieMaxAge.Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.visitorCookieName(), visitorID, maxAge, "/", "", s.cfg.Attribution.CookieSecure, true)
}

func (s *Server) visitorCookieName() string {
	if name := strings.TrimSpace(s.cfg.Attribution.VisitorCookie); name != "" {
		return name
	}
	return "aff_vid"
}

func (s *Server) queryParam() string {
	if name := strings.TrimSpace(s.cfg.Attribution.QueryParam); name != "" {
		return name
	}
	return "ref"
}

// OperatorRequired authenticates admin callers by static bearer token.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		operatorID, ok := s.cfg.OperatorTokens[token]
		if !ok || strings.TrimSpace(operatorID) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextOperatorIDKey, operatorID)
		ctx := c.Request.Context()
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeOperator), operatorID)
		ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeOperator), operatorID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID := c.GetString(contextOperatorIDKey)
		if operatorID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), operatorID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// AffiliateRequired accepts the dashboard session from the Authorization
// header or the session cookie.
func (s *Server) AffiliateRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			if cookie, err := c.Cookie(affiliateSessionCookie); err == nil {
				raw = strings.TrimSpace(cookie)
			}
		}
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims, err := s.sessions.Parse(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		affiliateID := claims.AffiliateID.String()
		c.Set(contextClaimsKey, claims)
		c.Set(contextAffiliateIDKey, claims.AffiliateID.Int64())
		ctx := c.Request.Context()
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeAffiliate), affiliateID)
		ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeAffiliate), affiliateID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func claimsFromContext(c *gin.Context) (session.Claims, bool) {
	value, ok := c.Get(contextClaimsKey)
	if !ok {
		return session.Claims{}, false
	}
	claims, ok := value.(session.Claims)
	return claims, ok
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
