package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/affiliate/internal/checkout/domain"
	"github.com/smallbiznis/affiliate/internal/checkout/signature"
	"go.uber.org/zap"
)

const maxCheckoutBody = 1 << 20

// CompleteCheckout is the synchronous sale hook called by the storefront
// backend. It carries the same signature as webhooks; the outcome is always
// reported with 200 so a checkout is never blocked by attribution.
func (s *Server) CompleteCheckout(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCheckoutBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	secret := strings.TrimSpace(s.cfg.CheckoutWebhookSecret)
	if secret == "" {
		AbortWithError(c, checkoutdomain.ErrWebhookNotConfigured)
		return
	}
	if err := signature.Verify(secret, c.Request.Header, payload, s.clock.Now(), s.cfg.CheckoutWebhookSkew); err != nil {
		s.log.Warn("checkout completion rejected", zap.Error(err))
		AbortWithError(c, checkoutdomain.ErrInvalidSignature)
		return
	}

	var sale checkoutdomain.SaleCompleted
	if err := json.Unmarshal(payload, &sale); err != nil {
		AbortWithError(c, checkoutdomain.ErrInvalidPayload)
		return
	}
	if strings.TrimSpace(sale.VisitorID) == "" {
		sale.VisitorID = s.visitorFromCookie(c)
	}

	outcome := s.checkoutSvc.CompleteSale(c.Request.Context(), sale)
	if outcome.Code != "" {
		c.Set(contextReferralKey, outcome.Code)
	}
	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

func (s *Server) HandleCheckoutWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCheckoutBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.checkoutSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, checkoutdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": "already_processed"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}
