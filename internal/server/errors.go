package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/authorization"
	checkoutdomain "github.com/smallbiznis/affiliate/internal/checkout/domain"
	dashboarddomain "github.com/smallbiznis/affiliate/internal/dashboard/domain"
	payoutdomain "github.com/smallbiznis/affiliate/internal/payout/domain"
	"github.com/smallbiznis/affiliate/internal/projection"
	referraldomain "github.com/smallbiznis/affiliate/internal/referral/domain"
	"github.com/smallbiznis/affiliate/internal/session"
	"github.com/smallbiznis/affiliate/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrTooManyRequests    = errors.New("too_many_requests")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

var validationSentinels = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,

	affiliatedomain.ErrInvalidID,
	affiliatedomain.ErrInvalidName,
	affiliatedomain.ErrInvalidEmail,
	affiliatedomain.ErrInvalidPixKey,
	affiliatedomain.ErrInvalidStatus,
	affiliatedomain.ErrInvalidCommissionRate,
	affiliatedomain.ErrInvalidPageToken,

	referraldomain.ErrInvalidID,
	referraldomain.ErrInvalidPaymentRef,
	referraldomain.ErrInvalidAmount,
	referraldomain.ErrInvalidCurrency,
	referraldomain.ErrInvalidStatus,
	referraldomain.ErrInvalidPageToken,

	payoutdomain.ErrInvalidID,
	payoutdomain.ErrInvalidStatus,
	payoutdomain.ErrInvalidPageToken,
	payoutdomain.ErrInvalidTransactionID,
	payoutdomain.ErrInvalidReason,

	checkoutdomain.ErrInvalidProvider,
	checkoutdomain.ErrInvalidPayload,
	checkoutdomain.ErrInvalidEvent,

	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidAction,

	dashboarddomain.ErrInvalidID,

	authorization.ErrInvalidActor,
	authorization.ErrInvalidObject,
	authorization.ErrInvalidAction,
}

var unauthorizedSentinels = []error{
	ErrUnauthorized,
	affiliatedomain.ErrInvalidCredentials,
	session.ErrInvalidToken,
	checkoutdomain.ErrInvalidSignature,
}

var forbiddenSentinels = []error{
	ErrForbidden,
	authorization.ErrForbidden,
}

var notFoundSentinels = []error{
	ErrNotFound,
	affiliatedomain.ErrNotFound,
	referraldomain.ErrNotFound,
	payoutdomain.ErrNotFound,
	dashboarddomain.ErrNotFound,
	projection.ErrAffiliateNotFound,
	gorm.ErrRecordNotFound,
}

// Conflicts are state races or illegal transitions; retrying the same
// request will not succeed until state changes.
var conflictSentinels = []error{
	ErrConflict,
	affiliatedomain.ErrDuplicateEmail,
	affiliatedomain.ErrNoOpTransition,
	affiliatedomain.ErrStatusConflict,
	referraldomain.ErrInvalidTransition,
	referraldomain.ErrStaleReferral,
	payoutdomain.ErrInvalidTransition,
	payoutdomain.ErrStalePayoutSet,
	payoutdomain.ErrPayoutInProgress,
}

var unprocessableSentinels = []error{
	payoutdomain.ErrAffiliateNotEligible,
	payoutdomain.ErrMissingPixKey,
	payoutdomain.ErrNothingToPay,
	payoutdomain.ErrBelowMinimum,
}

var unavailableSentinels = []error{
	ErrServiceUnavailable,
	session.ErrDisabled,
	checkoutdomain.ErrWebhookNotConfigured,
	affiliatedomain.ErrCodeExhausted,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if sentinel := matchSentinel(err, validationSentinels); sentinel != nil {
		code := sentinel.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	if sentinel := matchSentinel(err, unauthorizedSentinels); sentinel != nil {
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
			Code:    sentinel.Error(),
		}
	}
	if sentinel := matchSentinel(err, forbiddenSentinels); sentinel != nil {
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	}
	if sentinel := matchSentinel(err, notFoundSentinels); sentinel != nil {
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
			Code:    notFoundCode(sentinel),
		}
	}
	if sentinel := matchSentinel(err, conflictSentinels); sentinel != nil {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
			Code:    sentinel.Error(),
		}
	}
	if sentinel := matchSentinel(err, unprocessableSentinels); sentinel != nil {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable_entity",
			Message: "request cannot be fulfilled in the current state",
			Code:    sentinel.Error(),
		}
	}
	if errors.Is(err, ErrTooManyRequests) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "too many requests",
		}
	}
	if sentinel := matchSentinel(err, unavailableSentinels); sentinel != nil {
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
			Code:    sentinel.Error(),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog feeds the request logger a low-cardinality type/code pair.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func matchSentinel(err error, sentinels []error) error {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func notFoundCode(err error) string {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "not_found"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
