package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/affiliate/pkg/db/pagination"
)

type RegisterRequest struct {
	Name   string  `json:"name"`
	Email  string  `json:"email"`
	Phone  *string `json:"phone,omitempty"`
	PixKey *string `json:"pix_key,omitempty"`
}

// RegisterResult carries the plaintext access code exactly once.
type RegisterResult struct {
	Affiliate  Affiliate `json:"affiliate"`
	AccessCode string    `json:"access_code,omitempty"`
}

type SetStatusRequest struct {
	AffiliateID string `json:"-"`
	Status      Status `json:"status"`
	ActorID     string `json:"-"`
	Notes       string `json:"notes,omitempty"`
}

type UpdateCommissionRateRequest struct {
	AffiliateID string          `json:"-"`
	Rate        decimal.Decimal `json:"commission_rate"`
	ActorID     string          `json:"-"`
}

type ListAffiliateRequest struct {
	pagination.Pagination
	Status string `form:"status"`
	Email  string `form:"email"`
}

type ListAffiliateResponse struct {
	pagination.PageInfo
	Affiliates []Affiliate `json:"affiliates"`
}

// Reasons a referral code cannot attribute a sale.
const (
	ReasonMalformedCode     = "malformed_code"
	ReasonUnknownCode       = "unknown_code"
	ReasonAffiliatePending  = "affiliate_pending"
	ReasonAffiliateRejected = "affiliate_rejected"
	ReasonAffiliateBlocked  = "affiliate_blocked"
)

type CodeValidation struct {
	Valid     bool
	Reason    string
	Affiliate *Affiliate
}

type Service interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResult, error)
	SetStatus(ctx context.Context, req SetStatusRequest) (Affiliate, error)
	ValidateCode(ctx context.Context, code string) (CodeValidation, error)
	Authenticate(ctx context.Context, email, accessCode string) (Affiliate, error)

	GetByID(ctx context.Context, id string) (Affiliate, error)
	GetByCode(ctx context.Context, code string) (Affiliate, error)
	List(ctx context.Context, req ListAffiliateRequest) (ListAffiliateResponse, error)
	UpdateCommissionRate(ctx context.Context, req UpdateCommissionRateRequest) (Affiliate, error)
	UpdatePixKey(ctx context.Context, id string, pixKey string) (Affiliate, error)
	ResetAccessCode(ctx context.Context, id string, actorID string) (string, error)
	ShareLink(affiliate Affiliate) string
}

var (
	ErrInvalidID             = errors.New("invalid_id")
	ErrInvalidName           = errors.New("invalid_name")
	ErrInvalidEmail          = errors.New("invalid_email")
	ErrInvalidPixKey         = errors.New("invalid_pix_key")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrInvalidCommissionRate = errors.New("invalid_commission_rate")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
	ErrDuplicateEmail        = errors.New("duplicate_email")
	ErrNoOpTransition        = errors.New("noop_transition")
	ErrStatusConflict        = errors.New("status_conflict")
	ErrInvalidCredentials    = errors.New("invalid_credentials")
	ErrCodeExhausted         = errors.New("code_generation_exhausted")
	ErrNotFound              = errors.New("affiliate_not_found")
)
