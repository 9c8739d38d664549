package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/pkg/db/pagination"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

// ReasonMissingCode is reported when a sale arrives without any referral code.
const ReasonMissingCode = "missing_code"

type RecordSaleRequest struct {
	PaymentRef    string `json:"payment_ref"`
	AffiliateCode string `json:"affiliate_code"`
	CustomerEmail string `json:"customer_email"`
	SaleAmount    int64  `json:"sale_amount"`
	Currency      string `json:"currency"`
}

// RecordSaleResult is a soft outcome: skipped sales are not errors.
type RecordSaleResult struct {
	Outcome  Outcome   `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	Referral *Referral `json:"referral,omitempty"`
}

type AdvanceRequest struct {
	ReferralID string                `json:"-"`
	Status     Status                `json:"status"`
	ActorType  auditdomain.ActorType `json:"-"`
	ActorID    string                `json:"-"`
	Reason     string                `json:"reason,omitempty"`
}

type ListReferralRequest struct {
	pagination.Pagination
	AffiliateID string `form:"-"`
	Status      string `form:"status"`
}

type ListReferralResponse struct {
	pagination.PageInfo
	Referrals []Referral `json:"referrals"`
}

type Service interface {
	RecordSale(ctx context.Context, req RecordSaleRequest) (RecordSaleResult, error)
	Advance(ctx context.Context, req AdvanceRequest) (Referral, error)
	AdvanceByPaymentRef(ctx context.Context, paymentRef string, req AdvanceRequest) (Referral, error)
	GetByID(ctx context.Context, id string) (Referral, error)
	GetByPaymentRef(ctx context.Context, paymentRef string) (Referral, error)
	ListByAffiliate(ctx context.Context, req ListReferralRequest) (ListReferralResponse, error)

	// SettleInTx moves every referral from confirmed to paid inside the
	// caller's transaction and returns the settled commission. Any referral
	// that is no longer confirmed aborts with ErrStaleReferral.
	SettleInTx(ctx context.Context, tx *gorm.DB, affiliateID snowflake.ID, referralIDs []snowflake.ID, payoutID snowflake.ID) (int64, error)
}

var (
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidPaymentRef = errors.New("invalid_payment_ref")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidCurrency   = errors.New("invalid_currency")
	ErrInvalidStatus     = errors.New("invalid_status")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrStaleReferral     = errors.New("stale_referral")
	ErrNotFound          = errors.New("referral_not_found")
)
