package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/affiliate/pkg/db/pagination"
)

type RequestPayoutRequest struct {
	AffiliateID string `json:"-"`
	ActorID     string `json:"-"`
}

type SettleRequest struct {
	PayoutID      string `json:"-"`
	TransactionID string `json:"transaction_id"`
	ActorID       string `json:"-"`
}

type FailRequest struct {
	PayoutID string `json:"-"`
	Reason   string `json:"reason"`
	ActorID  string `json:"-"`
}

type ListPayoutRequest struct {
	pagination.Pagination
	AffiliateID string `form:"-"`
	Status      string `form:"status"`
}

type ListPayoutResponse struct {
	pagination.PageInfo
	Payouts []Payout `json:"payouts"`
}

type Service interface {
	RequestPayout(ctx context.Context, req RequestPayoutRequest) (Payout, error)
	MarkProcessing(ctx context.Context, payoutID string, actorID string) (Payout, error)
	Settle(ctx context.Context, req SettleRequest) (Payout, error)
	Fail(ctx context.Context, req FailRequest) (Payout, error)
	GetByID(ctx context.Context, payoutID string) (Payout, error)
	ListByAffiliate(ctx context.Context, req ListPayoutRequest) (ListPayoutResponse, error)
}

var (
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
	ErrInvalidTransactionID = errors.New("invalid_transaction_id")
	ErrInvalidReason        = errors.New("invalid_reason")
	ErrAffiliateNotEligible = errors.New("affiliate_not_eligible")
	ErrMissingPixKey        = errors.New("missing_pix_key")
	ErrNothingToPay         = errors.New("nothing_to_pay")
	ErrBelowMinimum         = errors.New("below_minimum_payout")
	ErrPayoutInProgress     = errors.New("payout_in_progress")
	ErrInvalidTransition    = errors.New("invalid_payout_transition")
	ErrStalePayoutSet       = errors.New("stale_payout_set")
	ErrNotFound             = errors.New("payout_not_found")
)
