package domain

import (
	"context"
	"errors"
)

// CommissionTotals sums commission amounts per referral status.
type CommissionTotals struct {
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Paid      int64 `json:"paid"`
	Cancelled int64 `json:"cancelled"`
	Refunded  int64 `json:"refunded"`
}

type AffiliateStats struct {
	AffiliateID       string           `json:"affiliate_id"`
	Code              string           `json:"code"`
	Clicks            int64            `json:"clicks"`
	Referrals         int64            `json:"referrals"`
	ConversionRate    float64          `json:"conversion_rate"`
	ReferralsByStatus map[string]int64 `json:"referrals_by_status"`
	Commissions       CommissionTotals `json:"commissions"`
	ReservedForPayout int64            `json:"reserved_for_payout"`

	TotalSales       int64 `json:"total_sales"`
	TotalEarnings    int64 `json:"total_earnings"`
	AvailableBalance int64 `json:"available_balance"`
	TotalPaid        int64 `json:"total_paid"`
}

type ProgramOverview struct {
	Currency            string           `json:"currency"`
	AffiliatesByStatus  map[string]int64 `json:"affiliates_by_status"`
	ReferralsByStatus   map[string]int64 `json:"referrals_by_status"`
	CommissionsByStatus CommissionTotals `json:"commissions_by_status"`
	SaleVolume          int64            `json:"sale_volume"`
	Clicks              int64            `json:"clicks"`
	ConversionRate      float64          `json:"conversion_rate"`
	OpenPayouts         int64            `json:"open_payouts"`
	OpenPayoutAmount    int64            `json:"open_payout_amount"`
}

type Service interface {
	AffiliateStats(ctx context.Context, affiliateID string) (AffiliateStats, error)
	ProgramOverview(ctx context.Context) (ProgramOverview, error)
}

var (
	ErrInvalidID = errors.New("invalid_id")
	ErrNotFound  = errors.New("affiliate_not_found")
)
