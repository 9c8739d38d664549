package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// transitions is the complete ledger state machine. paid, cancelled and
// refunded are terminal.
var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusConfirmed: {},
		StatusCancelled: {},
		StatusRefunded:  {},
	},
	StatusConfirmed: {
		StatusPaid:      {},
		StatusCancelled: {},
		StatusRefunded:  {},
	},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPaid, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// Referral is one commission ledger entry. Everything except the status
// columns is written once at creation.
type Referral struct {
	ID               snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AffiliateID      snowflake.ID    `gorm:"not null;index" json:"affiliate_id"`
	PaymentRef       string          `gorm:"type:text;not null;uniqueIndex" json:"payment_ref"`
	CustomerEmail    *string         `gorm:"type:text" json:"customer_email,omitempty"`
	SaleAmount       int64           `gorm:"not null" json:"sale_amount"`
	Currency         string          `gorm:"type:text;not null" json:"currency"`
	CommissionRate   decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"commission_rate"`
	CommissionAmount int64           `gorm:"not null" json:"commission_amount"`
	Status           Status          `gorm:"type:text;not null" json:"status"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (Referral) TableName() string { return "referrals" }

// CommissionFor applies a percentage rate to an amount in minor units,
// rounding half away from zero.
func CommissionFor(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).
		Mul(rate).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

type ListFilter struct {
	AffiliateID snowflake.ID
	Status      Status
	AfterID     int64
	Limit       int
}
