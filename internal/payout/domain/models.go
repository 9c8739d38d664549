package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusFailed:
		return true
	}
	return false
}

// Open payouts still reserve their referrals.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusProcessing
}

// OpenStatuses lists the statuses that hold referrals out of new requests.
var OpenStatuses = []Status{StatusPending, StatusProcessing}

type Payout struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	AffiliateID   snowflake.ID `gorm:"not null;index" json:"affiliate_id"`
	Amount        int64        `gorm:"not null" json:"amount"`
	Currency      string       `gorm:"type:text;not null" json:"currency"`
	PixKey        string       `gorm:"type:text;not null" json:"pix_key"`
	Status        Status       `gorm:"type:text;not null" json:"status"`
	TransactionID *string      `gorm:"type:text" json:"transaction_id,omitempty"`
	FailureReason *string      `gorm:"type:text" json:"failure_reason,omitempty"`
	RequestedBy   *string      `gorm:"type:text" json:"requested_by,omitempty"`
	RequestedAt   time.Time    `gorm:"not null" json:"requested_at"`
	ProcessingAt  *time.Time   `json:"processing_at,omitempty"`
	PaidAt        *time.Time   `json:"paid_at,omitempty"`
	FailedAt      *time.Time   `json:"failed_at,omitempty"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`

	Items []Item `gorm:"-" json:"items,omitempty"`
}

func (Payout) TableName() string { return "payouts" }

// Item pins one referral's commission to a payout.
type Item struct {
	PayoutID   snowflake.ID `gorm:"primaryKey" json:"payout_id"`
	ReferralID snowflake.ID `gorm:"primaryKey" json:"referral_id"`
	Amount     int64        `gorm:"not null" json:"amount"`
}

func (Item) TableName() string { return "payout_items" }

// Eligible is a confirmed referral not reserved by an open payout.
type Eligible struct {
	ID               snowflake.ID
	CommissionAmount int64
}

// Transition describes a payout status change. Only the timestamp matching
// the target status and the optional text fields are written.
type Transition struct {
	From          []Status
	To            Status
	At            time.Time
	TransactionID *string
	FailureReason *string
}

type ListFilter struct {
	AffiliateID snowflake.ID
	Status      Status
	AfterID     int64
	Limit       int
}
