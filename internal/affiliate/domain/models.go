package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusBlocked  Status = "blocked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusBlocked:
		return true
	}
	return false
}

// Affiliate is a partner account. The aggregate columns are a projection of
// the referral ledger and are only written by the projector.
type Affiliate struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	Code             string          `gorm:"type:text;not null;uniqueIndex" json:"code"`
	AccessCodeHash   string          `gorm:"type:text;not null" json:"-"`
	Name             string          `gorm:"type:text;not null" json:"name"`
	Email            string          `gorm:"type:text;not null;uniqueIndex" json:"email"`
	Phone            *string         `gorm:"type:text" json:"phone,omitempty"`
	PixKey           *string         `gorm:"type:text" json:"pix_key,omitempty"`
	CommissionRate   decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"commission_rate"`
	Status           Status          `gorm:"type:text;not null" json:"status"`
	TotalSales       int64           `gorm:"not null" json:"total_sales"`
	TotalEarnings    int64           `gorm:"not null" json:"total_earnings"`
	AvailableBalance int64           `gorm:"not null" json:"available_balance"`
	TotalPaid        int64           `gorm:"not null" json:"total_paid"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (Affiliate) TableName() string { return "affiliates" }

// CanAttribute reports whether sales may be credited to the affiliate.
func (a Affiliate) CanAttribute() bool {
	return a.Status == StatusApproved
}

type ListFilter struct {
	Status  Status
	Email   string
	AfterID int64
	Limit   int
}
