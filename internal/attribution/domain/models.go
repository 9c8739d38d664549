package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Policy string

const (
	// PolicyFirstTouch keeps the first code captured for a visitor until cleared.
	PolicyFirstTouch Policy = "first_touch"
	// PolicyLastTouch lets every capture overwrite the stored code.
	PolicyLastTouch Policy = "last_touch"
)

func ParsePolicy(value string) Policy {
	if Policy(value) == PolicyLastTouch {
		return PolicyLastTouch
	}
	return PolicyFirstTouch
}

// Record is the referral code remembered for one visitor.
type Record struct {
	VisitorID    string    `gorm:"primaryKey;type:text" json:"visitor_id"`
	ReferralCode string    `gorm:"type:text;not null" json:"referral_code"`
	CapturedAt   time.Time `gorm:"not null" json:"captured_at"`
}

func (Record) TableName() string { return "visitor_attributions" }

// Click is one row of the append-only click log, at most one per
// (affiliate, visitor). Client identifiers are stored hashed.
type Click struct {
	ID            snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AffiliateID   snowflake.ID `gorm:"not null" json:"affiliate_id"`
	VisitorID     string       `gorm:"type:text;not null" json:"visitor_id"`
	IPHash        *string      `gorm:"type:text" json:"-"`
	UserAgentHash *string      `gorm:"type:text" json:"-"`
	Referrer      *string      `gorm:"type:text" json:"referrer,omitempty"`
	LandingPath   *string      `gorm:"type:text" json:"landing_path,omitempty"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

func (Click) TableName() string { return "affiliate_clicks" }
