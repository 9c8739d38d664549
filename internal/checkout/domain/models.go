package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is a received webhook delivery, unique per provider event.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	PaymentRef      *string        `json:"payment_ref,omitempty" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Outcome         *string        `json:"outcome,omitempty" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "checkout_events" }

const (
	EventTypeSaleCompleted    = "sale.completed"
	EventTypePaymentConfirmed = "payment.confirmed"
	EventTypePaymentRefunded  = "payment.refunded"
	EventTypePaymentCancelled = "payment.cancelled"
)

// Event is the canonical checkout event parsed from a webhook envelope.
type Event struct {
	Provider        string
	ProviderEventID string
	Type            string
	OccurredAt      time.Time
	Sale            SaleCompleted
	Reason          string
	RawPayload      []byte
}

// SaleCompleted is what the storefront knows when a payment succeeds.
// AffiliateCode wins over the visitor's stored attribution.
type SaleCompleted struct {
	PaymentRef    string `json:"payment_ref"`
	VisitorID     string `json:"visitor_id,omitempty"`
	AffiliateCode string `json:"affiliate_code,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
}

// Outcomes recorded on processed events and returned to callers.
const (
	OutcomeCreated        = "created"
	OutcomeDuplicate      = "duplicate"
	OutcomeSkipped        = "skipped"
	OutcomeFailed         = "failed"
	OutcomeApplied        = "applied"
	OutcomeUnknownPayment = "unknown_payment"
	OutcomeIllegalChange  = "illegal_transition"
)

// SaleOutcome reports what happened to a completed sale. It never carries
// an error: checkout succeeds regardless of attribution.
type SaleOutcome struct {
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	ReferralID string `json:"referral_id,omitempty"`
	Code       string `json:"affiliate_code,omitempty"`
}
