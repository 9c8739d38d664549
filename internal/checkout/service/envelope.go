package service

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/affiliate/internal/checkout/domain"
)

// envelope is the provider-neutral webhook body:
//
//	{"id": "evt_1", "type": "sale.completed", "created": 1760000000, "data": {...}}
type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type paymentData struct {
	PaymentRef string `json:"payment_ref"`
	Reason     string `json:"reason"`
}

func parseEvent(provider string, payload []byte, now time.Time) (*domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	env.ID = strings.TrimSpace(env.ID)
	if env.ID == "" || len(env.Data) == 0 {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.Event{
		Provider:        provider,
		ProviderEventID: env.ID,
		Type:            strings.ToLower(strings.TrimSpace(env.Type)),
		OccurredAt:      now,
		RawPayload:      payload,
	}
	if env.Created > 0 {
		event.OccurredAt = time.Unix(env.Created, 0).UTC()
	}

	switch event.Type {
	case domain.EventTypeSaleCompleted:
		if err := json.Unmarshal(env.Data, &event.Sale); err != nil {
			return nil, domain.ErrInvalidPayload
		}
	case domain.EventTypePaymentConfirmed, domain.EventTypePaymentRefunded, domain.EventTypePaymentCancelled:
		var data paymentData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		event.Sale.PaymentRef = data.PaymentRef
		event.Reason = strings.TrimSpace(data.Reason)
	default:
		return nil, domain.ErrEventIgnored
	}

	event.Sale.PaymentRef = strings.TrimSpace(event.Sale.PaymentRef)
	if event.Sale.PaymentRef == "" {
		return nil, domain.ErrInvalidEvent
	}
	return event, nil
}
