package domain

import (
	"context"
	"errors"
	"net/http"
)

type Service interface {
	CompleteSale(ctx context.Context, sale SaleCompleted) SaleOutcome
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (string, error)
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrWebhookNotConfigured  = errors.New("webhook_not_configured")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)
