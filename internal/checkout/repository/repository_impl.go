package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate/internal/checkout/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const eventColumns = `id, provider, provider_event_id, event_type, payment_ref, payload, outcome, received_at, processed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var event domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM checkout_events
		 WHERE provider = ? AND provider_event_id = ?`,
		provider,
		providerEventID,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE checkout_events SET outcome = ?, processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		outcome,
		processedAt,
		id,
	).Error
}

// ListDeferred returns processed payment events for paymentRef that found no
// referral at the time, oldest first.
func (r *repo) ListDeferred(ctx context.Context, db *gorm.DB, paymentRef string) ([]domain.EventRecord, error) {
	var events []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM checkout_events
		 WHERE payment_ref = ? AND outcome = ? AND event_type <> ?
		 ORDER BY received_at ASC, id ASC`,
		paymentRef,
		domain.OutcomeUnknownPayment,
		domain.EventTypeSaleCompleted,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE checkout_events SET outcome = ? WHERE id = ? AND outcome = ?`,
		to,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
