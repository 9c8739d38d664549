package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome string, processedAt time.Time) error
	ListDeferred(ctx context.Context, db *gorm.DB, paymentRef string) ([]EventRecord, error)
	UpdateOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string) (bool, error)
}
