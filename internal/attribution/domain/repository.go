package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Backend persists attribution records. Implementations must make
// PutIfAbsent atomic: concurrent callers for one visitor see one winner.
type Backend interface {
	PutIfAbsent(ctx context.Context, record Record) (bool, error)
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, visitorID string) (*Record, error)
	Delete(ctx context.Context, visitorID string) error
}

type ClickRepository interface {
	// Insert reports false when the visitor already clicked for the affiliate.
	Insert(ctx context.Context, db *gorm.DB, click *Click) (bool, error)
	CountByAffiliate(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) (int64, error)
}
