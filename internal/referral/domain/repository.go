package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIfAbsent reports false when a referral already holds the payment ref.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, referral *Referral) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Referral, error)
	FindByPaymentRef(ctx context.Context, db *gorm.DB, paymentRef string) (*Referral, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*Referral, error)
	// UpdateStatus only applies when the stored status still equals from.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) (int64, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Referral, error)
}
