package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// LockAffiliate serialises payout requests of one affiliate for the
	// lifetime of the transaction on databases with row locks.
	LockAffiliate(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) error
	Insert(ctx context.Context, db *gorm.DB, payout *Payout) error
	InsertItems(ctx context.Context, db *gorm.DB, items []Item) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payout, error)
	ListItems(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) ([]Item, error)
	// ListEligible returns confirmed referrals of the affiliate that no open
	// payout references, oldest first.
	ListEligible(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) ([]Eligible, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, transition Transition) (int64, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Payout, error)
}
