package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, affiliate *Affiliate) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Affiliate, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Affiliate, error)
	FindByEmail(ctx context.Context, db *gorm.DB, email string) (*Affiliate, error)
	CodeExists(ctx context.Context, db *gorm.DB, code string) (bool, error)
	// UpdateStatus only applies when the stored status still equals from.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, approvedAt *time.Time, now time.Time) (int64, error)
	UpdateCommissionRate(ctx context.Context, db *gorm.DB, id snowflake.ID, rate decimal.Decimal, now time.Time) error
	UpdateAccessCodeHash(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, now time.Time) error
	UpdatePixKey(ctx context.Context, db *gorm.DB, id snowflake.ID, pixKey *string, now time.Time) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Affiliate, error)
	// ListIDs walks affiliates in ascending id order.
	ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
