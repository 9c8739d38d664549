package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/affiliate/internal/affiliate/domain"
	"gorm.io/gorm"
)

const affiliateColumns = `id, code, access_code_hash, name, email, phone, pix_key, commission_rate,
	status, total_sales, total_earnings, available_balance, total_paid,
	approved_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, affiliate *domain.Affiliate) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO affiliates (`+affiliateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		affiliate.ID,
		affiliate.Code,
		affiliate.AccessCodeHash,
		affiliate.Name,
		affiliate.Email,
		affiliate.Phone,
		affiliate.PixKey,
		affiliate.CommissionRate,
		affiliate.Status,
		affiliate.TotalSales,
		affiliate.TotalEarnings,
		affiliate.AvailableBalance,
		affiliate.TotalPaid,
		affiliate.ApprovedAt,
		affiliate.CreatedAt,
		affiliate.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Affiliate, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Affiliate, error) {
	return r.findOne(ctx, db, `code = ?`, code)
}

func (r *repo) FindByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Affiliate, error) {
	return r.findOne(ctx, db, `email = ?`, email)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Affiliate, error) {
	var affiliate domain.Affiliate
	err := db.WithContext(ctx).Raw(
		`SELECT `+affiliateColumns+` FROM affiliates WHERE `+where,
		arg,
	).Scan(&affiliate).Error
	if err != nil {
		return nil, err
	}
	if affiliate.ID == 0 {
		return nil, nil
	}
	return &affiliate, nil
}

func (r *repo) CodeExists(ctx context.Context, db *gorm.DB, code string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM affiliates WHERE code = ?`,
		code,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, approvedAt *time.Time, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE affiliates
		 SET status = ?, approved_at = COALESCE(?, approved_at), updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		approvedAt,
		now,
		id,
		from,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) UpdateCommissionRate(ctx context.Context, db *gorm.DB, id snowflake.ID, rate decimal.Decimal, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE affiliates SET commission_rate = ?, updated_at = ? WHERE id = ?`,
		rate,
		now,
		id,
	).Error
}

func (r *repo) UpdateAccessCodeHash(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE affiliates SET access_code_hash = ?, updated_at = ? WHERE id = ?`,
		hash,
		now,
		id,
	).Error
}

func (r *repo) UpdatePixKey(ctx context.Context, db *gorm.DB, id snowflake.ID, pixKey *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE affiliates SET pix_key = ?, updated_at = ? WHERE id = ?`,
		pixKey,
		now,
		id,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Affiliate, error) {
	var affiliates []*domain.Affiliate
	stmt := db.WithContext(ctx).Model(&domain.Affiliate{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Email != "" {
		stmt = stmt.Where("email = ?", filter.Email)
	}
	if filter.AfterID > 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&affiliates).Error; err != nil {
		return nil, err
	}
	return affiliates, nil
}

func (r *repo) ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM affiliates WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
