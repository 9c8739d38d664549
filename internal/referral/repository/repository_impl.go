package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate/internal/referral/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const referralColumns = `id, affiliate_id, payment_ref, customer_email, sale_amount, currency,
	commission_rate, commission_amount, status, confirmed_at, paid_at, cancelled_at,
	refunded_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, referral *domain.Referral) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_ref"}},
			DoNothing: true,
		}).
		Create(referral)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Referral, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByPaymentRef(ctx context.Context, db *gorm.DB, paymentRef string) (*domain.Referral, error) {
	return r.findOne(ctx, db, `payment_ref = ?`, paymentRef)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Referral, error) {
	var referral domain.Referral
	err := db.WithContext(ctx).Raw(
		`SELECT `+referralColumns+` FROM referrals WHERE `+where,
		arg,
	).Scan(&referral).Error
	if err != nil {
		return nil, err
	}
	if referral.ID == 0 {
		return nil, nil
	}
	return &referral, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]*domain.Referral, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var referrals []*domain.Referral
	err := db.WithContext(ctx).Raw(
		`SELECT `+referralColumns+` FROM referrals WHERE id IN ? ORDER BY id ASC`,
		ids,
	).Scan(&referrals).Error
	if err != nil {
		return nil, err
	}
	return referrals, nil
}

// timestampColumn names the column stamped when a referral enters status.
func timestampColumn(status domain.Status) string {
	switch status {
	case domain.StatusConfirmed:
		return "confirmed_at"
	case domain.StatusPaid:
		return "paid_at"
	case domain.StatusCancelled:
		return "cancelled_at"
	case domain.StatusRefunded:
		return "refunded_at"
	default:
		return ""
	}
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) (int64, error) {
	set := `status = ?, updated_at = ?`
	args := []any{to, at}
	if column := timestampColumn(to); column != "" {
		set += `, ` + column + ` = ?`
		args = append(args, at)
	}
	args = append(args, id, from)

	result := db.WithContext(ctx).Exec(
		`UPDATE referrals SET `+set+` WHERE id = ? AND status = ?`,
		args...,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Referral, error) {
	var referrals []*domain.Referral
	stmt := db.WithContext(ctx).Model(&domain.Referral{})
	if filter.AffiliateID != 0 {
		stmt = stmt.Where("affiliate_id = ?", filter.AffiliateID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AfterID > 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}
	if err := stmt.Find(&referrals).Error; err != nil {
		return nil, err
	}
	return referrals, nil
}
