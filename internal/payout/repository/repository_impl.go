package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate/internal/payout/domain"
	"gorm.io/gorm"
)

const payoutColumns = `id, affiliate_id, amount, currency, pix_key, status, transaction_id,
	failure_reason, requested_by, requested_at, processing_at, paid_at, failed_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) LockAffiliate(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	var id int64
	return db.WithContext(ctx).Raw(`SELECT id FROM affiliates WHERE id = ? FOR UPDATE`, affiliateID).Scan(&id).Error
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payout *domain.Payout) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payouts (`+payoutColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payout.ID,
		payout.AffiliateID,
		payout.Amount,
		payout.Currency,
		payout.PixKey,
		payout.Status,
		payout.TransactionID,
		payout.FailureReason,
		payout.RequestedBy,
		payout.RequestedAt,
		payout.ProcessingAt,
		payout.PaidAt,
		payout.FailedAt,
		payout.UpdatedAt,
	).Error
}

func (r *repo) InsertItems(ctx context.Context, db *gorm.DB, items []domain.Item) error {
	for _, item := range items {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO payout_items (payout_id, referral_id, amount) VALUES (?, ?, ?)`,
			item.PayoutID,
			item.ReferralID,
			item.Amount,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payout, error) {
	var payout domain.Payout
	err := db.WithContext(ctx).Raw(
		`SELECT `+payoutColumns+` FROM payouts WHERE id = ?`,
		id,
	).Scan(&payout).Error
	if err != nil {
		return nil, err
	}
	if payout.ID == 0 {
		return nil, nil
	}
	return &payout, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) ([]domain.Item, error) {
	var items []domain.Item
	err := db.WithContext(ctx).Raw(
		`SELECT payout_id, referral_id, amount FROM payout_items WHERE payout_id = ? ORDER BY referral_id ASC`,
		payoutID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListEligible(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) ([]domain.Eligible, error) {
	var rows []domain.Eligible
	err := db.WithContext(ctx).Raw(
		`SELECT r.id, r.commission_amount
		 FROM referrals r
		 WHERE r.affiliate_id = ?
		   AND r.status = 'confirmed'
		   AND NOT EXISTS (
			SELECT 1 FROM payout_items pi
			JOIN payouts p ON p.id = pi.payout_id
			WHERE pi.referral_id = r.id AND p.status IN ?
		   )
		 ORDER BY r.id ASC`,
		affiliateID,
		domain.OpenStatuses,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// timestampColumn names the column stamped when a payout enters status.
func timestampColumn(status domain.Status) string {
	switch status {
	case domain.StatusProcessing:
		return "processing_at"
	case domain.StatusPaid:
		return "paid_at"
	case domain.StatusFailed:
		return "failed_at"
	default:
		return ""
	}
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, transition domain.Transition) (int64, error) {
	set := `status = ?, updated_at = ?`
	args := []any{transition.To, transition.At}
	if column := timestampColumn(transition.To); column != "" {
		set += `, ` + column + ` = ?`
		args = append(args, transition.At)
	}
	if transition.TransactionID != nil {
		set += `, transaction_id = ?`
		args = append(args, *transition.TransactionID)
	}
	if transition.FailureReason != nil {
		set += `, failure_reason = ?`
		args = append(args, *transition.FailureReason)
	}
	args = append(args, id, transition.From)

	result := db.WithContext(ctx).Exec(
		`UPDATE payouts SET `+set+` WHERE id = ? AND status IN ?`,
		args...,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Payout, error) {
	var payouts []*domain.Payout
	stmt := db.WithContext(ctx).Model(&domain.Payout{})
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
	if err := stmt.Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}
