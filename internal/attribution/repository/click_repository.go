package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate/internal/attribution/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type clickRepo struct{}

func ProvideClickRepository() domain.ClickRepository {
	return &clickRepo{}
}

func (r *clickRepo) Insert(ctx context.Context, db *gorm.DB, click *domain.Click) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "affiliate_id"}, {Name: "visitor_id"}},
			DoNothing: true,
		}).
		Create(click)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *clickRepo) CountByAffiliate(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM affiliate_clicks WHERE affiliate_id = ?`,
		affiliateID,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
