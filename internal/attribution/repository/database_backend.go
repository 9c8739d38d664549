package repository

import (
	"context"

	"github.com/smallbiznis/affiliate/internal/attribution/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseBackend stores attributions in visitor_attributions. The primary
// key on visitor_id makes PutIfAbsent a single atomic insert.
type DatabaseBackend struct {
	db *gorm.DB
}

func NewDatabaseBackend(db *gorm.DB) *DatabaseBackend {
	return &DatabaseBackend{db: db}
}

func (b *DatabaseBackend) PutIfAbsent(ctx context.Context, record domain.Record) (bool, error) {
	result := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "visitor_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (b *DatabaseBackend) Put(ctx context.Context, record domain.Record) error {
	return b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "visitor_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"referral_code", "captured_at"}),
		}).
		Create(&record).Error
}

func (b *DatabaseBackend) Get(ctx context.Context, visitorID string) (*domain.Record, error) {
	var record domain.Record
	err := b.db.WithContext(ctx).Raw(
		`SELECT visitor_id, referral_code, captured_at
		 FROM visitor_attributions WHERE visitor_id = ?`,
		visitorID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.VisitorID == "" {
		return nil, nil
	}
	return &record, nil
}

func (b *DatabaseBackend) Delete(ctx context.Context, visitorID string) error {
	return b.db.WithContext(ctx).Exec(
		`DELETE FROM visitor_attributions WHERE visitor_id = ?`,
		visitorID,
	).Error
}

var _ domain.Backend = (*DatabaseBackend)(nil)
