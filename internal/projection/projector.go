package projection

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/observability/logger"
	"github.com/smallbiznis/affiliate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrAffiliateNotFound = errors.New("affiliate_not_found")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Audit   auditdomain.Service `optional:"true"`
	Metrics *metrics.Metrics    `optional:"true"`
	Clock   clock.Clock         `optional:"true"`
}

// Projector maintains the affiliate aggregate columns as an incrementally
// updated projection of the referrals table.
type Projector struct {
	db      *gorm.DB
	log     *zap.Logger
	audit   auditdomain.Service
	metrics *metrics.Metrics
	clock   clock.Clock
}

func New(p Params) *Projector {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Projector{
		db:      p.DB,
		log:     p.Log.Named("projection.service"),
		audit:   p.Audit,
		metrics: p.Metrics,
		clock:   clk,
	}
}

// Apply adds delta to the affiliate's aggregates in one UPDATE so concurrent
// confirmations never lose increments. It must run inside the transaction
// that changed the ledger.
func (p *Projector) Apply(ctx context.Context, tx *gorm.DB, affiliateID snowflake.ID, delta Delta) error {
	if delta.IsZero() {
		return nil
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE affiliates
		 SET total_sales = total_sales + ?,
		     total_earnings = total_earnings + ?,
		     available_balance = available_balance + ?,
		     total_paid = total_paid + ?,
		     updated_at = ?
		 WHERE id = ?`,
		delta.Sales,
		delta.Earnings,
		delta.Balance,
		delta.Paid,
		p.clock.Now(),
		affiliateID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAffiliateNotFound
	}

	if delta.Balance < 0 {
		if err := p.clampNegative(ctx, tx, affiliateID, "available_balance", delta); err != nil {
			return err
		}
	}
	if delta.Earnings < 0 {
		if err := p.clampNegative(ctx, tx, affiliateID, "total_earnings", delta); err != nil {
			return err
		}
	}
	return nil
}

// clampNegative is the last-resort floor at zero. Reaching it means the
// ledger and the projection disagree, so it is always reported.
func (p *Projector) clampNegative(ctx context.Context, tx *gorm.DB, affiliateID snowflake.ID, column string, delta Delta) error {
	var value int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT `+column+` FROM affiliates WHERE id = ?`,
		affiliateID,
	).Scan(&value).Error; err != nil {
		return err
	}
	if value >= 0 {
		return nil
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE affiliates SET `+column+` = 0 WHERE id = ?`,
		affiliateID,
	).Error; err != nil {
		return err
	}

	reason := "negative_" + column
	logger.WithAffiliate(logger.WithContext(ctx, p.log), affiliateID.Int64()).Error("ledger inconsistency: aggregate clamped to zero",
		zap.String("column", column),
		zap.Int64("value", value),
		zap.Int64("delta_balance", delta.Balance),
		zap.Int64("delta_earnings", delta.Earnings),
	)
	p.metrics.RecordInconsistency(ctx, reason)

	if p.audit == nil {
		return nil
	}
	return p.audit.Record(ctx, tx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeSystem,
		Action:     "ledger.inconsistency",
		TargetType: "affiliate",
		TargetID:   affiliateID.String(),
		Metadata: map[string]any{
			"reason":         reason,
			"column":         column,
			"value":          value,
			"delta_balance":  delta.Balance,
			"delta_earnings": delta.Earnings,
		},
	})
}

// Expected recomputes the aggregates from the referral ledger.
func (p *Projector) Expected(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID) (Totals, error) {
	var totals Totals
	err := db.WithContext(ctx).Raw(
		`SELECT
			COUNT(1) AS total_sales,
			CAST(COALESCE(SUM(CASE WHEN status IN ('confirmed', 'paid') THEN commission_amount ELSE 0 END), 0) AS BIGINT) AS total_earnings,
			CAST(COALESCE(SUM(CASE WHEN status = 'confirmed' THEN commission_amount ELSE 0 END), 0) AS BIGINT) AS available_balance,
			CAST(COALESCE(SUM(CASE WHEN status = 'paid' THEN commission_amount ELSE 0 END), 0) AS BIGINT) AS total_paid
		 FROM referrals
		 WHERE affiliate_id = ?`,
		affiliateID,
	).Scan(&totals).Error
	return totals, err
}

func (p *Projector) stored(ctx context.Context, db *gorm.DB, affiliateID snowflake.ID, forUpdate bool) (Totals, error) {
	var row struct {
		ID int64
		Totals
	}
	query := `SELECT id, total_sales, total_earnings, available_balance, total_paid
		 FROM affiliates WHERE id = ?`
	if forUpdate && db.Dialector.Name() == "postgres" {
		query += ` FOR UPDATE`
	}
	if err := db.WithContext(ctx).Raw(query, affiliateID).Scan(&row).Error; err != nil {
		return Totals{}, err
	}
	if row.ID == 0 {
		return Totals{}, ErrAffiliateNotFound
	}
	return row.Totals, nil
}

// Verify compares stored aggregates with the ledger without writing.
func (p *Projector) Verify(ctx context.Context, affiliateID snowflake.ID) (Drift, error) {
	stored, err := p.stored(ctx, p.db, affiliateID, false)
	if err != nil {
		return Drift{}, err
	}
	expected, err := p.Expected(ctx, p.db, affiliateID)
	if err != nil {
		return Drift{}, err
	}
	return Drift{
		AffiliateID: affiliateID.Int64(),
		Stored:      stored,
		Expected:    expected,
		Fields:      diff(stored, expected),
	}, nil
}

// Rebuild overwrites the aggregates with values recomputed from the ledger
// and returns the drift that was repaired. The affiliate row is locked first
// so concurrent Apply calls either precede or follow the rebuild.
func (p *Projector) Rebuild(ctx context.Context, affiliateID snowflake.ID, actorID string) (Drift, error) {
	var drift Drift
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := p.stored(ctx, tx, affiliateID, true)
		if err != nil {
			return err
		}
		expected, err := p.Expected(ctx, tx, affiliateID)
		if err != nil {
			return err
		}
		drift = Drift{
			AffiliateID: affiliateID.Int64(),
			Stored:      stored,
			Expected:    expected,
			Fields:      diff(stored, expected),
		}
		if !drift.HasDrift() {
			return nil
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE affiliates
			 SET total_sales = ?, total_earnings = ?, available_balance = ?, total_paid = ?, updated_at = ?
			 WHERE id = ?`,
			expected.TotalSales,
			expected.TotalEarnings,
			expected.AvailableBalance,
			expected.TotalPaid,
			p.clock.Now(),
			affiliateID,
		).Error; err != nil {
			return err
		}

		if p.audit == nil {
			return nil
		}
		actorType := auditdomain.ActorTypeSystem
		if actorID != "" {
			actorType = auditdomain.ActorTypeOperator
		}
		return p.audit.Record(ctx, tx, auditdomain.Entry{
			ActorType:  actorType,
			ActorID:    actorID,
			Action:     "projection.rebuilt",
			TargetType: "affiliate",
			TargetID:   affiliateID.String(),
			Metadata: map[string]any{
				"fields":   drift.Fields,
				"stored":   stored,
				"expected": expected,
			},
		})
	})
	if err != nil {
		return Drift{}, err
	}

	if drift.HasDrift() {
		logger.WithAffiliate(logger.WithContext(ctx, p.log), affiliateID.Int64()).Warn("projection rebuilt from ledger",
			zap.Strings("fields", drift.Fields),
		)
	}
	return drift, nil
}
