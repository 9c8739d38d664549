package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/dashboard/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Program *config.ProgramConfigHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	program *config.ProgramConfigHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("dashboard.service"),
		program: p.Program,
	}
}

type statusRow struct {
	Status string
	Count  int64
	Amount int64
}

func (s *Service) AffiliateStats(ctx context.Context, affiliateID string) (domain.AffiliateStats, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(affiliateID))
	if err != nil || id == 0 {
		return domain.AffiliateStats{}, domain.ErrInvalidID
	}

	var affiliate struct {
		ID               int64
		Code             string
		TotalSales       int64
		TotalEarnings    int64
		AvailableBalance int64
		TotalPaid        int64
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, code, total_sales, total_earnings, available_balance, total_paid
		 FROM affiliates WHERE id = ?`,
		id,
	).Scan(&affiliate).Error; err != nil {
		return domain.AffiliateStats{}, err
	}
	if affiliate.ID == 0 {
		return domain.AffiliateStats{}, domain.ErrNotFound
	}

	stats := domain.AffiliateStats{
		AffiliateID:      id.String(),
		Code:             affiliate.Code,
		TotalSales:       affiliate.TotalSales,
		TotalEarnings:    affiliate.TotalEarnings,
		AvailableBalance: affiliate.AvailableBalance,
		TotalPaid:        affiliate.TotalPaid,
	}

	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM affiliate_clicks WHERE affiliate_id = ?`,
		id,
	).Scan(&stats.Clicks).Error; err != nil {
		return domain.AffiliateStats{}, err
	}

	rows, err := s.referralsByStatus(ctx, s.db.Where("affiliate_id = ?", id))
	if err != nil {
		return domain.AffiliateStats{}, err
	}
	stats.ReferralsByStatus, stats.Commissions, stats.Referrals = fold(rows)
	stats.ConversionRate = conversionRate(stats.Referrals, stats.Clicks)

	if err := s.db.WithContext(ctx).Raw(
		`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT)
		 FROM payouts WHERE affiliate_id = ? AND status IN ('pending', 'processing')`,
		id,
	).Scan(&stats.ReservedForPayout).Error; err != nil {
		return domain.AffiliateStats{}, err
	}
	return stats, nil
}

func (s *Service) ProgramOverview(ctx context.Context) (domain.ProgramOverview, error) {
	overview := domain.ProgramOverview{
		Currency:           s.program.Get().Currency,
		AffiliatesByStatus: map[string]int64{},
	}

	var affiliates []statusRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS count FROM affiliates GROUP BY status`,
	).Scan(&affiliates).Error; err != nil {
		return domain.ProgramOverview{}, err
	}
	for _, row := range affiliates {
		overview.AffiliatesByStatus[row.Status] = row.Count
	}

	rows, err := s.referralsByStatus(ctx, s.db)
	if err != nil {
		return domain.ProgramOverview{}, err
	}
	var referrals int64
	overview.ReferralsByStatus, overview.CommissionsByStatus, referrals = fold(rows)

	if err := s.db.WithContext(ctx).Raw(
		`SELECT CAST(COALESCE(SUM(sale_amount), 0) AS BIGINT) FROM referrals WHERE status IN ('pending', 'confirmed', 'paid')`,
	).Scan(&overview.SaleVolume).Error; err != nil {
		return domain.ProgramOverview{}, err
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM affiliate_clicks`,
	).Scan(&overview.Clicks).Error; err != nil {
		return domain.ProgramOverview{}, err
	}
	overview.ConversionRate = conversionRate(referrals, overview.Clicks)

	var open struct {
		Count  int64
		Amount int64
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS count, CAST(COALESCE(SUM(amount), 0) AS BIGINT) AS amount
		 FROM payouts WHERE status IN ('pending', 'processing')`,
	).Scan(&open).Error; err != nil {
		return domain.ProgramOverview{}, err
	}
	overview.OpenPayouts = open.Count
	overview.OpenPayoutAmount = open.Amount
	return overview, nil
}

func (s *Service) referralsByStatus(ctx context.Context, scope *gorm.DB) ([]statusRow, error) {
	var rows []statusRow
	err := scope.WithContext(ctx).
		Table("referrals").
		Select("status, COUNT(*) AS count, CAST(COALESCE(SUM(commission_amount), 0) AS BIGINT) AS amount").
		Group("status").
		Scan(&rows).Error
	return rows, err
}

func fold(rows []statusRow) (map[string]int64, domain.CommissionTotals, int64) {
	counts := map[string]int64{}
	var totals domain.CommissionTotals
	var all int64
	for _, row := range rows {
		counts[row.Status] = row.Count
		all += row.Count
		switch row.Status {
		case "pending":
			totals.Pending = row.Amount
		case "confirmed":
			totals.Confirmed = row.Amount
		case "paid":
			totals.Paid = row.Amount
		case "cancelled":
			totals.Cancelled = row.Amount
		case "refunded":
			totals.Refunded = row.Amount
		}
	}
	return counts, totals, all
}

// conversionRate is referrals per hundred clicks, rounded to two decimals.
func conversionRate(referrals, clicks int64) float64 {
	if clicks <= 0 {
		return 0
	}
	return decimal.NewFromInt(referrals).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(clicks)).
		Round(2).
		InexactFloat64()
}
