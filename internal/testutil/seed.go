package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var seedTime = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

// SeedAffiliate inserts an affiliate at a 40% rate with zero aggregates.
func SeedAffiliate(t *testing.T, db *gorm.DB, node *snowflake.Node, code, status string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	err := db.Exec(
		`INSERT INTO affiliates (
			id, code, access_code_hash, name, email, pix_key, commission_rate, status,
			total_sales, total_earnings, available_balance, total_paid, created_at, updated_at
		) VALUES (?, ?, 'x', ?, ?, ?, 40, ?, 0, 0, 0, 0, ?, ?)`,
		id, code, "Affiliate "+code, code+"@example.com", "pix-"+code, status, seedTime, seedTime,
	).Error
	if err != nil {
		t.Fatalf("seed affiliate: %v", err)
	}
	return id
}

// SeedReferral inserts a referral row directly, bypassing the projector.
func SeedReferral(t *testing.T, db *gorm.DB, node *snowflake.Node, affiliateID snowflake.ID, paymentRef, status string, commission int64) snowflake.ID {
	t.Helper()
	id := node.Generate()
	err := db.Exec(
		`INSERT INTO referrals (
			id, affiliate_id, payment_ref, sale_amount, currency, commission_rate,
			commission_amount, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, 'BRL', 40, ?, ?, ?, ?)`,
		id, affiliateID, paymentRef, commission*100/40, commission, status, seedTime, seedTime,
	).Error
	if err != nil {
		t.Fatalf("seed referral: %v", err)
	}
	return id
}

// SetAggregates overwrites the projected columns of an affiliate.
func SetAggregates(t *testing.T, db *gorm.DB, affiliateID snowflake.ID, sales, earnings, balance, paid int64) {
	t.Helper()
	err := db.Exec(
		`UPDATE affiliates SET total_sales = ?, total_earnings = ?, available_balance = ?, total_paid = ? WHERE id = ?`,
		sales, earnings, balance, paid, affiliateID,
	).Error
	if err != nil {
		t.Fatalf("set aggregates: %v", err)
	}
}
