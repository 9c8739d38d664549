package migration

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPortableStatementsRewriteTypes(t *testing.T) {
	statements, err := PortableStatements()
	require.NoError(t, err)
	require.NotEmpty(t, statements)

	for _, stmt := range statements {
		assert.NotContains(t, stmt, "TIMESTAMPTZ")
		assert.NotContains(t, stmt, "JSONB")
	}
}

func TestApplyPortableIsIdempotent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migration_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, ApplyPortable(db))
	require.NoError(t, ApplyPortable(db))

	var tables []string
	require.NoError(t, db.Raw(`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`).Scan(&tables).Error)
	joined := strings.Join(tables, ",")
	for _, table := range []string{"affiliates", "referrals", "payouts", "payout_items", "visitor_attributions", "affiliate_clicks", "checkout_events", "audit_logs"} {
		assert.Contains(t, joined, table)
	}
}
