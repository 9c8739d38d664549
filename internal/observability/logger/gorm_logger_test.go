package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM referrals":                                    "SELECT",
		"  insert into referrals (id) values (1)":                    "INSERT",
		"WITH totals AS (SELECT 1) UPDATE affiliates SET total_sales": "UPDATE",
		"":                                                           "UNKNOWN",
	}
	for sql, want := range cases {
		assert.Equal(t, want, operationFromSQL(sql), sql)
	}
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "referrals", tableFromSQL(`SELECT id FROM "referrals" WHERE id = ?`))
	assert.Equal(t, "payout_items", tableFromSQL("INSERT INTO payout_items (payout_id) VALUES (?)"))
	assert.Equal(t, "affiliates", tableFromSQL("UPDATE affiliates SET total_sales = total_sales + ?"))
	assert.Equal(t, "", tableFromSQL("BEGIN"))
}
