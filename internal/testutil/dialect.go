package testutil

import (
	"testing"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DryRunMySQL opens a mysql-dialect gorm handle that never connects. The
// returned func yields the SQL of the last create statement.
func DryRunMySQL(t *testing.T) (*gorm.DB, func() string) {
	t.Helper()

	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "affiliate:affiliate@tcp(127.0.0.1:3306)/affiliate?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open mysql dry run: %v", err)
	}

	var last string
	err = db.Callback().Create().After("gorm:create").Register("testutil:capture_sql", func(tx *gorm.DB) {
		last = tx.Statement.SQL.String()
	})
	if err != nil {
		t.Fatalf("register capture: %v", err)
	}
	return db, func() string { return last }
}
