package database

import (
	"testing"

	"gorm.io/gorm"
)

// OpenTestDB connects to the MySQL test database and migrates it, or skips
// the test when no server is reachable.
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := Open(DSN())
	if err != nil {
		t.Skipf("Skipping MySQL-dependent test: %v", err)
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Skipf("Skipping MySQL-dependent test: %v", err)
		return nil
	}
	if err := sqlDB.Ping(); err != nil {
		t.Skipf("Skipping MySQL-dependent test: %v", err)
		return nil
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
