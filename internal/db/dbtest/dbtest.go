// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/db"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open returns a migrated SQLite database in the test's temp dir. The pool
// is limited to one connection so concurrent goroutines interleave at
// statement boundaries instead of failing with SQLITE_BUSY.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssa.db")
	gdb, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), db.GormConfig())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("test db pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

// OpenServer connects to the server named by the environment variable
// (SSA_TEST_POSTGRES_DSN or SSA_TEST_MYSQL_DSN), migrates it, and empties
// every table. The test is skipped when the variable is unset.
func OpenServer(t testing.TB, envVar string) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(envVar)
	if dsn == "" {
		t.Skipf("%s not set", envVar)
	}

	var dialector gorm.Dialector
	switch envVar {
	case "SSA_TEST_MYSQL_DSN":
		dialector = mysql.Open(dsn)
	default:
		dialector = postgres.Open(dsn)
	}
	gdb, err := gorm.Open(dialector, db.GormConfig())
	if err != nil {
		t.Fatalf("connect %s: %v", envVar, err)
	}
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.DropAll(gdb); err != nil {
		t.Fatalf("drop tables: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// SeedSession inserts an ACTIVE session for each id, each under its own
// user, so ledger and delivery rows have a session to reference.
func SeedSession(t testing.TB, gdb *gorm.DB, ids ...string) {
	t.Helper()
	now := time.Now().UTC()
	for _, id := range ids {
		row := models.RequestSession{
			ID:              id,
			UserID:          "user-" + id,
			IntegrationType: models.IntegrationTest,
			Status:          models.SessionActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := gdb.Create(&row).Error; err != nil {
			t.Fatalf("seed session %s: %v", id, err)
		}
	}
}
