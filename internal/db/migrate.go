package db

import (
	"fmt"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"gorm.io/gorm"
)

// ActiveSessionIndex is the unique index that admits at most one ACTIVE
// session per (user_id, integration_type).
const ActiveSessionIndex = "uq_request_sessions_active_identity"

// AllModels returns every gorm model owned by the coordination layer.
func AllModels() []interface{} {
	return []interface{}{
		&models.RequestSession{},
		&models.SessionTokenUsage{},
		&models.DeliveryLog{},
		&models.RequestLog{},
		&models.LockLease{},
	}
}

// AutoMigrate creates or updates all tables, the active-session constraint
// and, on Postgres, the advisory lock introspection function.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	if err := ensureActiveSessionIndex(db); err != nil {
		return fmt.Errorf("db: active session index: %w", err)
	}
	if db.Dialector.Name() == DialectPostgres {
		if err := db.Exec(advisoryLockHeldFunc).Error; err != nil {
			return fmt.Errorf("db: create pg_advisory_lock_held: %w", err)
		}
	}
	return nil
}

// DropAll drops every table owned by the coordination layer.
func DropAll(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}

// ensureActiveSessionIndex installs the partial unique index. MySQL has no
// partial indexes, so there the predicate moves into a stored generated
// column that is NULL for non-ACTIVE rows; NULLs never collide in a
// unique index, which gives the same guarantee.
func ensureActiveSessionIndex(db *gorm.DB) error {
	switch db.Dialector.Name() {
	case DialectMySQL:
		m := db.Migrator()
		if !m.HasColumn(&models.RequestSession{}, "active_identity") {
			if err := db.Exec(`ALTER TABLE request_sessions ADD COLUMN active_identity VARCHAR(300)
				GENERATED ALWAYS AS (IF(status = 'ACTIVE', CONCAT(user_id, CHAR(31), integration_type), NULL)) STORED`).Error; err != nil {
				return err
			}
		}
		if !m.HasIndex(&models.RequestSession{}, ActiveSessionIndex) {
			return db.Exec("CREATE UNIQUE INDEX " + ActiveSessionIndex + " ON request_sessions (active_identity)").Error
		}
		return nil
	default:
		return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS " + ActiveSessionIndex +
			" ON request_sessions (user_id, integration_type) WHERE status = 'ACTIVE'").Error
	}
}

// advisoryLockHeldFunc reports whether the calling backend holds the
// 64-bit advisory lock key. pg_locks splits the key into classid (high 32
// bits) and objid (low 32 bits); objsubid = 1 marks the single-bigint form.
const advisoryLockHeldFunc = `
CREATE OR REPLACE FUNCTION pg_advisory_lock_held(lock_key bigint) RETURNS boolean AS $$
	SELECT EXISTS (
		SELECT 1 FROM pg_locks
		WHERE locktype = 'advisory'
		  AND granted
		  AND pid = pg_backend_pid()
		  AND objsubid = 1
		  AND ((classid::bigint << 32) | objid::bigint) = lock_key
	)
$$ LANGUAGE sql STABLE`
