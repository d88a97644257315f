package lock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
)

// pinConn takes one connection out of gdb's pool. Session-scoped locks
// belong to that connection, so every statement of a handle must use it.
func pinConn(ctx context.Context, gdb *gorm.DB) (*sql.Conn, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	return sqlDB.Conn(ctx)
}

// pgAdvisory uses pg_try_advisory_lock on a pinned connection. Holding is
// checked with pg_advisory_lock_held, installed by db.AutoMigrate, which
// filters pg_locks by the calling backend's pid.
type pgAdvisory struct {
	conn *sql.Conn
}

func openPostgres(ctx context.Context, gdb *gorm.DB) (backend, error) {
	conn, err := pinConn(ctx, gdb)
	if err != nil {
		return nil, err
	}
	return &pgAdvisory{conn: conn}, nil
}

func (p *pgAdvisory) tryAcquire(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := p.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (p *pgAdvisory) isHeld(ctx context.Context, key int64) (bool, error) {
	var held bool
	err := p.conn.QueryRowContext(ctx, "SELECT pg_advisory_lock_held($1)", key).Scan(&held)
	return held, err
}

func (p *pgAdvisory) renew(ctx context.Context, key int64) error {
	return verifyHeld(ctx, p, key)
}

func (p *pgAdvisory) release(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := p.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	return ok, err
}

func (p *pgAdvisory) close() error {
	// The connection goes back to the pool, so drop its locks first.
	_, unlockErr := p.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock_all()")
	closeErr := p.conn.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// mysqlAdvisory uses GET_LOCK on a pinned connection. Holding is checked
// with IS_USED_LOCK(name) = CONNECTION_ID().
type mysqlAdvisory struct {
	conn *sql.Conn
	held map[int64]struct{}
}

func openMySQL(ctx context.Context, gdb *gorm.DB) (backend, error) {
	conn, err := pinConn(ctx, gdb)
	if err != nil {
		return nil, err
	}
	return &mysqlAdvisory{conn: conn, held: make(map[int64]struct{})}, nil
}

// mysqlLockName maps a key into GET_LOCK's string namespace.
func mysqlLockName(key int64) string {
	return fmt.Sprintf("ssa:%d", key)
}

func (m *mysqlAdvisory) tryAcquire(ctx context.Context, key int64) (bool, error) {
	var got sql.NullInt64
	if err := m.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", mysqlLockName(key)).Scan(&got); err != nil {
		return false, err
	}
	if got.Valid && got.Int64 == 1 {
		m.held[key] = struct{}{}
		return true, nil
	}
	return false, nil
}

func (m *mysqlAdvisory) isHeld(ctx context.Context, key int64) (bool, error) {
	var same sql.NullInt64
	err := m.conn.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?) = CONNECTION_ID()", mysqlLockName(key)).Scan(&same)
	if err != nil {
		return false, err
	}
	return same.Valid && same.Int64 == 1, nil
}

func (m *mysqlAdvisory) renew(ctx context.Context, key int64) error {
	return verifyHeld(ctx, m, key)
}

func (m *mysqlAdvisory) release(ctx context.Context, key int64) (bool, error) {
	var released sql.NullInt64
	if err := m.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", mysqlLockName(key)).Scan(&released); err != nil {
		return false, err
	}
	delete(m.held, key)
	return released.Valid && released.Int64 == 1, nil
}

func (m *mysqlAdvisory) close() error {
	var unlockErr error
	if len(m.held) > 0 {
		_, unlockErr = m.conn.ExecContext(context.Background(), "SELECT RELEASE_ALL_LOCKS()")
	}
	closeErr := m.conn.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

func verifyHeld(ctx context.Context, b backend, key int64) error {
	held, err := b.isHeld(ctx, key)
	if err != nil {
		return err
	}
	if !held {
		return storeerr.ErrLockNotHeld
	}
	return nil
}
