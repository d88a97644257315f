// Package storeerr defines the error taxonomy shared by the session,
// ledger, delivery, journal and lock packages, and classifies raw driver
// errors into it.
package storeerr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

var (
	// ErrConcurrencyConflict means another writer advanced the row's version
	// first. Reload and retry, or abandon.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrConstraintViolation means a uniqueness constraint rejected the
	// write, e.g. a second ACTIVE session for one identity.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound means the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient means the store was unreachable, timed out, or aborted
	// the statement for a reason that may clear on retry.
	ErrTransient = errors.New("transient store failure")

	// ErrLockNotHeld means a singleton duty lost (or never had) its lock.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrTerminalState means the row is in a state that accepts no further
	// transitions.
	ErrTerminalState = errors.New("terminal state")

	// ErrInvalidTransition means the requested target state is not reachable.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidArgument means the caller passed malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// MySQL server error numbers.
const (
	mysqlDupEntry        = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// Classify maps a raw error from gorm or a database driver onto the
// taxonomy. The original error stays in the chain. Errors already in the
// taxonomy, and errors it does not recognise, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if kind := kindOf(err); kind != nil && !errors.Is(err, kind) {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return err
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrConstraintViolation),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrTransient), errors.Is(err, ErrLockNotHeld):
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConstraintViolation
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn):
		return ErrTransient
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDupEntry:
			return ErrConstraintViolation
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return ErrTransient
		}
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return ErrConstraintViolation
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57P01",
			pqErr.Code.Class() == "08":
			return ErrTransient
		}
		return nil
	}

	// SQLite drivers only expose messages.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return ErrConstraintViolation
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "database table is locked"):
		return ErrTransient
	}
	return nil
}

// IsRetryable reports whether reloading and retrying may succeed.
func IsRetryable(err error) bool {
	err = Classify(err)
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrTransient)
}

// IsUserVisible reports whether an error should ever be surfaced to an end
// user once retries are exhausted. Constraint violations signal normal
// concurrent-session convergence and never are.
func IsUserVisible(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(Classify(err), ErrConstraintViolation)
}
