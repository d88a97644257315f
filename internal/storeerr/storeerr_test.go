package storeerr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"gorm not found", gorm.ErrRecordNotFound, ErrNotFound},
		{"gorm duplicated key", gorm.ErrDuplicatedKey, ErrConstraintViolation},
		{"deadline", context.DeadlineExceeded, ErrTransient},
		{"bad conn", driver.ErrBadConn, ErrTransient},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, ErrConstraintViolation},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, ErrTransient},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout"}, ErrTransient},
		{"pq unique", &pq.Error{Code: "23505"}, ErrConstraintViolation},
		{"pq serialization", &pq.Error{Code: "40001"}, ErrTransient},
		{"pq deadlock", &pq.Error{Code: "40P01"}, ErrTransient},
		{"pq connection class", &pq.Error{Code: "08006"}, ErrTransient},
		{"sqlite unique", errors.New("UNIQUE constraint failed: request_sessions.user_id"), ErrConstraintViolation},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), ErrTransient},
		{"wrapped mysql", fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), ErrConstraintViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("Classify(%v) = %v, want errors.Is %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("Classify(%v) dropped the original error from the chain", tt.err)
			}
		})
	}
}

func TestClassify_Unrecognised(t *testing.T) {
	orig := errors.New("syntax error near FROM")
	if got := Classify(orig); got != orig {
		t.Errorf("Classify() = %v, want the original error unchanged", got)
	}
	if got := Classify(&mysql.MySQLError{Number: 1064}); errors.Is(got, ErrTransient) || errors.Is(got, ErrConstraintViolation) {
		t.Errorf("mysql syntax error classified as %v", got)
	}
}

func TestClassify_AlreadyClassified(t *testing.T) {
	err := fmt.Errorf("session: update: %w", ErrConcurrencyConflict)
	if got := Classify(err); got != err {
		t.Errorf("Classify() rewrapped an already classified error: %v", got)
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrConcurrencyConflict) {
		t.Error("conflict should be retryable")
	}
	if !IsRetryable(&pq.Error{Code: "40001"}) {
		t.Error("serialization failure should be retryable")
	}
	if IsRetryable(ErrNotFound) {
		t.Error("not found should not be retryable")
	}
	if IsRetryable(ErrLockNotHeld) {
		t.Error("lock not held should not be retryable")
	}
}

func TestIsUserVisible(t *testing.T) {
	if IsUserVisible(nil) {
		t.Error("nil should not be user visible")
	}
	if IsUserVisible(&mysql.MySQLError{Number: 1062}) {
		t.Error("constraint violation must never be user visible")
	}
	if !IsUserVisible(ErrTransient) {
		t.Error("exhausted transient failure should be user visible")
	}
}
