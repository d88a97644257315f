// Package delivery tracks outbound delivery retry chains. It records state
// transitions only; when to attempt next is decided by the sender.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
)

const (
	// DefaultTTL bounds how long a delivery keeps retrying.
	DefaultTTL = time.Hour
	// DefaultMaxAttempts is the retry budget when none is configured.
	DefaultMaxAttempts = 5
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeTransientFailure, OutcomePermanentFailure:
		return true
	}
	return false
}

// openStatuses accept further attempts.
var openStatuses = []models.DeliveryStatus{models.DeliveryPending, models.DeliveryRetrying}

// CreateInput describes a new delivery. Zero TTL and MaxAttempts take the
// tracker's defaults.
type CreateInput struct {
	SessionID       string
	RequestID       string
	IntegrationType models.IntegrationType
	Channel         string
	TTL             time.Duration
	MaxAttempts     int
}

// Tracker is the Delivery Tracker.
type Tracker struct {
	db          *gorm.DB
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewTracker creates a Tracker with defaults taken from cfg.
func NewTracker(db *gorm.DB, cfg config.DeliveryConfig) *Tracker {
	t := &Tracker{db: db, ttl: cfg.TTL, maxAttempts: cfg.MaxAttempts, now: time.Now}
	if t.ttl <= 0 {
		t.ttl = DefaultTTL
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = DefaultMaxAttempts
	}
	return t
}

// SetClock replaces time.Now, for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

func (t *Tracker) clock() time.Time { return t.now().UTC() }

// Create inserts a PENDING delivery with first_attempt_at = now. The
// session must exist; otherwise storeerr.ErrNotFound is returned.
func (t *Tracker) Create(ctx context.Context, in CreateInput) (*models.DeliveryLog, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("delivery: create: session id is required: %w", storeerr.ErrInvalidArgument)
	}
	if in.Channel == "" {
		return nil, fmt.Errorf("delivery: create: channel is required: %w", storeerr.ErrInvalidArgument)
	}
	if !in.IntegrationType.Valid() {
		return nil, fmt.Errorf("delivery: create: integration type %q: %w", in.IntegrationType, storeerr.ErrInvalidArgument)
	}

	var n int64
	if err := t.db.WithContext(ctx).Model(&models.RequestSession{}).Where("id = ?", in.SessionID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("delivery: create for session %s: %w", in.SessionID, storeerr.Classify(err))
	}
	if n == 0 {
		return nil, fmt.Errorf("delivery: create: session %s: %w", in.SessionID, storeerr.ErrNotFound)
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = t.ttl
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = t.maxAttempts
	}

	now := t.clock()
	expires := now.Add(ttl)
	row := models.DeliveryLog{
		ID:              uuid.NewString(),
		SessionID:       in.SessionID,
		RequestID:       in.RequestID,
		IntegrationType: in.IntegrationType,
		Channel:         in.Channel,
		Status:          models.DeliveryPending,
		MaxAttempts:     maxAttempts,
		FirstAttemptAt:  now,
		ExpiresAt:       &expires,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("delivery: create for session %s: %w", in.SessionID, storeerr.Classify(err))
	}
	return &row, nil
}

// Get returns the delivery with the given id.
func (t *Tracker) Get(ctx context.Context, id string) (*models.DeliveryLog, error) {
	var row models.DeliveryLog
	if err := t.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, fmt.Errorf("delivery: get %s: %w", id, storeerr.Classify(err))
	}
	return &row, nil
}

// RecordAttempt applies outcome to a PENDING or RETRYING delivery in a
// single conditional update. Terminal deliveries are rejected with
// storeerr.ErrTerminalState.
func (t *Tracker) RecordAttempt(ctx context.Context, id string, outcome Outcome, errMsg string) (*models.DeliveryLog, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("delivery: record attempt %s: outcome %q: %w", id, outcome, storeerr.ErrInvalidArgument)
	}

	now := t.clock()
	cols := map[string]interface{}{
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"last_attempt_at": now,
		"updated_at":      now,
	}
	switch outcome {
	case OutcomeSuccess:
		cols["status"] = models.DeliveryDelivered
		cols["delivered_at"] = now
		cols["last_error"] = ""
	case OutcomeTransientFailure:
		cols["status"] = models.DeliveryRetrying
		cols["last_error"] = errMsg
	case OutcomePermanentFailure:
		cols["status"] = models.DeliveryFailed
		cols["last_error"] = errMsg
	}

	result := t.db.WithContext(ctx).Model(&models.DeliveryLog{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		UpdateColumns(cols)
	if result.Error != nil {
		return nil, fmt.Errorf("delivery: record attempt %s: %w", id, storeerr.Classify(result.Error))
	}

	row, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return row, fmt.Errorf("delivery: record attempt %s: status %s: %w", id, row.Status, storeerr.ErrTerminalState)
	}
	return row, nil
}

// SweepExpired moves open deliveries past expires_at, and RETRYING
// deliveries that used their whole attempt budget, to EXPIRED. It is one
// conditional update and is idempotent.
func (t *Tracker) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	result := t.db.WithContext(ctx).Model(&models.DeliveryLog{}).
		Where("(status IN ? AND expires_at IS NOT NULL AND expires_at < ?) OR "+
			"(status = ? AND max_attempts > 0 AND attempt_count >= max_attempts)",
			openStatuses, now, models.DeliveryRetrying).
		UpdateColumns(map[string]interface{}{
			"status":     models.DeliveryExpired,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("delivery: sweep expired: %w", storeerr.Classify(result.Error))
	}
	return result.RowsAffected, nil
}

// ListRetryable returns open deliveries that are still inside their time
// and attempt budgets, oldest first.
func (t *Tracker) ListRetryable(ctx context.Context, now time.Time, limit int) ([]models.DeliveryLog, error) {
	q := t.db.WithContext(ctx).
		Where("status IN ?", openStatuses).
		Where("(expires_at IS NULL OR expires_at > ?)", now.UTC()).
		Where("(max_attempts = 0 OR attempt_count < max_attempts)").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.DeliveryLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("delivery: list retryable: %w", storeerr.Classify(err))
	}
	return rows, nil
}

// ListBySession returns every delivery for a session, oldest first.
func (t *Tracker) ListBySession(ctx context.Context, sessionID string) ([]models.DeliveryLog, error) {
	var rows []models.DeliveryLog
	err := t.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("delivery: list for session %s: %w", sessionID, storeerr.Classify(err))
	}
	return rows, nil
}
