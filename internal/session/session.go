// Package session owns the RequestSession lifecycle: one ACTIVE session per
// (user, integration) identity, and version-checked writes to every row.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultTTL is the idle time after which an ACTIVE session expires.
	DefaultTTL = 24 * time.Hour
	// DefaultExpireBatchSize caps the rows examined by one ExpireStale call.
	DefaultExpireBatchSize = 500
	// DefaultCheckpointEvery is how many rows ExpireStale transitions
	// between checkpoint calls.
	DefaultCheckpointEvery = 50

	// createAttempts bounds the insert/read/expire loop in GetOrCreateActive.
	createAttempts = 5
)

// Store is the Session Store. It is safe for concurrent use; all
// coordination happens in the database.
type Store struct {
	db              *gorm.DB
	ttl             time.Duration
	batchSize       int
	checkpointEvery int
	now             func() time.Time
	log             *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCheckpointEvery sets how many rows ExpireStale handles between
// checkpoint calls.
func WithCheckpointEvery(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.checkpointEvery = n
		}
	}
}

// WithLogger sets the logger used for conflict and sweep diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store over db using the TTL and batch size from cfg.
func New(db *gorm.DB, cfg config.SessionConfig, opts ...Option) *Store {
	s := &Store{
		db:              db,
		ttl:             cfg.TTL,
		batchSize:       cfg.ExpireBatchSize,
		checkpointEvery: DefaultCheckpointEvery,
		now:             time.Now,
		log:             slog.Default(),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultExpireBatchSize
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL returns the idle timeout applied to sessions.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) clock() time.Time { return s.now().UTC() }

// GetOrCreateActive returns the ACTIVE session for the identity, creating it
// when none exists. created reports whether this call inserted the row.
//
// The insert carries ON CONFLICT DO NOTHING against the partial unique
// index, so concurrent callers converge on one row without a
// check-then-insert race. An ACTIVE row that ExpireStale would expire
// (past expires_at, or idle beyond the TTL) is expired through the
// versioned path and creation is retried.
func (s *Store) GetOrCreateActive(ctx context.Context, userID string, integrationType models.IntegrationType, externalSessionID string) (*models.RequestSession, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("session: get or create: user id is required: %w", storeerr.ErrInvalidArgument)
	}
	if !integrationType.Valid() {
		return nil, false, fmt.Errorf("session: get or create: integration type %q: %w", integrationType, storeerr.ErrInvalidArgument)
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		now := s.clock()
		expires := now.Add(s.ttl)
		row := &models.RequestSession{
			ID:              uuid.NewString(),
			UserID:          userID,
			IntegrationType: integrationType,
			Status:          models.SessionActive,
			ExpiresAt:       &expires,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if externalSessionID != "" {
			ext := externalSessionID
			row.ExternalSessionID = &ext
		}

		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if result.Error != nil {
			err := storeerr.Classify(result.Error)
			if !errors.Is(err, storeerr.ErrConstraintViolation) {
				return nil, false, fmt.Errorf("session: get or create %s/%s: %w", userID, integrationType, err)
			}
			// Some drivers still surface the duplicate; fall through to the read.
		} else if result.RowsAffected == 1 {
			return row, true, nil
		}

		existing, err := s.FindActive(ctx, userID, integrationType)
		if errors.Is(err, storeerr.ErrNotFound) {
			// Closed between our insert and read; try again.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if !existing.Stale(now, s.ttl) {
			return existing, false, nil
		}

		err = s.transition(ctx, existing, models.SessionExpired, now)
		if err != nil && !errors.Is(err, storeerr.ErrConcurrencyConflict) {
			return nil, false, fmt.Errorf("session: get or create %s/%s: expire %s: %w", userID, integrationType, existing.ID, err)
		}
		s.log.Debug("expired stale active session before create",
			"session_id", existing.ID, "user_id", userID, "integration_type", integrationType)
	}
	return nil, false, fmt.Errorf("session: get or create %s/%s: %d attempts: %w",
		userID, integrationType, createAttempts, storeerr.ErrConcurrencyConflict)
}

// Get returns the session with the given id in any status.
func (s *Store) Get(ctx context.Context, id string) (*models.RequestSession, error) {
	var row models.RequestSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, storeerr.Classify(err))
	}
	return &row, nil
}

// FindActive returns the ACTIVE session for the identity, or ErrNotFound.
func (s *Store) FindActive(ctx context.Context, userID string, integrationType models.IntegrationType) (*models.RequestSession, error) {
	var row models.RequestSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND integration_type = ? AND status = ?", userID, integrationType, models.SessionActive).
		First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("session: find active %s/%s: %w", userID, integrationType, storeerr.Classify(err))
	}
	return &row, nil
}

// List returns sessions for a user, newest first. An empty status matches
// every status.
func (s *Store) List(ctx context.Context, userID string, status models.SessionStatus, limit int) ([]models.RequestSession, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.RequestSession
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("session: list %s: %w", userID, storeerr.Classify(err))
	}
	return rows, nil
}
