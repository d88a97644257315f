package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
)

// Mutator changes the mutable fields of a session in memory. Changes to
// ID, identity, Status, Version, or the audit timestamps are ignored.
type Mutator func(s *models.RequestSession) error

// SweepResult summarizes one ExpireStale run.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	Conflicts int `json:"conflicts"`
}

// closeTargets maps each allowed final status to the statuses it may be
// reached from.
var closeTargets = map[models.SessionStatus][]models.SessionStatus{
	models.SessionInactive: {models.SessionActive},
	models.SessionExpired:  {models.SessionActive, models.SessionInactive},
	models.SessionArchived: {models.SessionActive, models.SessionInactive},
}

// Update applies mutate to the session and writes the result only if the
// stored version still equals expectedVersion. On success the returned
// session carries version expectedVersion+1. A stale version yields
// storeerr.ErrConcurrencyConflict and writes nothing; the caller decides
// whether to reload and retry.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*models.RequestSession, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("session: update %s: status %s: %w", id, cur.Status, storeerr.ErrTerminalState)
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("session: update %s: version %d, stored %d: %w",
			id, expectedVersion, cur.Version, storeerr.ErrConcurrencyConflict)
	}

	next := *cur
	if err := mutate(&next); err != nil {
		return nil, fmt.Errorf("session: update %s: %w", id, err)
	}

	now := s.clock()
	cols := mutableColumns(&next)
	cols["version"] = gorm.Expr("version + 1")
	cols["updated_at"] = now

	result := s.db.WithContext(ctx).Model(&models.RequestSession{}).
		Where("id = ? AND version = ? AND status IN ?", id, expectedVersion, mutableStatuses).
		UpdateColumns(cols)
	if result.Error != nil {
		return nil, fmt.Errorf("session: update %s: %w", id, storeerr.Classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("session: update %s: %w", id, s.diagnose(ctx, id))
	}

	out := *cur
	applyMutable(&out, &next)
	out.Version = expectedVersion + 1
	out.UpdatedAt = now
	return &out, nil
}

// UpdateWithRetry reloads the session and re-runs mutate against the fresh
// row until a write succeeds or attempts are exhausted. Only errors that
// storeerr.IsRetryable accepts (version conflicts and transient store
// failures) are retried. The mutator must be safe to run more than once.
func (s *Store) UpdateWithRetry(ctx context.Context, id string, attempts int, mutate Mutator) (*models.RequestSession, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		cur, err := s.Get(ctx, id)
		if err == nil {
			var out *models.RequestSession
			if out, err = s.Update(ctx, id, cur.Version, mutate); err == nil {
				return out, nil
			}
		}
		if !storeerr.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		s.log.Debug("session update failed, retrying", "session_id", id, "attempt", i+1, "error", err)
	}
	return nil, lastErr
}

// Touch records a new request against the session and slides its expiry.
func (s *Store) Touch(ctx context.Context, id string, expectedVersion int64, requestID string) (*models.RequestSession, error) {
	return s.Update(ctx, id, expectedVersion, func(row *models.RequestSession) error {
		now := s.clock()
		expires := now.Add(s.ttl)
		row.LastRequestAt = &now
		row.ExpiresAt = &expires
		if requestID != "" {
			rid := requestID
			row.LastRequestID = &rid
		}
		return nil
	})
}

// Close moves the session to finalStatus (INACTIVE, EXPIRED, or ARCHIVED)
// under the same version check as Update. Sessions already EXPIRED or
// ARCHIVED are rejected with storeerr.ErrTerminalState.
func (s *Store) Close(ctx context.Context, id string, expectedVersion int64, finalStatus models.SessionStatus) (*models.RequestSession, error) {
	if _, ok := closeTargets[finalStatus]; !ok {
		return nil, fmt.Errorf("session: close %s: target %q: %w", id, finalStatus, storeerr.ErrInvalidTransition)
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("session: close %s: status %s: %w", id, cur.Status, storeerr.ErrTerminalState)
		}
		return nil, fmt.Errorf("session: close %s: version %d, stored %d: %w",
			id, expectedVersion, cur.Version, storeerr.ErrConcurrencyConflict)
	}

	now := s.clock()
	if err := s.transition(ctx, cur, finalStatus, now); err != nil {
		return nil, fmt.Errorf("session: close %s: %w", id, err)
	}
	out := *cur
	out.Status = finalStatus
	out.Version = cur.Version + 1
	out.UpdatedAt = now
	return &out, nil
}

// Checkpoint is called by ExpireStale between rows. A singleton caller
// renews its lock here; an error stops the sweep and is returned.
type Checkpoint func(ctx context.Context) error

// ExpireStale moves ACTIVE sessions that are past expires_at, or idle for
// longer than the TTL, to EXPIRED. Each row goes through the versioned
// path, so a concurrent sweep or writer only turns a row into a counted
// conflict. Safe to run from several replicas at once.
//
// A non-nil check runs before the first transition and again every
// checkpointEvery rows.
func (s *Store) ExpireStale(ctx context.Context, now time.Time, check Checkpoint) (SweepResult, error) {
	now = now.UTC()
	idleCutoff := now.Add(-s.ttl)

	var candidates []models.RequestSession
	err := s.db.WithContext(ctx).
		Select("id", "version", "status").
		Where("status = ?", models.SessionActive).
		Where(models.StaleCondition, now, idleCutoff).
		Order("updated_at ASC").
		Limit(s.batchSize).
		Find(&candidates).Error
	if err != nil {
		return SweepResult{}, fmt.Errorf("session: expire stale: %w", storeerr.Classify(err))
	}

	res := SweepResult{Scanned: len(candidates)}
	for i := range candidates {
		if check != nil && i%s.checkpointEvery == 0 {
			if err := check(ctx); err != nil {
				return res, fmt.Errorf("session: expire stale: checkpoint: %w", err)
			}
		}
		err := s.transition(ctx, &candidates[i], models.SessionExpired, now)
		switch {
		case err == nil:
			res.Expired++
		case errors.Is(err, storeerr.ErrConcurrencyConflict), errors.Is(err, storeerr.ErrTerminalState):
			res.Conflicts++
		case errors.Is(err, storeerr.ErrNotFound):
		default:
			return res, fmt.Errorf("session: expire stale: %w", err)
		}
	}
	return res, nil
}

// mutableStatuses are the statuses whose conversation fields may change.
var mutableStatuses = []models.SessionStatus{models.SessionActive, models.SessionInactive}

// transition performs a single versioned status change from cur's observed
// status and version.
func (s *Store) transition(ctx context.Context, cur *models.RequestSession, to models.SessionStatus, now time.Time) error {
	from, ok := closeTargets[to]
	if !ok {
		return fmt.Errorf("target %q: %w", to, storeerr.ErrInvalidTransition)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("status %s: %w", cur.Status, storeerr.ErrTerminalState)
	}
	if !containsStatus(from, cur.Status) {
		return fmt.Errorf("%s to %s: %w", cur.Status, to, storeerr.ErrInvalidTransition)
	}

	result := s.db.WithContext(ctx).Model(&models.RequestSession{}).
		Where("id = ? AND version = ? AND status IN ?", cur.ID, cur.Version, from).
		UpdateColumns(map[string]interface{}{
			"status":     to,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		return storeerr.Classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return s.diagnose(ctx, cur.ID)
	}
	return nil
}

// diagnose explains why a conditional update matched no row.
func (s *Store) diagnose(ctx context.Context, id string) error {
	var row models.RequestSession
	err := s.db.WithContext(ctx).Select("id", "status").Where("id = ?", id).First(&row).Error
	if err != nil {
		return storeerr.Classify(err)
	}
	if row.Status.Terminal() {
		return fmt.Errorf("status %s: %w", row.Status, storeerr.ErrTerminalState)
	}
	return storeerr.ErrConcurrencyConflict
}

func containsStatus(list []models.SessionStatus, st models.SessionStatus) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

// mutableColumns lists the columns Update is allowed to write.
func mutableColumns(s *models.RequestSession) map[string]interface{} {
	return map[string]interface{}{
		"external_session_id":        s.ExternalSessionID,
		"current_agent_id":           s.CurrentAgentID,
		"conversation_thread_id":     s.ConversationThreadID,
		"user_context":               s.UserContext,
		"conversation_context":       s.ConversationContext,
		"last_request_id":            s.LastRequestID,
		"last_request_at":            utc(s.LastRequestAt),
		"expires_at":                 utc(s.ExpiresAt),
		"total_input_tokens":         s.TotalInputTokens,
		"total_output_tokens":        s.TotalOutputTokens,
		"total_tokens":               s.TotalTokens,
		"llm_call_count":             s.LLMCallCount,
		"max_input_tokens_per_call":  s.MaxInputTokensPerCall,
		"max_output_tokens_per_call": s.MaxOutputTokensPerCall,
		"max_total_tokens_per_call":  s.MaxTotalTokensPerCall,
	}
}

// applyMutable copies the fields written by mutableColumns from src to dst.
func applyMutable(dst, src *models.RequestSession) {
	dst.ExternalSessionID = src.ExternalSessionID
	dst.CurrentAgentID = src.CurrentAgentID
	dst.ConversationThreadID = src.ConversationThreadID
	dst.UserContext = src.UserContext
	dst.ConversationContext = src.ConversationContext
	dst.LastRequestID = src.LastRequestID
	dst.LastRequestAt = utc(src.LastRequestAt)
	dst.ExpiresAt = utc(src.ExpiresAt)
	dst.TotalInputTokens = src.TotalInputTokens
	dst.TotalOutputTokens = src.TotalOutputTokens
	dst.TotalTokens = src.TotalTokens
	dst.LLMCallCount = src.LLMCallCount
	dst.MaxInputTokensPerCall = src.MaxInputTokensPerCall
	dst.MaxOutputTokensPerCall = src.MaxOutputTokensPerCall
	dst.MaxTotalTokensPerCall = src.MaxTotalTokensPerCall
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
