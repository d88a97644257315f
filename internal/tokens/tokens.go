// Package tokens is the append-only token ledger. Usage rows are immutable;
// per-session totals are aggregated at read time.
package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/session"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
)

// shadowSyncAttempts bounds the reload/retry loop in SyncShadow.
const shadowSyncAttempts = 5

// UsageInput describes one LLM invocation billed to a session.
type UsageInput struct {
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	Model        string
	RequestID    string
	AgentID      string
}

// Stats holds the aggregated usage of one session.
type Stats struct {
	TotalInputTokens  int64 `gorm:"column:total_input_tokens" json:"total_input_tokens"`
	TotalOutputTokens int64 `gorm:"column:total_output_tokens" json:"total_output_tokens"`
	TotalTokens       int64 `gorm:"column:total_tokens" json:"total_tokens"`
	CallCount         int64 `gorm:"column:call_count" json:"call_count"`
	MaxInputTokens    int64 `gorm:"column:max_input_tokens" json:"max_input_tokens"`
	MaxOutputTokens   int64 `gorm:"column:max_output_tokens" json:"max_output_tokens"`
	MaxTotalTokens    int64 `gorm:"column:max_total_tokens" json:"max_total_tokens"`
}

const statsColumns = "COALESCE(SUM(input_tokens),0) as total_input_tokens, " +
	"COALESCE(SUM(output_tokens),0) as total_output_tokens, " +
	"COALESCE(SUM(total_tokens),0) as total_tokens, " +
	"COUNT(*) as call_count, " +
	"COALESCE(MAX(input_tokens),0) as max_input_tokens, " +
	"COALESCE(MAX(output_tokens),0) as max_output_tokens, " +
	"COALESCE(MAX(total_tokens),0) as max_total_tokens"

// Ledger records and aggregates token usage.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger creates a Ledger over db.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// RecordUsage appends one usage row. The total is computed here and never
// taken from the caller. An unknown session yields storeerr.ErrNotFound.
func (l *Ledger) RecordUsage(ctx context.Context, in UsageInput) (*models.SessionTokenUsage, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("tokens: record usage: session id is required: %w", storeerr.ErrInvalidArgument)
	}
	if in.InputTokens < 0 || in.OutputTokens < 0 {
		return nil, fmt.Errorf("tokens: record usage %s: negative token count (%d in, %d out): %w",
			in.SessionID, in.InputTokens, in.OutputTokens, storeerr.ErrInvalidArgument)
	}

	if err := requireSession(ctx, l.db, in.SessionID); err != nil {
		return nil, fmt.Errorf("tokens: record usage %s: %w", in.SessionID, err)
	}

	row := models.SessionTokenUsage{
		SessionID:    in.SessionID,
		InputTokens:  in.InputTokens,
		OutputTokens: in.OutputTokens,
		TotalTokens:  in.InputTokens + in.OutputTokens,
		Model:        in.Model,
		RequestID:    in.RequestID,
		AgentID:      in.AgentID,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("tokens: record usage %s: %w", in.SessionID, storeerr.Classify(err))
	}
	return &row, nil
}

// requireSession returns storeerr.ErrNotFound unless the session row
// exists. Sessions are never deleted, so the check cannot go stale.
func requireSession(ctx context.Context, db *gorm.DB, id string) error {
	var n int64
	if err := db.WithContext(ctx).Model(&models.RequestSession{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return storeerr.Classify(err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, storeerr.ErrNotFound)
	}
	return nil
}

// SessionStats aggregates every usage row of the session. A session with
// no rows yields zero Stats, not an error.
func (l *Ledger) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	var stats Stats
	err := l.db.WithContext(ctx).Model(&models.SessionTokenUsage{}).
		Select(statsColumns).
		Where("session_id = ?", sessionID).
		Scan(&stats).Error
	if err != nil {
		return Stats{}, fmt.Errorf("tokens: session stats %s: %w", sessionID, storeerr.Classify(err))
	}
	return stats, nil
}

// StatsMap aggregates usage for several sessions in one query. Sessions
// without usage are absent from the map.
func (l *Ledger) StatsMap(ctx context.Context, sessionIDs []string) (map[string]Stats, error) {
	result := make(map[string]Stats)
	if len(sessionIDs) == 0 {
		return result, nil
	}

	type row struct {
		SessionID string `gorm:"column:session_id"`
		Stats
	}

	var rows []row
	err := l.db.WithContext(ctx).Model(&models.SessionTokenUsage{}).
		Select("session_id, "+statsColumns).
		Where("session_id IN ?", sessionIDs).
		Group("session_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("tokens: batch stats: %w", storeerr.Classify(err))
	}

	for _, r := range rows {
		result[r.SessionID] = r.Stats
	}
	return result, nil
}

// History returns the usage rows of a session, oldest first.
func (l *Ledger) History(ctx context.Context, sessionID string) ([]models.SessionTokenUsage, error) {
	var rows []models.SessionTokenUsage
	err := l.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("tokens: history %s: %w", sessionID, storeerr.Classify(err))
	}
	return rows, nil
}

// SyncShadow copies the derived stats into the session's shadow columns.
// The write goes through the session store's version check, and the
// aggregate is recomputed on every retry so a concurrent usage row is
// never lost.
func (l *Ledger) SyncShadow(ctx context.Context, sessions *session.Store, sessionID string) (*models.RequestSession, error) {
	out, err := sessions.UpdateWithRetry(ctx, sessionID, shadowSyncAttempts, func(s *models.RequestSession) error {
		stats, err := l.SessionStats(ctx, sessionID)
		if err != nil {
			return err
		}
		s.TotalInputTokens = stats.TotalInputTokens
		s.TotalOutputTokens = stats.TotalOutputTokens
		s.TotalTokens = stats.TotalTokens
		s.LLMCallCount = stats.CallCount
		s.MaxInputTokensPerCall = stats.MaxInputTokens
		s.MaxOutputTokensPerCall = stats.MaxOutputTokens
		s.MaxTotalTokensPerCall = stats.MaxTotalTokens
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tokens: sync shadow %s: %w", sessionID, err)
	}
	return out, nil
}
