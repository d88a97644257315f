package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RequestSession is one conversation context for one (user, integration)
// pair. At most one row per pair may be ACTIVE; the database enforces this
// with a partial unique index created by db.AutoMigrate.
type RequestSession struct {
	ID                   string          `gorm:"primaryKey;size:36"`
	UserID               string          `gorm:"size:255;not null;index:idx_request_sessions_identity"`
	IntegrationType      IntegrationType `gorm:"size:16;not null;index:idx_request_sessions_identity"`
	ExternalSessionID    *string         `gorm:"size:255;index"`
	CurrentAgentID       *string         `gorm:"size:255"`
	ConversationThreadID *string         `gorm:"size:255"`
	Status               SessionStatus   `gorm:"size:16;not null;default:ACTIVE;index"`
	Version              int64           `gorm:"not null;default:0"`
	UserContext          datatypes.JSON
	ConversationContext  datatypes.JSON
	LastRequestID        *string `gorm:"size:255"`

	// Shadow copies of the token ledger aggregates. The ledger rows are the
	// source of truth; these are refreshed by tokens.SyncShadow.
	TotalInputTokens       int64 `gorm:"not null;default:0"`
	TotalOutputTokens      int64 `gorm:"not null;default:0"`
	TotalTokens            int64 `gorm:"not null;default:0"`
	LLMCallCount           int64 `gorm:"column:llm_call_count;not null;default:0"`
	MaxInputTokensPerCall  int64 `gorm:"not null;default:0"`
	MaxOutputTokensPerCall int64 `gorm:"not null;default:0"`
	MaxTotalTokensPerCall  int64 `gorm:"not null;default:0"`

	LastRequestAt *time.Time `gorm:"index"`
	ExpiresAt     *time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table name used by migrations and raw SQL.
func (RequestSession) TableName() string { return "request_sessions" }

// BeforeSave normalizes timestamps to UTC.
func (s *RequestSession) BeforeSave(tx *gorm.DB) error {
	s.LastRequestAt = utcPtr(s.LastRequestAt)
	s.ExpiresAt = utcPtr(s.ExpiresAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return nil
}

// Expired reports whether expires_at lies strictly before now.
func (s *RequestSession) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// LastActive is the last request time, or the creation time for a
// session that has served no request yet.
func (s *RequestSession) LastActive() time.Time {
	if s.LastRequestAt != nil {
		return *s.LastRequestAt
	}
	return s.CreatedAt
}

// Stale reports whether the session is due for expiry at now: past
// expires_at, or idle for longer than ttl. It is the in-memory form of
// StaleCondition.
func (s *RequestSession) Stale(now time.Time, ttl time.Duration) bool {
	if s.Expired(now) {
		return true
	}
	return ttl > 0 && s.LastActive().Before(now.Add(-ttl))
}

// StaleCondition selects the rows Stale reports true for. Its arguments
// are now and now minus the TTL.
const StaleCondition = "((expires_at IS NOT NULL AND expires_at < ?) OR COALESCE(last_request_at, created_at) < ?)"

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
