package models

import "time"

// SessionTokenUsage is one immutable usage event billed to a session.
type SessionTokenUsage struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	SessionID    string `gorm:"size:36;not null;index"`
	InputTokens  int64  `gorm:"not null;default:0"`
	OutputTokens int64  `gorm:"not null;default:0"`
	TotalTokens  int64  `gorm:"not null;default:0"`
	Model        string `gorm:"size:128"`
	RequestID    string `gorm:"size:255;index"`
	AgentID      string `gorm:"size:255"`
	CreatedAt    time.Time
}

func (SessionTokenUsage) TableName() string { return "session_token_usage" }
