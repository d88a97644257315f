package models

import "time"

// RequestLog is the append-only journal row for one dispatched request,
// tagged with the replica that owns it.
type RequestLog struct {
	ID              uint            `gorm:"primaryKey;autoIncrement"`
	RequestID       string          `gorm:"size:255;not null;uniqueIndex"`
	SessionID       string          `gorm:"size:36;index"`
	IntegrationType IntegrationType `gorm:"size:16"`
	RequestType     string          `gorm:"size:64"`
	PodName         string          `gorm:"size:255;not null;index:idx_request_logs_pod_pending"`
	CompletedAt     *time.Time      `gorm:"index:idx_request_logs_pod_pending"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (RequestLog) TableName() string { return "request_logs" }
