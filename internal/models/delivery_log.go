package models

import (
	"time"

	"gorm.io/gorm"
)

// DeliveryLog is the retry chain for one outbound delivery.
type DeliveryLog struct {
	ID              string          `gorm:"primaryKey;size:36"`
	SessionID       string          `gorm:"size:36;not null;index"`
	RequestID       string          `gorm:"size:255;index"`
	IntegrationType IntegrationType `gorm:"size:16;not null"`
	Channel         string          `gorm:"size:255;not null"`
	Status          DeliveryStatus  `gorm:"size:16;not null;default:PENDING;index:idx_delivery_logs_status_expiry"`
	AttemptCount    int             `gorm:"not null;default:0"`
	MaxAttempts     int             `gorm:"not null;default:0"`
	LastError       string          `gorm:"type:text"`
	FirstAttemptAt  time.Time
	LastAttemptAt   *time.Time
	DeliveredAt     *time.Time
	ExpiresAt       *time.Time `gorm:"index:idx_delivery_logs_status_expiry"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (DeliveryLog) TableName() string { return "delivery_logs" }

// BeforeSave normalizes timestamps to UTC.
func (d *DeliveryLog) BeforeSave(tx *gorm.DB) error {
	d.FirstAttemptAt = d.FirstAttemptAt.UTC()
	d.LastAttemptAt = utcPtr(d.LastAttemptAt)
	d.DeliveredAt = utcPtr(d.DeliveredAt)
	d.ExpiresAt = utcPtr(d.ExpiresAt)
	return nil
}
