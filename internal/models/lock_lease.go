package models

import "time"

// LockLease backs the lease-table lock coordinator used on engines without
// native advisory locks. A key is held by Holder until ExpiresAt.
type LockLease struct {
	LockKey    int64  `gorm:"primaryKey;autoIncrement:false"`
	Holder     string `gorm:"size:64;not null"`
	AcquiredAt time.Time
	ExpiresAt  time.Time `gorm:"index"`
}

func (LockLease) TableName() string { return "coordination_locks" }
