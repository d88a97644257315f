package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// leaseTable emulates advisory locks with rows in coordination_locks. The
// handle's random holder token plays the role of the connection identity.
// A lease that is not renewed before expires_at may be taken over.
type leaseTable struct {
	db     *gorm.DB
	holder string
	lease  time.Duration
	now    func() time.Time
}

func newLease(db *gorm.DB, lease time.Duration, now func() time.Time) *leaseTable {
	return &leaseTable{db: db, holder: uuid.NewString(), lease: lease, now: now}
}

func (l *leaseTable) clock() time.Time { return l.now().UTC() }

func (l *leaseTable) tryAcquire(ctx context.Context, key int64) (bool, error) {
	now := l.clock()
	row := models.LockLease{LockKey: key, Holder: l.holder, AcquiredAt: now, ExpiresAt: now.Add(l.lease)}

	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// Take over an expired lease.
	result = l.db.WithContext(ctx).Model(&models.LockLease{}).
		Where("lock_key = ? AND expires_at <= ?", key, now).
		UpdateColumns(map[string]interface{}{
			"holder":      l.holder,
			"acquired_at": now,
			"expires_at":  now.Add(l.lease),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (l *leaseTable) isHeld(ctx context.Context, key int64) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.LockLease{}).
		Where("lock_key = ? AND holder = ? AND expires_at > ?", key, l.holder, l.clock()).
		Count(&n).Error
	return n == 1, err
}

func (l *leaseTable) renew(ctx context.Context, key int64) error {
	now := l.clock()
	result := l.db.WithContext(ctx).Model(&models.LockLease{}).
		Where("lock_key = ? AND holder = ? AND expires_at > ?", key, l.holder, now).
		UpdateColumn("expires_at", now.Add(l.lease))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storeerr.ErrLockNotHeld
	}
	return nil
}

func (l *leaseTable) release(ctx context.Context, key int64) (bool, error) {
	result := l.db.WithContext(ctx).
		Where("lock_key = ? AND holder = ?", key, l.holder).
		Delete(&models.LockLease{})
	return result.RowsAffected == 1, result.Error
}

func (l *leaseTable) close() error {
	return l.db.Where("holder = ?", l.holder).Delete(&models.LockLease{}).Error
}
