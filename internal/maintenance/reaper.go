// Package maintenance runs the singleton cleanup duty. Every replica
// schedules it; the lock coordinator lets one replica per cycle do the work.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/lock"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/session"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
)

// DutyName is the lock duty the reaper runs under.
const DutyName = "reaper"

// DefaultSchedule runs the reaper every five minutes.
const DefaultSchedule = "*/5 * * * *"

// SessionExpirer expires idle sessions, calling check between rows.
type SessionExpirer interface {
	ExpireStale(ctx context.Context, now time.Time, check session.Checkpoint) (session.SweepResult, error)
}

// DeliverySweeper expires deliveries past their budget.
type DeliverySweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Report summarizes one reaper cycle.
type Report struct {
	Acquired          bool                `json:"acquired"`
	Aborted           bool                `json:"aborted"`
	Sessions          session.SweepResult `json:"sessions"`
	DeliveriesExpired int64               `json:"deliveries_expired"`
}

// Reaper expires stale sessions and deliveries under the "reaper" lock.
type Reaper struct {
	locks      *lock.Coordinator
	sessions   SessionExpirer
	deliveries DeliverySweeper
	schedule   string
	key        int64
	now        func() time.Time
	log        *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Reaper.
func New(locks *lock.Coordinator, sessions SessionExpirer, deliveries DeliverySweeper, cfg config.MaintenanceConfig, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Reaper{
		locks:      locks,
		sessions:   sessions,
		deliveries: deliveries,
		schedule:   schedule,
		key:        lock.KeyFor(DutyName),
		now:        time.Now,
		log:        log.With("duty", DutyName),
	}
}

type step struct {
	name string
	run  func(ctx context.Context, now time.Time, renew session.Checkpoint, rep *Report) error
}

func (r *Reaper) steps() []step {
	return []step{
		{"session expiry", func(ctx context.Context, now time.Time, renew session.Checkpoint, rep *Report) error {
			res, err := r.sessions.ExpireStale(ctx, now, renew)
			rep.Sessions = res
			return err
		}},
		{"delivery sweep", func(ctx context.Context, now time.Time, renew session.Checkpoint, rep *Report) error {
			n, err := r.deliveries.SweepExpired(ctx, now)
			rep.DeliveriesExpired = n
			return err
		}},
	}
}

// RunOnce runs a single cycle. When another replica holds the lock the
// cycle is skipped and Report.Acquired is false. The lock is renewed
// before each step and between session expiry rows; losing it aborts the
// cycle with storeerr.ErrLockNotHeld.
func (r *Reaper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	h, err := r.locks.Open(ctx)
	if err != nil {
		return rep, fmt.Errorf("maintenance: open lock handle: %w", err)
	}
	defer h.Close()

	ok, err := h.TryAcquire(ctx, r.key)
	if err != nil {
		return rep, fmt.Errorf("maintenance: acquire: %w", err)
	}
	if !ok {
		r.log.Info("reaper lock held elsewhere, skipping cycle", "lock_key", r.key)
		return rep, nil
	}
	rep.Acquired = true
	defer func() {
		if err := h.Release(context.Background(), r.key); err != nil && !errors.Is(err, storeerr.ErrLockNotHeld) {
			r.log.Warn("reaper lock release failed", "lock_key", r.key, "error", err)
		}
	}()

	// Renewing extends a lease-table lock and only verifies an advisory one.
	renew := func(ctx context.Context) error { return h.Renew(ctx, r.key) }

	for _, s := range r.steps() {
		if err := renew(ctx); err != nil {
			return rep, r.abort(&rep, s.name, fmt.Errorf("maintenance: before %s: %w", s.name, err))
		}
		if err := s.run(ctx, r.now().UTC(), renew, &rep); err != nil {
			return rep, r.abort(&rep, s.name, fmt.Errorf("maintenance: %s: %w", s.name, err))
		}
	}

	r.log.Info("reaper cycle complete",
		"sessions_scanned", rep.Sessions.Scanned,
		"sessions_expired", rep.Sessions.Expired,
		"session_conflicts", rep.Sessions.Conflicts,
		"deliveries_expired", rep.DeliveriesExpired)
	return rep, nil
}

// abort marks the cycle aborted when err means the lock was lost.
func (r *Reaper) abort(rep *Report, stepName string, err error) error {
	if errors.Is(err, storeerr.ErrLockNotHeld) {
		rep.Aborted = true
		r.log.Warn("reaper lost its lock, aborting cycle", "step", stepName, "lock_key", r.key)
	}
	return err
}

// Start schedules RunOnce on the configured cron expression. It does not
// block. Overlapping cycles on one replica are skipped.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Error("reaper cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c
	r.log.Info("reaper started", "schedule", r.schedule)
	return nil
}

// Stop unschedules the reaper and waits for a running cycle to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.log.Info("reaper stopped")
}

// IsRunning reports whether the reaper is scheduled.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cron != nil
}
