package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/db/dbtest"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/lock"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/session"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
)

type fakeExpirer struct {
	calls  int
	result session.SweepResult
	hook   func(ctx context.Context, check session.Checkpoint) error
}

func (f *fakeExpirer) ExpireStale(ctx context.Context, now time.Time, check session.Checkpoint) (session.SweepResult, error) {
	f.calls++
	if f.hook != nil {
		if err := f.hook(ctx, check); err != nil {
			return f.result, err
		}
	}
	return f.result, nil
}

type fakeSweeper struct {
	calls int
	n     int64
	err   error
}

func (f *fakeSweeper) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	f.calls++
	return f.n, f.err
}

func newFakeReaper(t *testing.T) (*Reaper, *gorm.DB, *fakeExpirer, *fakeSweeper) {
	t.Helper()
	gdb := dbtest.Open(t)
	exp := &fakeExpirer{result: session.SweepResult{Scanned: 3, Expired: 2, Conflicts: 1}}
	sw := &fakeSweeper{n: 4}
	r := New(lock.New(gdb), exp, sw, config.MaintenanceConfig{}, nil)
	return r, gdb, exp, sw
}

func TestNew_DefaultSchedule(t *testing.T) {
	r, _, _, _ := newFakeReaper(t)
	if r.schedule != DefaultSchedule {
		t.Errorf("schedule = %q, want %q", r.schedule, DefaultSchedule)
	}
	if r.key != lock.KeyFor(DutyName) {
		t.Errorf("key = %d, want KeyFor(%q)", r.key, DutyName)
	}
}

func TestRunOnce_RunsAllSteps(t *testing.T) {
	r, gdb, exp, sw := newFakeReaper(t)

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !rep.Acquired || rep.Aborted {
		t.Errorf("rep = %+v, want acquired and not aborted", rep)
	}
	if exp.calls != 1 || sw.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", exp.calls, sw.calls)
	}
	if rep.Sessions.Expired != 2 || rep.DeliveriesExpired != 4 {
		t.Errorf("rep = %+v", rep)
	}

	var leases int64
	gdb.Model(&models.LockLease{}).Count(&leases)
	if leases != 0 {
		t.Errorf("lock leases after cycle = %d, want 0", leases)
	}
}

func TestRunOnce_SkipsWhenHeldElsewhere(t *testing.T) {
	r, _, exp, sw := newFakeReaper(t)
	ctx := context.Background()

	other, err := r.locks.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()
	if ok, _ := other.TryAcquire(ctx, lock.KeyFor(DutyName)); !ok {
		t.Fatal("other replica failed to acquire")
	}

	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Acquired {
		t.Error("reaper acquired a held lock")
	}
	if exp.calls != 0 || sw.calls != 0 {
		t.Errorf("steps ran while skipped: %d/%d", exp.calls, sw.calls)
	}
	if held, _ := other.IsHeldByCurrentSession(ctx, lock.KeyFor(DutyName)); !held {
		t.Error("skipped cycle disturbed the other holder")
	}
}

func TestRunOnce_AbortsWhenLockLost(t *testing.T) {
	r, gdb, exp, sw := newFakeReaper(t)
	exp.hook = func(context.Context, session.Checkpoint) error {
		// Simulate the lease being taken away mid-cycle.
		return gdb.Where("1 = 1").Delete(&models.LockLease{}).Error
	}

	rep, err := r.RunOnce(context.Background())
	if !errors.Is(err, storeerr.ErrLockNotHeld) {
		t.Fatalf("err = %v, want ErrLockNotHeld", err)
	}
	if !rep.Aborted {
		t.Error("rep.Aborted = false, want true")
	}
	if sw.calls != 0 {
		t.Errorf("delivery sweep ran %d times after lock loss", sw.calls)
	}
}

func TestRunOnce_RenewsLeaseDuringLongStep(t *testing.T) {
	gdb := dbtest.Open(t)
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	locks := lock.New(gdb, lock.WithBackend(lock.BackendLease), lock.WithLease(time.Minute), lock.WithClock(clock))
	exp := &fakeExpirer{}
	sw := &fakeSweeper{}
	r := New(locks, exp, sw, config.MaintenanceConfig{}, nil)

	var stolen bool
	exp.hook = func(ctx context.Context, check session.Checkpoint) error {
		other, err := locks.Open(ctx)
		if err != nil {
			return err
		}
		defer other.Close()
		// Three batches of 40s each: the step outlives the one-minute lease.
		for i := 0; i < 3; i++ {
			advance(40 * time.Second)
			if err := check(ctx); err != nil {
				return err
			}
			ok, err := other.TryAcquire(ctx, lock.KeyFor(DutyName))
			if err != nil {
				return err
			}
			if ok {
				stolen = true
			}
		}
		return nil
	}

	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stolen {
		t.Error("another handle took the lease while the cycle was running")
	}
	if rep.Aborted || sw.calls != 1 {
		t.Errorf("rep = %+v, sweep calls = %d; want a full cycle", rep, sw.calls)
	}
}

func TestRunOnce_AbortsWhenCheckpointLosesLock(t *testing.T) {
	r, gdb, exp, sw := newFakeReaper(t)
	exp.hook = func(ctx context.Context, check session.Checkpoint) error {
		gdb.Where("1 = 1").Delete(&models.LockLease{})
		return check(ctx)
	}

	rep, err := r.RunOnce(context.Background())
	if !errors.Is(err, storeerr.ErrLockNotHeld) {
		t.Fatalf("err = %v, want ErrLockNotHeld", err)
	}
	if !rep.Aborted {
		t.Error("rep.Aborted = false, want true")
	}
	if sw.calls != 0 {
		t.Errorf("delivery sweep ran %d times after lock loss", sw.calls)
	}
}

func TestRunOnce_StepError(t *testing.T) {
	r, _, _, sw := newFakeReaper(t)
	sw.err = errors.New("disk full")
	_, err := r.RunOnce(context.Background())
	if err == nil || !errors.Is(err, sw.err) {
		t.Errorf("err = %v, want wrapped step error", err)
	}
}

func TestRunOnce_RealStores(t *testing.T) {
	gdb := dbtest.Open(t)
	ctx := context.Background()
	sessions := session.New(gdb, config.SessionConfig{TTL: time.Hour})
	tracker := delivery.NewTracker(gdb, config.DeliveryConfig{TTL: time.Minute, MaxAttempts: 2})

	past := time.Now().Add(-2 * time.Hour)
	old := models.RequestSession{
		ID: "old", UserID: "u1", IntegrationType: models.IntegrationSlack, Status: models.SessionActive,
		ExpiresAt: &past, CreatedAt: past, UpdatedAt: past,
	}
	if err := gdb.Create(&old).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	live, _, _ := sessions.GetOrCreateActive(ctx, "u2", models.IntegrationSlack, "")
	d, _ := tracker.Create(ctx, delivery.CreateInput{SessionID: live.ID, IntegrationType: models.IntegrationSlack, Channel: "C1"})
	tracker.RecordAttempt(ctx, d.ID, delivery.OutcomeTransientFailure, "x")
	tracker.RecordAttempt(ctx, d.ID, delivery.OutcomeTransientFailure, "x")

	r := New(lock.New(gdb), sessions, tracker, config.MaintenanceConfig{}, nil)
	rep, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Sessions.Expired != 1 || rep.DeliveriesExpired != 1 {
		t.Errorf("rep = %+v, want 1 session and 1 delivery expired", rep)
	}
	got, _ := sessions.Get(ctx, "old")
	if got.Status != models.SessionExpired {
		t.Errorf("old session status = %s", got.Status)
	}
	got, _ = sessions.Get(ctx, live.ID)
	if got.Status != models.SessionActive {
		t.Errorf("live session status = %s", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	r, _, _, _ := newFakeReaper(t)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.IsRunning() {
		t.Error("IsRunning = false after Start")
	}
	// Second Start is a no-op.
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	r.Stop()
	if r.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	r.Stop()
}

func TestStart_BadSchedule(t *testing.T) {
	gdb := dbtest.Open(t)
	r := New(lock.New(gdb), &fakeExpirer{}, &fakeSweeper{}, config.MaintenanceConfig{Schedule: "every tuesday"}, nil)
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error for bad schedule")
	}
	if r.IsRunning() {
		t.Error("IsRunning after failed Start")
	}
}
