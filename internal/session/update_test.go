package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/db/dbtest"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/datatypes"
)

func strPtr(s string) *string { return &s }

func TestUpdate_IncrementsVersion(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	out, err := s.Update(ctx, sess.ID, 0, func(r *models.RequestSession) error {
		r.ConversationThreadID = strPtr("conv-1")
		r.CurrentAgentID = strPtr("routing-agent")
		r.ConversationContext = datatypes.JSON(`{"turns":1}`)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out.Version != 1 {
		t.Errorf("Version = %d, want 1", out.Version)
	}

	got, _ := s.Get(ctx, sess.ID)
	if got.Version != 1 {
		t.Errorf("stored Version = %d, want 1", got.Version)
	}
	if got.ConversationThreadID == nil || *got.ConversationThreadID != "conv-1" {
		t.Errorf("ConversationThreadID = %v, want conv-1", got.ConversationThreadID)
	}
	if string(got.ConversationContext) != `{"turns":1}` {
		t.Errorf("ConversationContext = %s", got.ConversationContext)
	}
}

func TestUpdate_IgnoresProtectedFields(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	_, err := s.Update(ctx, sess.ID, 0, func(r *models.RequestSession) error {
		r.Status = models.SessionArchived
		r.Version = 99
		r.UserID = "mallory"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, sess.ID)
	if got.Status != models.SessionActive || got.Version != 1 || got.UserID != "alice" {
		t.Errorf("protected fields changed: status=%s version=%d user=%s", got.Status, got.Version, got.UserID)
	}
}

func TestUpdate_StaleVersion(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	if _, err := s.Update(ctx, sess.ID, 0, func(r *models.RequestSession) error { return nil }); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err := s.Update(ctx, sess.ID, 0, func(r *models.RequestSession) error {
		r.CurrentAgentID = strPtr("late")
		return nil
	})
	if !errors.Is(err, storeerr.ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}
	got, _ := s.Get(ctx, sess.ID)
	if got.CurrentAgentID != nil {
		t.Errorf("conflicting update wrote CurrentAgentID = %q", *got.CurrentAgentID)
	}
}

func TestUpdate_MutatorError(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	boom := errors.New("boom")
	_, err := s.Update(ctx, sess.ID, 0, func(r *models.RequestSession) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.Get(ctx, sess.ID)
	if got.Version != 0 {
		t.Errorf("Version = %d after failed mutator, want 0", got.Version)
	}
}

func TestUpdate_TerminalRejected(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")
	closed, err := s.Close(ctx, sess.ID, 0, models.SessionExpired)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = s.Update(ctx, sess.ID, closed.Version, func(r *models.RequestSession) error {
		r.ConversationThreadID = strPtr("x")
		return nil
	})
	if !errors.Is(err, storeerr.ErrTerminalState) {
		t.Errorf("err = %v, want ErrTerminalState", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Update(context.Background(), "missing", 0, func(r *models.RequestSession) error { return nil })
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_ConcurrentSameVersion(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	agents := []string{"writer-a", "writer-b"}
	for i := range agents {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = s.Update(ctx, sess.ID, 0, func(r *models.RequestSession) error {
				r.CurrentAgentID = strPtr(agents[idx])
				return nil
			})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storeerr.ErrConcurrencyConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want 1/1", wins, conflicts)
	}
	got, _ := s.Get(ctx, sess.ID)
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestUpdateWithRetry_ReappliesOnFreshRow(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	// Two writers each add to the shadow counter; retry must keep both.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateWithRetry(ctx, sess.ID, 10, func(r *models.RequestSession) error {
				r.LLMCallCount++
				return nil
			})
			if err != nil {
				t.Errorf("UpdateWithRetry: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, sess.ID)
	if got.LLMCallCount != 2 {
		t.Errorf("LLMCallCount = %d, want 2", got.LLMCallCount)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestUpdateWithRetry_RetriesTransient(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	calls := 0
	out, err := s.UpdateWithRetry(ctx, sess.ID, 3, func(r *models.RequestSession) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("backend: %w", storeerr.ErrTransient)
		}
		r.LLMCallCount = 7
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateWithRetry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if out.LLMCallCount != 7 || out.Version != sess.Version+1 {
		t.Errorf("out = calls %d version %d", out.LLMCallCount, out.Version)
	}
}

func TestUpdateWithRetry_StopsOnPermanentError(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	calls := 0
	_, err := s.UpdateWithRetry(ctx, sess.ID, 5, func(r *models.RequestSession) error {
		calls++
		return storeerr.ErrInvalidArgument
	})
	if !errors.Is(err, storeerr.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	_, err = s.UpdateWithRetry(ctx, "missing", 5, func(r *models.RequestSession) error { return nil })
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTouch_SlidesExpiry(t *testing.T) {
	s, _, clk := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

	clk.Advance(30 * time.Minute)
	out, err := s.Touch(ctx, sess.ID, sess.Version, "req-1")
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if out.LastRequestID == nil || *out.LastRequestID != "req-1" {
		t.Errorf("LastRequestID = %v", out.LastRequestID)
	}
	wantExp := clk.Now().Add(time.Hour)
	got, _ := s.Get(ctx, sess.ID)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(wantExp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, wantExp)
	}
	if got.LastRequestAt == nil || !got.LastRequestAt.Equal(clk.Now()) {
		t.Errorf("LastRequestAt = %v, want %v", got.LastRequestAt, clk.Now())
	}
}

func TestClose_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		chain   []models.SessionStatus
		wantErr error
	}{
		{"active to inactive", []models.SessionStatus{models.SessionInactive}, nil},
		{"active to expired", []models.SessionStatus{models.SessionExpired}, nil},
		{"active to archived", []models.SessionStatus{models.SessionArchived}, nil},
		{"inactive to archived", []models.SessionStatus{models.SessionInactive, models.SessionArchived}, nil},
		{"inactive to inactive", []models.SessionStatus{models.SessionInactive, models.SessionInactive}, storeerr.ErrInvalidTransition},
		{"expired to archived", []models.SessionStatus{models.SessionExpired, models.SessionArchived}, storeerr.ErrTerminalState},
		{"archived to inactive", []models.SessionStatus{models.SessionArchived, models.SessionInactive}, storeerr.ErrTerminalState},
		{"to active", []models.SessionStatus{models.SessionActive}, storeerr.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestStore(t)
			ctx := context.Background()
			sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")

			version := sess.Version
			var err error
			for i, st := range tt.chain {
				var out *models.RequestSession
				out, err = s.Close(ctx, sess.ID, version, st)
				if i < len(tt.chain)-1 {
					if err != nil {
						t.Fatalf("step %d: %v", i, err)
					}
					version = out.Version
				}
			}

			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Close: %v", err)
				}
				got, _ := s.Get(ctx, sess.ID)
				if got.Status != tt.chain[len(tt.chain)-1] {
					t.Errorf("Status = %s, want %s", got.Status, tt.chain[len(tt.chain)-1])
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClose_StaleVersion(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")
	s.Touch(ctx, sess.ID, 0, "req-1")

	_, err := s.Close(ctx, sess.ID, 0, models.SessionArchived)
	if !errors.Is(err, storeerr.ErrConcurrencyConflict) {
		t.Errorf("err = %v, want ErrConcurrencyConflict", err)
	}
}

func TestClose_AllowsNewActive(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	first, _, _ := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")
	if _, err := s.Close(ctx, first.ID, 0, models.SessionInactive); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second, created, err := s.GetOrCreateActive(ctx, "alice", models.IntegrationSlack, "")
	if err != nil {
		t.Fatalf("GetOrCreateActive: %v", err)
	}
	if !created || second.ID == first.ID {
		t.Errorf("expected new session after close, created=%v", created)
	}
}

func TestExpireStale(t *testing.T) {
	s, gdb, clk := newTestStore(t)
	ctx := context.Background()

	stale, _, _ := s.GetOrCreateActive(ctx, "u1", models.IntegrationSlack, "")
	clk.Advance(45 * time.Minute)
	fresh, _, _ := s.GetOrCreateActive(ctx, "u2", models.IntegrationSlack, "")
	clk.Advance(30 * time.Minute)

	res, err := s.ExpireStale(ctx, clk.Now(), nil)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if res.Scanned != 1 || res.Expired != 1 || res.Conflicts != 0 {
		t.Errorf("result = %+v, want 1 scanned, 1 expired", res)
	}

	got, _ := s.Get(ctx, stale.ID)
	if got.Status != models.SessionExpired || got.Version != 1 {
		t.Errorf("stale: status=%s version=%d", got.Status, got.Version)
	}
	got, _ = s.Get(ctx, fresh.ID)
	if got.Status != models.SessionActive {
		t.Errorf("fresh: status=%s, want ACTIVE", got.Status)
	}

	// A second sweep finds nothing.
	res, err = s.ExpireStale(ctx, clk.Now(), nil)
	if err != nil {
		t.Fatalf("second ExpireStale: %v", err)
	}
	if res.Scanned != 0 {
		t.Errorf("second sweep scanned %d, want 0", res.Scanned)
	}
	if n := countActive(t, gdb, "u1", models.IntegrationSlack); n != 0 {
		t.Errorf("u1 active = %d, want 0", n)
	}
}

func TestExpireStale_IdleWithoutExpiry(t *testing.T) {
	s, gdb, clk := newTestStore(t)
	ctx := context.Background()

	sess, _, _ := s.GetOrCreateActive(ctx, "u1", models.IntegrationTool, "")
	// Rows written by other tools may carry no expires_at.
	gdb.Model(&models.RequestSession{}).Where("id = ?", sess.ID).UpdateColumn("expires_at", nil)
	clk.Advance(2 * time.Hour)

	res, err := s.ExpireStale(ctx, clk.Now(), nil)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("Expired = %d, want 1", res.Expired)
	}
}

func TestExpireStale_ConcurrentSweeps(t *testing.T) {
	s, _, clk := newTestStore(t)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c", "d"} {
		s.GetOrCreateActive(ctx, u, models.IntegrationWeb, "")
	}
	clk.Advance(3 * time.Hour)

	var wg sync.WaitGroup
	results := make([]SweepResult, 3)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, err := s.ExpireStale(ctx, clk.Now(), nil)
			if err != nil {
				t.Errorf("sweep %d: %v", idx, err)
			}
			results[idx] = r
		}(i)
	}
	wg.Wait()

	var expired int
	for _, r := range results {
		expired += r.Expired
	}
	if expired != 4 {
		t.Errorf("total expired across sweeps = %d, want 4", expired)
	}
}

func TestExpireStale_Checkpoint(t *testing.T) {
	gdb := dbtest.Open(t)
	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(gdb, config.SessionConfig{TTL: time.Hour}, WithClock(clk.Now), WithCheckpointEvery(2))
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		if _, _, err := s.GetOrCreateActive(ctx, u, models.IntegrationCLI, ""); err != nil {
			t.Fatalf("create %s: %v", u, err)
		}
	}
	clk.Advance(2 * time.Hour)

	var calls int
	res, err := s.ExpireStale(ctx, clk.Now(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if res.Expired != 5 {
		t.Errorf("Expired = %d, want 5", res.Expired)
	}
	// Before rows 1, 3 and 5.
	if calls != 3 {
		t.Errorf("checkpoint calls = %d, want 3", calls)
	}
}

func TestExpireStale_CheckpointStops(t *testing.T) {
	gdb := dbtest.Open(t)
	clk := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(gdb, config.SessionConfig{TTL: time.Hour}, WithClock(clk.Now), WithCheckpointEvery(1))
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		s.GetOrCreateActive(ctx, u, models.IntegrationCLI, "")
	}
	clk.Advance(2 * time.Hour)

	var calls int
	res, err := s.ExpireStale(ctx, clk.Now(), func(context.Context) error {
		calls++
		if calls == 2 {
			return storeerr.ErrLockNotHeld
		}
		return nil
	})
	if !errors.Is(err, storeerr.ErrLockNotHeld) {
		t.Fatalf("err = %v, want ErrLockNotHeld", err)
	}
	if res.Expired != 1 {
		t.Errorf("Expired = %d, want 1 before the failed checkpoint", res.Expired)
	}
	var active int64
	gdb.Model(&models.RequestSession{}).Where("status = ?", models.SessionActive).Count(&active)
	if active != 2 {
		t.Errorf("active after the failed checkpoint = %d, want 2", active)
	}
}
