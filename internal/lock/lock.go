// Package lock grants singleton duties to one replica at a time using the
// shared store's own locking primitive: session-scoped advisory locks on
// Postgres and MySQL, a lease table elsewhere.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/db"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
)

// DefaultLease is how long a lease-table lock survives without Renew.
const DefaultLease = 2 * time.Minute

// Backend names.
const (
	BackendAuto     = ""
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendLease    = "lease"
)

// KeyFor derives the lock key of a named duty. Distinct duty names map to
// distinct keys with overwhelming probability; the "ssa:" prefix keeps the
// key space apart from other users of the same database.
func KeyFor(duty string) int64 {
	h := fnv.New64a()
	h.Write([]byte("ssa:" + duty))
	return int64(h.Sum64())
}

// backend is one connection-scoped (or token-scoped) lock owner.
type backend interface {
	tryAcquire(ctx context.Context, key int64) (bool, error)
	isHeld(ctx context.Context, key int64) (bool, error)
	renew(ctx context.Context, key int64) error
	release(ctx context.Context, key int64) (bool, error)
	close() error
}

// Coordinator opens lock handles against one database.
type Coordinator struct {
	db      *gorm.DB
	backend string
	lease   time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithBackend forces a backend instead of choosing one from the dialect.
func WithBackend(name string) Option {
	return func(c *Coordinator) { c.backend = name }
}

// WithLease sets the lease length used by the lease-table backend.
func WithLease(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithClock replaces time.Now for the lease-table backend, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a Coordinator over gdb.
func New(gdb *gorm.DB, opts ...Option) *Coordinator {
	c := &Coordinator{db: gdb, lease: DefaultLease, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if c.backend == BackendAuto {
		switch gdb.Dialector.Name() {
		case db.DialectPostgres:
			c.backend = BackendPostgres
		case db.DialectMySQL:
			c.backend = BackendMySQL
		default:
			c.backend = BackendLease
		}
	}
	return c
}

// Backend reports the backend handles will use.
func (c *Coordinator) Backend() string { return c.backend }

// Open returns a new Handle. Advisory backends pin one pooled connection
// for the handle's lifetime; close the handle to return it.
func (c *Coordinator) Open(ctx context.Context) (*Handle, error) {
	var b backend
	var err error
	switch c.backend {
	case BackendPostgres:
		b, err = openPostgres(ctx, c.db)
	case BackendMySQL:
		b, err = openMySQL(ctx, c.db)
	case BackendLease:
		b = newLease(c.db, c.lease, c.now)
	default:
		return nil, fmt.Errorf("lock: unknown backend %q", c.backend)
	}
	if err != nil {
		return nil, fmt.Errorf("lock: open %s handle: %w", c.backend, storeerr.Classify(err))
	}
	return &Handle{b: b, backend: c.backend, log: c.log}, nil
}

// Handle is the "current session" that holds locks. A Handle is not safe
// for concurrent use.
type Handle struct {
	b       backend
	backend string
	log     *slog.Logger
}

// TryAcquire attempts to take key without blocking. It reports true when
// the handle holds the key afterwards, including when it already did.
func (h *Handle) TryAcquire(ctx context.Context, key int64) (bool, error) {
	held, err := h.b.isHeld(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lock: try acquire %d: %w", key, storeerr.Classify(err))
	}
	if held {
		return true, nil
	}
	ok, err := h.b.tryAcquire(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lock: try acquire %d: %w", key, storeerr.Classify(err))
	}
	h.log.Debug("lock try acquire", "backend", h.backend, "lock_key", key, "acquired", ok)
	return ok, nil
}

// IsHeldByCurrentSession reports whether this handle, not merely some
// connection, holds key.
func (h *Handle) IsHeldByCurrentSession(ctx context.Context, key int64) (bool, error) {
	held, err := h.b.isHeld(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lock: check %d: %w", key, storeerr.Classify(err))
	}
	return held, nil
}

// Verify returns storeerr.ErrLockNotHeld unless this handle holds key.
// Call it before every side-effecting step of a singleton duty.
func (h *Handle) Verify(ctx context.Context, key int64) error {
	held, err := h.IsHeldByCurrentSession(ctx, key)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("lock: key %d: %w", key, storeerr.ErrLockNotHeld)
	}
	return nil
}

// Renew extends a lease-table lock. Advisory locks live as long as their
// connection, so for them Renew only verifies.
func (h *Handle) Renew(ctx context.Context, key int64) error {
	if err := h.b.renew(ctx, key); err != nil {
		return fmt.Errorf("lock: renew %d: %w", key, storeerr.Classify(err))
	}
	return nil
}

// Release gives up key. Releasing a key the handle does not hold returns
// storeerr.ErrLockNotHeld.
func (h *Handle) Release(ctx context.Context, key int64) error {
	ok, err := h.b.release(ctx, key)
	if err != nil {
		return fmt.Errorf("lock: release %d: %w", key, storeerr.Classify(err))
	}
	if !ok {
		return fmt.Errorf("lock: release %d: %w", key, storeerr.ErrLockNotHeld)
	}
	return nil
}

// Close releases every key held by the handle and returns its connection.
func (h *Handle) Close() error {
	if err := h.b.close(); err != nil {
		return fmt.Errorf("lock: close: %w", err)
	}
	return nil
}
