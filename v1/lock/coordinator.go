package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/model"
)

const (
	// DefaultTimeout is the age after which a lock counts as abandoned.
	DefaultTimeout = 5 * time.Minute
	// DefaultMinRefresh is the minimum interval between timestamp rewrites
	// for a holder re-acquiring its own lock.
	DefaultMinRefresh = 30 * time.Second

	acquireAttempts = 3
)

// Store persists item lock fields. WriteLock is a compare-and-set: it stores
// l only while the current lock equals prev (nil meaning unlocked) and fails
// with a LOCKED error otherwise. ClearLock removes holder's lock, restricted
// to the one taken at acquiredAt unless acquiredAt is zero.
type Store interface {
	ReadLock(ctx context.Context, itemID string) (*model.Lock, error)
	WriteLock(ctx context.Context, itemID string, l model.Lock, prev *model.Lock) error
	ClearLock(ctx context.Context, itemID, holder string, acquiredAt time.Time) (bool, error)
	ListLocks(ctx context.Context) (map[string]model.Lock, error)
}

// Coordinator grants and checks editing locks.
type Coordinator struct {
	store      Store
	clock      clock.Clock
	timeout    time.Duration
	minRefresh time.Duration
	logger     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the lock expiry.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMinRefresh sets the debounce interval for self re-acquisition.
func WithMinRefresh(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.minRefresh = d
		}
	}
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator returns a Coordinator persisting locks in store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		clock:      clock.System(),
		timeout:    DefaultTimeout,
		minRefresh: DefaultMinRefresh,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the configured lock expiry.
func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// NeedsRefresh reports whether a holder re-acquiring a lock taken at
// lastAcquired should rewrite the timestamp at now.
func NeedsRefresh(now, lastAcquired time.Time, minRefresh time.Duration) bool {
	return now.Sub(lastAcquired) >= minRefresh
}

// Expired reports whether l is older than timeout at now.
func Expired(l model.Lock, now time.Time, timeout time.Duration) bool {
	return now.Sub(l.AcquiredAt) > timeout
}

// Acquire claims itemID for participantID. It fails with a LOCKED error
// naming the holder when another participant holds a lock that has not
// expired. A holder re-acquiring within the refresh interval is granted
// without a write. Concurrent callers race on the store's compare-and-set,
// so at most one of them wins a given lock.
func (c *Coordinator) Acquire(ctx context.Context, itemID, participantID string) (model.Lock, error) {
	for attempt := 1; ; attempt++ {
		cur, err := c.store.ReadLock(ctx, itemID)
		if err != nil {
			return model.Lock{}, err
		}
		now := c.clock.Now()
		if cur != nil && !Expired(*cur, now, c.timeout) {
			if cur.Holder != participantID {
				metrics.LockConflictCounter.Inc()
				return model.Lock{}, huddleerrors.Locked(cur.Holder)
			}
			if !NeedsRefresh(now, cur.AcquiredAt, c.minRefresh) {
				return *cur, nil
			}
		}
		l := model.Lock{Holder: participantID, AcquiredAt: now}
		err = c.store.WriteLock(ctx, itemID, l, cur)
		if err == nil {
			if cur != nil && cur.Holder != participantID {
				c.logger.Info("took over expired lock", "item", itemID, "previous", cur.Holder, "holder", participantID)
			}
			return l, nil
		}
		if !errors.Is(err, huddleerrors.ErrLocked) {
			return model.Lock{}, err
		}
		// the lock moved since it was read; judge the new one
		if attempt == acquireAttempts {
			metrics.LockConflictCounter.Inc()
			return model.Lock{}, err
		}
	}
}

// Release clears the lock of itemID if participantID holds it. It reports
// whether a lock was cleared.
func (c *Coordinator) Release(ctx context.Context, itemID, participantID string) (bool, error) {
	return c.store.ClearLock(ctx, itemID, participantID, time.Time{})
}

// IsHeld reports whether participantID may mutate itemID: the item is
// unlocked, locked by participantID, or locked by someone whose lock expired.
func (c *Coordinator) IsHeld(ctx context.Context, itemID, participantID string) (bool, error) {
	cur, err := c.store.ReadLock(ctx, itemID)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.Holder == participantID {
		return true, nil
	}
	return Expired(*cur, c.clock.Now(), c.timeout), nil
}

// Verify is IsHeld returning a FORBIDDEN error naming the holder on denial.
func (c *Coordinator) Verify(ctx context.Context, itemID, participantID string) error {
	cur, err := c.store.ReadLock(ctx, itemID)
	if err != nil {
		return err
	}
	if cur == nil || cur.Holder == participantID || Expired(*cur, c.clock.Now(), c.timeout) {
		return nil
	}
	return &huddleerrors.Error{
		Code:    huddleerrors.CodeForbidden,
		Message: "item is being edited by another participant",
		Holder:  cur.Holder,
	}
}

// SweepExpired clears every lock older than the timeout and returns how many
// were cleared. Individual failures are logged and do not stop the sweep.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	locks, err := c.store.ListLocks(ctx)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()
	cleared := 0
	var errs []error
	for itemID, l := range locks {
		if !Expired(l, now, c.timeout) {
			continue
		}
		// only the lock that was seen expiring; a fresh re-acquisition stays
		ok, err := c.store.ClearLock(ctx, itemID, l.Holder, l.AcquiredAt)
		if err != nil {
			c.logger.Warn("sweep lock", "item", itemID, "err", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			cleared++
		}
	}
	if cleared > 0 {
		metrics.LockSweptCounter.Add(float64(cleared))
		c.logger.Debug("swept expired locks", "count", cleared)
	}
	return cleared, errors.Join(errs...)
}

// ReleaseAll clears every lock held by participantID.
func (c *Coordinator) ReleaseAll(ctx context.Context, participantID string) (int, error) {
	locks, err := c.store.ListLocks(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	var errs []error
	for itemID, l := range locks {
		if l.Holder != participantID {
			continue
		}
		ok, err := c.store.ClearLock(ctx, itemID, participantID, time.Time{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}

// Run sweeps expired locks every interval until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.timeout / 5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("lock sweep failed", "err", err)
			}
		}
	}
}
