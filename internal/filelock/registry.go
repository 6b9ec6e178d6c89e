package filelock

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/logging"
)

// Registry is the lock coordinator: a map of path to owner guarded by one mutex.
type Registry struct {
	mu    sync.Mutex
	locks map[string]Lock

	clock         Clock
	ttl           time.Duration
	retryInterval time.Duration
	sweepInterval time.Duration
	bus           *event.Bus
	logger        *logging.Logger
	onWait        WaitFunc
}

// NewRegistry creates a Registry with the default 10s retry, 5m TTL, and 30s sweep.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		locks:         make(map[string]Lock),
		clock:         realClock{},
		ttl:           DefaultTTL,
		retryInterval: DefaultRetryInterval,
		sweepInterval: DefaultSweepInterval,
		logger:        logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func normalize(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// TryAcquire grants path to owner if it is free or already held by owner.
// Otherwise it returns a *BusyError naming the current owner.
func (r *Registry) TryAcquire(path, owner string) error {
	if owner == "" {
		return errors.New("filelock: owner must not be empty")
	}
	path = normalize(path)

	r.mu.Lock()
	lock, granted, err := r.tryAcquireLocked(path, owner)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if granted {
		r.logger.Debug("lock acquired", "path", path, "owner", owner)
		r.bus.Publish(event.NewLockAcquiredEvent(lock.Path, lock.Owner))
	}
	return nil
}

// tryAcquireLocked reports granted=false for idempotent re-acquisition so
// that no duplicate event is published.
func (r *Registry) tryAcquireLocked(path, owner string) (Lock, bool, error) {
	if existing, ok := r.locks[path]; ok {
		if existing.Owner == owner {
			return existing, false, nil
		}
		return Lock{}, false, &BusyError{Path: path, Owner: existing.Owner, Since: existing.AcquiredAt}
	}
	lock := Lock{Path: path, Owner: owner, AcquiredAt: r.clock.Now()}
	r.locks[path] = lock
	return lock, true, nil
}

// Acquire blocks until owner holds path or ctx is done. While the path is
// busy it retries on a fixed interval. The wait is logged once, not per
// attempt. On cancellation the returned error wraps both ErrLockTimeout and
// the context error.
func (r *Registry) Acquire(ctx context.Context, path, owner string) error {
	var (
		waiting bool
		timer   *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		err := r.TryAcquire(path, owner)
		if err == nil {
			if waiting {
				r.logger.Info("lock granted after wait", "path", normalize(path), "owner", owner)
			}
			return nil
		}

		var busy *BusyError
		if !errors.As(err, &busy) {
			return err
		}
		if !waiting {
			waiting = true
			r.logger.Info("waiting for lock", "path", busy.Path, "owner", owner, "held_by", busy.Owner)
			if r.onWait != nil {
				r.onWait(busy.Path, owner, busy.Owner)
			}
		}

		if timer == nil {
			timer = time.NewTimer(r.retryInterval)
		} else {
			timer.Reset(r.retryInterval)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s held by %s: %w", errors.ErrLockTimeout, busy.Path, busy.Owner, ctx.Err())
		case <-timer.C:
		}
	}
}

// AcquireAll acquires every path in sorted order, so that two workers
// locking overlapping sets cannot deadlock each other.
func (r *Registry) AcquireAll(ctx context.Context, paths []string, owner string) error {
	sorted := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		n := normalize(p)
		if !seen[n] {
			seen[n] = true
			sorted = append(sorted, n)
		}
	}
	sort.Strings(sorted)

	for _, p := range sorted {
		if err := r.Acquire(ctx, p, owner); err != nil {
			return err
		}
	}
	return nil
}

// Release frees path if owner holds it. Returns ErrNotLocked or ErrNotOwner
// otherwise; callers treat both as non-fatal.
func (r *Registry) Release(path, owner string) error {
	path = normalize(path)

	r.mu.Lock()
	err := r.releaseLocked(path, owner)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.logger.Debug("lock released", "path", path, "owner", owner)
	r.bus.Publish(event.NewLockReleasedEvent(path, owner))
	return nil
}

func (r *Registry) releaseLocked(path, owner string) error {
	existing, ok := r.locks[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLocked, path)
	}
	if existing.Owner != owner {
		return fmt.Errorf("%w: %s owns %s", ErrNotOwner, existing.Owner, path)
	}
	delete(r.locks, path)
	return nil
}

// ReleaseAll frees every lock held by owner and returns the released paths
// in sorted order.
func (r *Registry) ReleaseAll(owner string) []string {
	r.mu.Lock()
	var released []string
	for path, lock := range r.locks {
		if lock.Owner == owner {
			delete(r.locks, path)
			released = append(released, path)
		}
	}
	r.mu.Unlock()

	sort.Strings(released)
	for _, path := range released {
		r.bus.Publish(event.NewLockReleasedEvent(path, owner))
	}
	if len(released) > 0 {
		r.logger.Debug("released all locks", "owner", owner, "count", len(released))
	}
	return released
}

// Sweep force-releases every lock whose age has reached the TTL and returns
// the expired locks.
func (r *Registry) Sweep() []Lock {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []Lock
	for path, lock := range r.locks {
		if lock.Age(now) >= r.ttl {
			delete(r.locks, path)
			expired = append(expired, lock)
		}
	}
	r.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].Path < expired[j].Path })
	for _, lock := range expired {
		age := lock.Age(now)
		r.logger.Warn("force-released stale lock", "path", lock.Path, "owner", lock.Owner, "age", age.String())
		r.bus.Publish(event.NewLockExpiredEvent(lock.Path, lock.Owner, age))
	}
	return expired
}

// Run sweeps stale locks on the sweep interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Owner returns the worker holding path, or ("", false) if it is free.
func (r *Registry) Owner(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[normalize(path)]
	return lock.Owner, ok
}

// Locks returns a snapshot of all held locks sorted by path.
func (r *Registry) Locks() []Lock {
	r.mu.Lock()
	out := make([]Lock, 0, len(r.locks))
	for _, lock := range r.locks {
		out = append(out, lock)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
