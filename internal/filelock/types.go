package filelock

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/event"
	"github.com/Iron-Ham/autobuild/internal/logging"
)

// Defaults for a Registry.
const (
	DefaultRetryInterval = 10 * time.Second
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Sentinel errors returned by registry operations.
var (
	// ErrBusy is matched by every BusyError.
	ErrBusy = errors.New("file is locked by another worker")

	// ErrNotOwner is returned when a worker releases a lock it does not hold.
	ErrNotOwner = errors.New("worker does not own this lock")

	// ErrNotLocked is returned when releasing a path that is not locked.
	ErrNotLocked = errors.New("file is not locked")
)

// BusyError reports the current owner of a contended path.
type BusyError struct {
	Path  string
	Owner string
	Since time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s is locked by %s", e.Path, e.Owner)
}

// Is matches ErrBusy.
func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// Lock is a granted lock on a path.
type Lock struct {
	Path       string    `json:"path"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the lock has been held at now.
func (l Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// Locker is the narrow interface handed to capabilities that write files.
type Locker interface {
	Acquire(ctx context.Context, path, owner string) error
	Release(path, owner string) error
}

// Clock supplies the current time. Tests substitute a manual clock to
// exercise TTL expiry.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// WaitFunc is called once per Acquire wait, when the first attempt finds the
// path busy.
type WaitFunc func(path, waiter, owner string)

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithTTL sets the age at which a lock is force-released by the sweep.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithRetryInterval sets the fixed wait between Acquire attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Registry) { r.retryInterval = d }
}

// WithSweepInterval sets how often Run sweeps for stale locks.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithBus publishes lock events to bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithWaitHandler registers a callback invoked when an Acquire starts waiting.
func WithWaitHandler(fn WaitFunc) Option {
	return func(r *Registry) { r.onWait = fn }
}
