package taskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "queue.lock"

// FileLock guards the queue state file across processes with flock(2).
// A running orchestrator takes it exclusively while writing; the status
// command takes it shared while reading.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock on {dir}/queue.lock.
func NewFileLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, lockFileName)}
}

// Lock acquires an exclusive lock, blocking until available.
func (fl *FileLock) Lock() error {
	return fl.lock(syscall.LOCK_EX)
}

// RLock acquires a shared lock, blocking while a writer holds it.
func (fl *FileLock) RLock() error {
	return fl.lock(syscall.LOCK_SH)
}

// TryLock attempts an exclusive lock without blocking. It returns false if
// another process holds the lock.
func (fl *FileLock) TryLock() (bool, error) {
	err := fl.lock(syscall.LOCK_EX | syscall.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errorsIsWouldBlock(err) {
		return false, nil
	}
	return false, err
}

func (fl *FileLock) lock(how int) error {
	if fl.file != nil {
		return fmt.Errorf("lock %s: already held", fl.path)
	}
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return &flockError{err: err}
	}
	fl.file = f
	return nil
}

// Unlock releases the lock. It is a no-op if the lock is not held.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}

type flockError struct{ err error }

func (e *flockError) Error() string { return "flock: " + e.err.Error() }
func (e *flockError) Unwrap() error { return e.err }

func errorsIsWouldBlock(err error) bool {
	fe, ok := err.(*flockError)
	return ok && fe.err == syscall.EWOULDBLOCK
}
