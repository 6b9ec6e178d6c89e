package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("settings:\n  max_retries: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, WithWatchDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("settings:\n  max_retries: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		if cfg.Settings.MaxRetries != 3 {
			t.Errorf("MaxRetries = %d, want 3", cfg.Settings.MaxRetries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_InvalidEditReportsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("settings:\n  worker_count: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 4)
	w, err := NewWatcher(path,
		func(c *Config) { t.Errorf("onChange called with invalid config: %+v", c.Settings) },
		WithWatchDebounce(10*time.Millisecond),
		WithWatchErrorHandler(func(err error) { errs <- err }),
	)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("settings:\n  worker_count: 99\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		if _, ok := err.(ValidationErrors); !ok {
			t.Errorf("error type = %T, want ValidationErrors", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("settings:\n  max_retries: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, WithWatchDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changes:
		t.Error("writing a sibling file should not trigger a reload")
	case <-time.After(200 * time.Millisecond):
	}
}
