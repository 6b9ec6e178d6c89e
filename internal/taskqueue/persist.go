package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateFileName is the queue snapshot written inside the state directory.
const StateFileName = "queue-state.json"

const stateVersion = 1

// persistedState is the on-disk form of the queue.
type persistedState struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	RunID   string    `json:"run_id,omitempty"`
	Entries []*Entry  `json:"entries"`
}

// SaveState writes the queue to {dir}/queue-state.json under an exclusive
// file lock. The write goes to a temporary file that is renamed into place.
func (q *Queue) SaveState(dir, runID string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	q.mu.Lock()
	sorted := q.sortedLocked()
	entries := make([]*Entry, len(sorted))
	for i, e := range sorted {
		cp := copyEntry(e)
		entries[i] = &cp
	}
	q.mu.Unlock()

	data, err := json.MarshalIndent(persistedState{
		Version: stateVersion,
		SavedAt: time.Now().UTC(),
		RunID:   runID,
		Entries: entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	target := filepath.Join(dir, StateFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// SavedState is a read-only view of a saved queue, used by the status command.
type SavedState struct {
	SavedAt time.Time
	RunID   string
	Entries []Entry
}

// ReadState reads the saved queue under a shared file lock without building
// a Queue. It returns an error wrapping os.ErrNotExist if nothing was saved.
func ReadState(dir string) (*SavedState, error) {
	state, err := readState(dir)
	if err != nil {
		return nil, err
	}
	out := &SavedState{SavedAt: state.SavedAt, RunID: state.RunID}
	for _, e := range state.Entries {
		out.Entries = append(out.Entries, *e)
	}
	return out, nil
}

// LoadState restores a Queue from {dir}/queue-state.json. Entries that were
// assigned when the state was saved come back pending.
func LoadState(dir string) (*Queue, error) {
	state, err := readState(dir)
	if err != nil {
		return nil, err
	}
	return newFromEntries(state.Entries), nil
}

func readState(dir string) (*persistedState, error) {
	target := filepath.Join(dir, StateFileName)
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal queue state: %w", err)
	}
	if state.Version > stateVersion {
		return nil, fmt.Errorf("queue state version %d is newer than supported version %d", state.Version, stateVersion)
	}
	for _, e := range state.Entries {
		if e == nil || e.Issue.ID == "" {
			return nil, fmt.Errorf("queue state contains an entry without an issue id")
		}
	}
	return &state, nil
}
