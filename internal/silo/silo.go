// Package silo keeps an append-only note file per issue so that work on an
// issue can pick up where it left off after a skip, a stop, or a restart.
//
// Each note is one JSON line in {dir}/{issue}.jsonl. Replay folds the notes
// back into the modified file set and the context handed to the agent.
package silo

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// NoteKind classifies a note.
type NoteKind string

const (
	// KindPhase records entering a phase.
	KindPhase NoteKind = "phase"
	// KindFiles records files an agent reported as modified.
	KindFiles NoteKind = "files"
	// KindReview records advisory review notes.
	KindReview NoteKind = "review"
	// KindAudit records audit findings.
	KindAudit NoteKind = "audit"
	// KindFailure records a verification failure.
	KindFailure NoteKind = "failure"
	// KindRefactor records a reviewer's refactor request.
	KindRefactor NoteKind = "refactor"
	// KindContext records free-form context for the next attempt.
	KindContext NoteKind = "context"
)

// Note is one line of an issue's SILO file.
type Note struct {
	Time     time.Time `json:"time"`
	IssueID  string    `json:"issue_id"`
	WorkerID string    `json:"worker_id,omitempty"`
	Kind     NoteKind  `json:"kind"`
	Phase    string    `json:"phase,omitempty"`
	Text     string    `json:"text,omitempty"`
	Files    []string  `json:"files,omitempty"`
}

// State is the result of replaying an issue's notes.
type State struct {
	ModifiedFiles []string
	// Context holds refactor reasons and free-form context, oldest first.
	Context     []string
	ReviewNotes []string
	LastPhase   string
	Failures    int
	Notes       int
	// Skipped counts lines that could not be decoded, such as a torn write.
	Skipped int
}

// Store reads and appends SILO notes.
type Store struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewStore creates a Store keeping files under dir on fs.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir, now: time.Now}
}

// NewOSStore creates a Store on the real filesystem.
func NewOSStore(dir string) *Store {
	return NewStore(afero.NewOsFs(), dir)
}

// fileName maps an issue id to a file name. Ids come from external trackers
// so path separators are replaced.
func fileName(issueID string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", "..", "_")
	return r.Replace(issueID) + ".jsonl"
}

func (s *Store) path(issueID string) string {
	return filepath.Join(s.dir, fileName(issueID))
}

// Append writes a note. Time defaults to now.
func (s *Store) Append(n Note) error {
	if n.IssueID == "" {
		return fmt.Errorf("silo note without issue id")
	}
	if n.Time.IsZero() {
		n.Time = s.now().UTC()
	}
	line, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode silo note: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create silo dir: %w", err)
	}
	f, err := s.fs.OpenFile(s.path(n.IssueID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open silo file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write silo note: %w", err)
	}
	return f.Close()
}

// Notes returns an issue's notes in append order and the number of lines
// that could not be decoded. A missing file yields no notes.
func (s *Store) Notes(issueID string) ([]Note, int, error) {
	s.mu.Lock()
	data, err := afero.ReadFile(s.fs, s.path(issueID))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read silo file: %w", err)
	}

	var (
		notes   []Note
		skipped int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var n Note
		if err := json.Unmarshal(line, &n); err != nil {
			skipped++
			continue
		}
		notes = append(notes, n)
	}
	if err := scanner.Err(); err != nil {
		return notes, skipped, fmt.Errorf("scan silo file: %w", err)
	}
	return notes, skipped, nil
}

// Replay folds an issue's notes into a State.
func (s *Store) Replay(issueID string) (State, error) {
	notes, skipped, err := s.Notes(issueID)
	if err != nil {
		return State{}, err
	}

	st := State{Notes: len(notes), Skipped: skipped}
	files := make(map[string]bool)
	for _, n := range notes {
		switch n.Kind {
		case KindFiles:
			for _, f := range n.Files {
				files[f] = true
			}
		case KindPhase:
			st.LastPhase = n.Phase
		case KindReview:
			if n.Text != "" {
				st.ReviewNotes = append(st.ReviewNotes, n.Text)
			}
		case KindRefactor:
			st.Context = append(st.Context, "Refactor requested: "+n.Text)
		case KindContext:
			st.Context = append(st.Context, n.Text)
		case KindFailure:
			st.Failures++
		}
	}
	st.ModifiedFiles = make([]string, 0, len(files))
	for f := range files {
		st.ModifiedFiles = append(st.ModifiedFiles, f)
	}
	sort.Strings(st.ModifiedFiles)
	return st, nil
}

// Remove deletes an issue's notes. A missing file is not an error.
func (s *Store) Remove(issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.path(issueID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove silo file: %w", err)
	}
	return nil
}

// Issues lists the issue ids (as file names without extension) with notes.
func (s *Store) Issues() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list silo dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	slices.Sort(ids)
	return ids, nil
}
