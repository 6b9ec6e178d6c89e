package silo

import (
	"os"
	"slices"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func newMemStore() (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	s := NewStore(fs, "/state/silo")
	s.now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return s, fs
}

func TestAppendAndNotes(t *testing.T) {
	s, _ := newMemStore()

	notes := []Note{
		{IssueID: "bd-1", WorkerID: "worker-1", Kind: KindPhase, Phase: "working"},
		{IssueID: "bd-1", Kind: KindFiles, Files: []string{"a.go"}},
		{IssueID: "bd-2", Kind: KindPhase, Phase: "testing"},
	}
	for _, n := range notes {
		if err := s.Append(n); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	got, skipped, err := s.Notes("bd-1")
	if err != nil {
		t.Fatalf("Notes() error: %v", err)
	}
	if len(got) != 2 || skipped != 0 {
		t.Fatalf("Notes(bd-1) = %d notes, %d skipped; want 2, 0", len(got), skipped)
	}
	if got[0].Phase != "working" || got[0].WorkerID != "worker-1" {
		t.Errorf("first note = %+v", got[0])
	}
	if got[0].Time.IsZero() {
		t.Error("Append did not stamp the time")
	}
}

func TestAppendRequiresIssueID(t *testing.T) {
	s, _ := newMemStore()
	if err := s.Append(Note{Kind: KindContext}); err == nil {
		t.Error("expected error for note without issue id")
	}
}

func TestReplay(t *testing.T) {
	s, _ := newMemStore()
	for _, n := range []Note{
		{IssueID: "bd-1", Kind: KindPhase, Phase: "working"},
		{IssueID: "bd-1", Kind: KindFiles, Files: []string{"b.go", "a.go"}},
		{IssueID: "bd-1", Kind: KindReview, Text: "rename helper"},
		{IssueID: "bd-1", Kind: KindPhase, Phase: "testing"},
		{IssueID: "bd-1", Kind: KindFailure, Text: "a_test.go:3: boom"},
		{IssueID: "bd-1", Kind: KindFiles, Files: []string{"a.go", "c.go"}},
		{IssueID: "bd-1", Kind: KindRefactor, Text: "split the parser"},
		{IssueID: "bd-1", Kind: KindContext, Text: "prefer table tests"},
	} {
		if err := s.Append(n); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.Replay("bd-1")
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if !slices.Equal(st.ModifiedFiles, []string{"a.go", "b.go", "c.go"}) {
		t.Errorf("ModifiedFiles = %v", st.ModifiedFiles)
	}
	if st.LastPhase != "testing" || st.Failures != 1 || st.Notes != 8 {
		t.Errorf("state = %+v", st)
	}
	if !slices.Equal(st.Context, []string{"Refactor requested: split the parser", "prefer table tests"}) {
		t.Errorf("Context = %q", st.Context)
	}
	if !slices.Equal(st.ReviewNotes, []string{"rename helper"}) {
		t.Errorf("ReviewNotes = %q", st.ReviewNotes)
	}
}

func TestReplayMissingIssue(t *testing.T) {
	s, _ := newMemStore()
	st, err := s.Replay("nope")
	if err != nil {
		t.Fatalf("Replay(missing) error: %v", err)
	}
	if st.Notes != 0 || len(st.ModifiedFiles) != 0 {
		t.Errorf("Replay(missing) = %+v", st)
	}
}

func TestReplaySkipsTornLine(t *testing.T) {
	s, fs := newMemStore()
	if err := s.Append(Note{IssueID: "bd-1", Kind: KindFiles, Files: []string{"a.go"}}); err != nil {
		t.Fatal(err)
	}
	f, err := fs.OpenFile(s.path("bd-1"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.Write([]byte(`{"issue_id":"bd-1","kind":"fi`))
	_ = f.Close()

	st, err := s.Replay("bd-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Skipped != 1 || !slices.Equal(st.ModifiedFiles, []string{"a.go"}) {
		t.Errorf("state = %+v", st)
	}
}

func TestRemoveAndIssues(t *testing.T) {
	s, _ := newMemStore()
	for _, id := range []string{"bd-2", "bd-1", "team/bd-3"} {
		if err := s.Append(Note{IssueID: id, Kind: KindContext, Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.Issues()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"bd-1", "bd-2", "team_bd-3"}) {
		t.Errorf("Issues() = %v", ids)
	}

	if err := s.Remove("bd-1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := s.Remove("bd-1"); err != nil {
		t.Errorf("second Remove() = %v, want nil", err)
	}
	notes, _, _ := s.Notes("bd-1")
	if len(notes) != 0 {
		t.Error("notes survived Remove")
	}
}

func TestIssuesEmptyDir(t *testing.T) {
	s, _ := newMemStore()
	ids, err := s.Issues()
	if err != nil || len(ids) != 0 {
		t.Errorf("Issues() on empty store = %v, %v", ids, err)
	}
}
