package issue

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

type fakeRunner struct {
	calls [][]string
	out   map[string]string
	err   error
}

func (f *fakeRunner) run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.out[args[0]]), nil
}

func newTestBdStore(f *fakeRunner) *BdStore {
	s := NewBdStore("bd", "/repo", nil)
	s.run = f.run
	return s
}

func TestBdStore_FetchIssues(t *testing.T) {
	f := &fakeRunner{out: map[string]string{
		"list": `[
			{"id":"bd-1","title":"Epic","issue_type":"epic","status":"open","priority":1,"created_at":"2026-01-01T00:00:00Z"},
			{"id":"bd-2","title":"[P2] Child","issue_type":"task","status":"open","priority":0,"created_at":"2026-01-02T00:00:00Z",
			 "dependencies":[{"issue_id":"bd-2","depends_on_id":"bd-1","type":"parent-child"}]},
			{"id":"bd-3","title":"Done","status":"closed","priority":2,"labels":["phase:P1"],"created_at":"2026-01-03T00:00:00Z"}
		]`,
	}}
	s := newTestBdStore(f)

	issues, err := s.FetchIssues(context.Background())
	if err != nil {
		t.Fatalf("FetchIssues() error = %v", err)
	}
	if len(issues) != 3 {
		t.Fatalf("got %d issues, want 3", len(issues))
	}
	if !issues[0].IsEpic() {
		t.Error("bd-1 should be an epic")
	}
	if issues[1].EpicID != "bd-1" || issues[1].PhaseTag != 2 {
		t.Errorf("bd-2 = %+v", issues[1])
	}
	if !issues[2].IsClosed() || issues[2].PhaseTag != 1 || issues[2].Type != TypeTask {
		t.Errorf("bd-3 = %+v", issues[2])
	}

	got := strings.Join(f.calls[0], " ")
	if got != "bd list --all --limit 0 --json" {
		t.Errorf("command = %q", got)
	}
}

func TestBdStore_GetIssue(t *testing.T) {
	f := &fakeRunner{out: map[string]string{
		"show": `[{"id":"bd-7","title":"Fix","status":"open","priority":1,"parent":"bd-1"}]`,
	}}
	s := newTestBdStore(f)

	i, err := s.GetIssue(context.Background(), "bd-7")
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if i.ID != "bd-7" || i.EpicID != "bd-1" {
		t.Errorf("issue = %+v", i)
	}
}

func TestBdStore_GetIssueNotFound(t *testing.T) {
	f := &fakeRunner{err: fmt.Errorf("exit status 1: issue not found")}
	s := newTestBdStore(f)

	_, err := s.GetIssue(context.Background(), "bd-404")
	if !errors.Is(err, errors.ErrIssueNotFound) {
		t.Errorf("error = %v, want ErrIssueNotFound", err)
	}
}

func TestBdStore_CreateIssue(t *testing.T) {
	f := &fakeRunner{out: map[string]string{
		"create": `{"id":"bd-9","title":"New","issue_type":"bug","status":"open","priority":3}`,
	}}
	s := newTestBdStore(f)

	i, err := s.CreateIssue(context.Background(), NewIssue{
		Title: "New", Type: TypeBug, Priority: 3, Labels: []string{"a", "b"}, EpicID: "bd-1",
	})
	if err != nil {
		t.Fatalf("CreateIssue() error = %v", err)
	}
	if i.ID != "bd-9" || i.EpicID != "bd-1" {
		t.Errorf("issue = %+v", i)
	}

	got := strings.Join(f.calls[0], " ")
	want := "bd create New --type bug --priority 3 --json --labels a,b --parent bd-1"
	if got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
}

func TestBdStore_CreateIssueEmptyTitle(t *testing.T) {
	s := newTestBdStore(&fakeRunner{})
	if _, err := s.CreateIssue(context.Background(), NewIssue{Title: "  "}); err == nil {
		t.Error("expected error for empty title")
	}
}
