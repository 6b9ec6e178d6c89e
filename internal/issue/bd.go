package issue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
	"github.com/Iron-Ham/autobuild/internal/logging"
)

// bdIssue mirrors the subset of the bd --json issue shape we consume.
type bdIssue struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	IssueType    string         `json:"issue_type"`
	CreatedAt    time.Time      `json:"created_at"`
	Labels       []string       `json:"labels"`
	Parent       *string        `json:"parent"`
	Dependencies []bdDependency `json:"dependencies"`
}

type bdDependency struct {
	IssueID     string `json:"issue_id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

func (b bdIssue) toIssue() Issue {
	i := Issue{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		Type:        Type(b.IssueType),
		Priority:    b.Priority,
		Status:      Status(b.Status),
		CreatedAt:   b.CreatedAt,
		Labels:      b.Labels,
	}
	if b.Parent != nil {
		i.EpicID = *b.Parent
	}
	for _, d := range b.Dependencies {
		if d.Type == "parent-child" && d.IssueID == b.ID && i.EpicID == "" {
			i.EpicID = d.DependsOnID
		}
	}
	return Normalize(i)
}

// runner executes a command and returns its stdout. Swapped in tests.
type runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w\nstderr: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return out, nil
}

// BdStore reads and creates issues through the bd CLI.
type BdStore struct {
	bin    string
	dir    string
	run    runner
	logger *logging.Logger
}

// NewBdStore creates a store that runs bin (usually "bd") in dir.
func NewBdStore(bin, dir string, logger *logging.Logger) *BdStore {
	if bin == "" {
		bin = "bd"
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &BdStore{bin: bin, dir: dir, run: execRunner, logger: logger}
}

// Available reports whether the bd executable can be found.
func (s *BdStore) Available() error {
	if _, err := exec.LookPath(s.bin); err != nil {
		return errors.NewCapabilityUnavailable("tracker", err)
	}
	return nil
}

// FetchIssues lists every issue, closed ones included.
func (s *BdStore) FetchIssues(ctx context.Context) ([]Issue, error) {
	out, err := s.run(ctx, s.dir, s.bin, "list", "--all", "--limit", "0", "--json")
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	var raw []bdIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse bd list output: %w", err)
	}

	issues := make([]Issue, 0, len(raw))
	for _, r := range raw {
		issues = append(issues, r.toIssue())
	}
	s.logger.Debug("fetched issues from bd", "count", len(issues))
	return issues, nil
}

// GetIssue returns a single issue by id.
func (s *BdStore) GetIssue(ctx context.Context, id string) (Issue, error) {
	out, err := s.run(ctx, s.dir, s.bin, "show", id, "--json")
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return Issue{}, fmt.Errorf("%s: %w", id, errors.ErrIssueNotFound)
		}
		return Issue{}, fmt.Errorf("failed to show issue %s: %w", id, err)
	}

	raw, err := decodeOneOrMany(out)
	if err != nil {
		return Issue{}, fmt.Errorf("failed to parse bd show output: %w", err)
	}
	if len(raw) == 0 {
		return Issue{}, fmt.Errorf("%s: %w", id, errors.ErrIssueNotFound)
	}
	return raw[0].toIssue(), nil
}

// CreateIssue creates an issue with bd create.
func (s *BdStore) CreateIssue(ctx context.Context, in NewIssue) (Issue, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Issue{}, errors.New("issue title must not be empty")
	}
	typ := in.Type
	if typ == "" {
		typ = TypeTask
	}

	args := []string{
		"create", in.Title,
		"--type", string(typ),
		"--priority", strconv.Itoa(in.Priority),
		"--json",
	}
	if in.Description != "" {
		args = append(args, "--description", in.Description)
	}
	if len(in.Labels) > 0 {
		args = append(args, "--labels", strings.Join(in.Labels, ","))
	}
	if in.EpicID != "" {
		args = append(args, "--parent", in.EpicID)
	}

	out, err := s.run(ctx, s.dir, s.bin, args...)
	if err != nil {
		return Issue{}, fmt.Errorf("failed to create issue: %w", err)
	}
	raw, err := decodeOneOrMany(out)
	if err != nil || len(raw) == 0 {
		return Issue{}, fmt.Errorf("failed to parse bd create output: %w", err)
	}

	created := raw[0].toIssue()
	if created.EpicID == "" {
		created.EpicID = in.EpicID
	}
	s.logger.Info("created issue", "issue_id", created.ID, "title", created.Title)
	return created, nil
}

// decodeOneOrMany accepts either a JSON object or an array of objects.
func decodeOneOrMany(data []byte) ([]bdIssue, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var many []bdIssue
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one bdIssue
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []bdIssue{one}, nil
}
