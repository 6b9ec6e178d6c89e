package issue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

// MemoryStore is an in-process Store used for tests and backlog files.
type MemoryStore struct {
	mu     sync.RWMutex
	issues map[string]Issue
	order  []string
	nextID int
	now    func() time.Time
}

// NewMemoryStore creates a store seeded with issues.
func NewMemoryStore(issues ...Issue) *MemoryStore {
	s := &MemoryStore{issues: make(map[string]Issue), now: time.Now}
	for _, i := range issues {
		s.Put(i)
	}
	return s
}

// Put inserts or replaces an issue.
func (s *MemoryStore) Put(i Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issues[i.ID]; !ok {
		s.order = append(s.order, i.ID)
	}
	i.Labels = slices.Clone(i.Labels)
	s.issues[i.ID] = Normalize(i)
}

// SetStatus updates an issue's status, e.g. to simulate an external close.
func (s *MemoryStore) SetStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, errors.ErrIssueNotFound)
	}
	i.Status = status
	s.issues[id] = i
	return nil
}

// FetchIssues returns all issues in insertion order.
func (s *MemoryStore) FetchIssues(context.Context) ([]Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Issue, 0, len(s.order))
	for _, id := range s.order {
		i := s.issues[id]
		i.Labels = slices.Clone(i.Labels)
		out = append(out, i)
	}
	return out, nil
}

// GetIssue returns a single issue by id.
func (s *MemoryStore) GetIssue(_ context.Context, id string) (Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.issues[id]
	if !ok {
		return Issue{}, fmt.Errorf("%s: %w", id, errors.ErrIssueNotFound)
	}
	i.Labels = slices.Clone(i.Labels)
	return i, nil
}

// CreateIssue creates an issue with a generated "mem-N" id.
func (s *MemoryStore) CreateIssue(_ context.Context, in NewIssue) (Issue, error) {
	if in.Title == "" {
		return Issue{}, errors.New("issue title must not be empty")
	}
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("mem-%d", s.nextID)
	for s.issues[id].ID != "" {
		s.nextID++
		id = fmt.Sprintf("mem-%d", s.nextID)
	}
	s.mu.Unlock()

	i := Issue{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Type:        in.Type,
		Priority:    in.Priority,
		Status:      StatusOpen,
		CreatedAt:   s.now(),
		Labels:      in.Labels,
		EpicID:      in.EpicID,
	}
	s.Put(i)
	return s.GetIssue(context.Background(), id)
}
