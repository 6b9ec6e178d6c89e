package issue

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// backlogFile is the YAML layout accepted by LoadBacklog:
//
//	issues:
//	  - id: A
//	    title: "[P1] Add login form"
//	    priority: 0
//	    type: feature
//	    epic: E1
type backlogFile struct {
	Issues []backlogEntry `yaml:"issues"`
}

type backlogEntry struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Type        string    `yaml:"type"`
	Priority    int       `yaml:"priority"`
	Phase       int       `yaml:"phase"`
	Status      string    `yaml:"status"`
	CreatedAt   time.Time `yaml:"created_at"`
	Labels      []string  `yaml:"labels"`
	Epic        string    `yaml:"epic"`
}

// LoadBacklog reads a YAML backlog file into a MemoryStore. Entries without
// a created_at are spaced one second apart in file order so that file order
// breaks priority ties.
func LoadBacklog(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	return ParseBacklog(data)
}

// ParseBacklog decodes YAML backlog content into a MemoryStore.
func ParseBacklog(data []byte) (*MemoryStore, error) {
	var f backlogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse backlog: %w", err)
	}

	base := time.Now().Add(-time.Duration(len(f.Issues)) * time.Second)
	store := NewMemoryStore()
	seen := make(map[string]bool, len(f.Issues))
	for idx, e := range f.Issues {
		if e.ID == "" || e.Title == "" {
			return nil, fmt.Errorf("backlog entry %d: id and title are required", idx)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("backlog entry %d: duplicate id %q", idx, e.ID)
		}
		if e.Phase != 0 && (e.Phase < MinPhaseTag || e.Phase > MaxPhaseTag) {
			return nil, fmt.Errorf("backlog entry %q: phase must be between %d and %d", e.ID, MinPhaseTag, MaxPhaseTag)
		}
		seen[e.ID] = true

		created := e.CreatedAt
		if created.IsZero() {
			created = base.Add(time.Duration(idx) * time.Second)
		}
		store.Put(Issue{
			ID:          e.ID,
			Title:       e.Title,
			Description: e.Description,
			Type:        Type(e.Type),
			Priority:    e.Priority,
			PhaseTag:    e.Phase,
			Status:      Status(e.Status),
			CreatedAt:   created,
			Labels:      e.Labels,
			EpicID:      e.Epic,
		})
	}
	return store, nil
}
