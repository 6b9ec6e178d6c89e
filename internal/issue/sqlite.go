package issue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Iron-Ham/autobuild/internal/errors"
)

// SQLiteStore reads issues directly from a beads SQLite database. It opens
// the database read-only; CreateIssue is not supported.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens the beads database at path in read-only mode.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open beads database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open beads database %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const issueColumns = `i.id, i.title, i.description, i.status, i.priority, i.issue_type, i.created_at,
	COALESCE((SELECT d.depends_on_id FROM dependencies d
	          WHERE d.issue_id = i.id AND d.type = 'parent-child' LIMIT 1), '')`

// FetchIssues returns every issue in the database.
func (s *SQLiteStore) FetchIssues(ctx context.Context) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues i ORDER BY i.created_at, i.id`)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}

	labels, err := s.allLabels(ctx)
	if err != nil {
		return nil, err
	}
	for idx := range issues {
		issues[idx].Labels = labels[issues[idx].ID]
		issues[idx] = Normalize(issues[idx])
	}
	return issues, nil
}

// GetIssue returns a single issue by id.
func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues i WHERE i.id = ?`, id)
	i, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return Issue{}, fmt.Errorf("%s: %w", id, errors.ErrIssueNotFound)
	}
	if err != nil {
		return Issue{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT label FROM labels WHERE issue_id = ? ORDER BY label`, id)
	if err != nil {
		return Issue{}, fmt.Errorf("query labels: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return Issue{}, fmt.Errorf("scan label: %w", err)
		}
		i.Labels = append(i.Labels, l)
	}
	return Normalize(i), rows.Err()
}

// CreateIssue is unsupported on the read-only store.
func (s *SQLiteStore) CreateIssue(context.Context, NewIssue) (Issue, error) {
	return Issue{}, errors.NewCapabilityUnavailable("tracker.create",
		errors.New("the sqlite backend is read-only; use the bd backend to create issues"))
}

func (s *SQLiteStore) allLabels(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT issue_id, label FROM labels ORDER BY issue_id, label`)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		out[id] = append(out[id], label)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (Issue, error) {
	var (
		i         Issue
		status    string
		issueType string
		createdAt string
	)
	err := row.Scan(&i.ID, &i.Title, &i.Description, &status, &i.Priority, &issueType, &createdAt, &i.EpicID)
	if err == sql.ErrNoRows {
		return Issue{}, err
	}
	if err != nil {
		return Issue{}, fmt.Errorf("scan issue: %w", err)
	}
	i.Status = Status(status)
	i.Type = Type(issueType)
	i.CreatedAt = parseTimestamp(createdAt)
	return i, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts the layouts SQLite and beads write; unparseable
// values become the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
