package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/query"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultRetryMaxElapsed bounds how long a busy database is retried.
const DefaultRetryMaxElapsed = 5 * time.Second

const issueColumns = `id, title, description, priority, status, assigned_to, created_at, created_by, created_by_email`

// columnFor maps a query field to its SQL column.
var columnFor = map[query.Field]string{
	query.FieldStatus:    "status",
	query.FieldPriority:  "priority",
	query.FieldCreatedAt: "created_at",
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db              *sql.DB
	retryMaxElapsed time.Duration
	logger          *slog.Logger
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithRetryMaxElapsed sets how long SQLITE_BUSY errors are retried. Zero
// disables retries.
func WithRetryMaxElapsed(d time.Duration) SQLiteOption {
	return func(s *SQLiteStore) { s.retryMaxElapsed = d }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = l }
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:              db,
		retryMaxElapsed: DefaultRetryMaxElapsed,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, issue *models.Issue) (string, error) {
	id := newULID()
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO issues (`+issueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, issue.Title, issue.Description, string(issue.Priority), string(issue.Status),
			issue.AssignedTo, issue.CreatedAt.UnixNano(), issue.CreatedBy, issue.CreatedByEmail,
		)
		return err
	})
	if err != nil {
		return "", unavailable("insert issue", err)
	}
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Issue, error) {
	var issue *models.Issue
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
		var err error
		issue, err = scanIssue(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("get issue", err)
	}
	return issue, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]*models.Issue, error) {
	return s.Query(ctx, query.BuildFilter(nil, nil))
}

func (s *SQLiteStore) Query(ctx context.Context, spec query.FilterSpec) ([]*models.Issue, error) {
	q, args, err := buildSelect(spec)
	if err != nil {
		return nil, err
	}

	var issues []*models.Issue
	err = s.withRetry(ctx, func() error {
		issues = nil
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			issue, err := scanIssue(rows)
			if err != nil {
				return err
			}
			issues = append(issues, issue)
		}
		return rows.Err()
	})
	var de *DecodeError
	if errors.As(err, &de) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("list issues", err)
	}
	return issues, nil
}

func (s *SQLiteStore) Patch(ctx context.Context, id string, patch models.IssuePatch) error {
	var sets []string
	var args []any
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*patch.Priority))
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, *patch.AssignedTo)
	}

	// An empty patch still has to report unknown ids.
	q := "UPDATE issues SET id = id WHERE id = ?"
	if len(sets) > 0 {
		q = "UPDATE issues SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	}
	args = append(args, id)

	var n int64
	err := s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return unavailable("update issue", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	var n int64
	err := s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return unavailable("delete issue", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// buildSelect renders a FilterSpec as a SELECT statement.
func buildSelect(spec query.FilterSpec) (string, []any, error) {
	var conditions []string
	var args []any
	for _, p := range spec.Predicates {
		col, ok := columnFor[p.Field]
		if !ok || p.Op != query.OpEquals {
			return "", nil, fmt.Errorf("unsupported predicate %s %s", p.Field, p.Op)
		}
		conditions = append(conditions, col+" = ?")
		args = append(args, p.Value)
	}

	q := `SELECT ` + issueColumns + ` FROM issues`
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}

	orderCol, ok := columnFor[spec.OrderBy.Field]
	if !ok {
		orderCol = "created_at"
	}
	dir := "ASC"
	if spec.OrderBy.Descending {
		dir = "DESC"
	}
	q += " ORDER BY " + orderCol + " " + dir + ", seq ASC"
	return q, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanIssue decodes one row, failing closed on missing or mistyped fields.
func scanIssue(row rowScanner) (*models.Issue, error) {
	var (
		id, title, desc, priority, status, assigned, createdBy, createdByEmail sql.NullString
		createdAt                                                             sql.NullInt64
	)
	if err := row.Scan(&id, &title, &desc, &priority, &status, &assigned, &createdAt, &createdBy, &createdByEmail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, &DecodeError{ID: id.String, Field: "row", Err: err}
	}

	fail := func(field string, err error) (*models.Issue, error) {
		return nil, &DecodeError{ID: id.String, Field: field, Err: err}
	}
	missing := errors.New("missing value")

	if !id.Valid || id.String == "" {
		return fail("id", missing)
	}
	if !title.Valid {
		return fail("title", missing)
	}
	if !priority.Valid || !models.Priority(priority.String).Valid() {
		return fail("priority", fmt.Errorf("unknown priority %q", priority.String))
	}
	if !status.Valid || !models.Status(status.String).Valid() {
		return fail("status", fmt.Errorf("unknown status %q", status.String))
	}
	if !createdAt.Valid {
		return fail("createdAt", missing)
	}
	if !createdBy.Valid {
		return fail("createdBy", missing)
	}
	if !createdByEmail.Valid {
		return fail("createdByEmail", missing)
	}

	return &models.Issue{
		ID:             id.String,
		Title:          title.String,
		Description:    desc.String,
		Priority:       models.Priority(priority.String),
		Status:         models.Status(status.String),
		AssignedTo:     assigned.String,
		CreatedAt:      time.Unix(0, createdAt.Int64).UTC(),
		CreatedBy:      createdBy.String,
		CreatedByEmail: createdByEmail.String,
	}, nil
}

// withRetry runs op, retrying with exponential backoff while SQLite reports
// the database as busy or locked.
func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	if s.retryMaxElapsed <= 0 {
		return op()
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.retryMaxElapsed
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		s.logger.Debug("sqlite busy, retrying", "error", err, "wait", wait)
	})
}

// isBusy reports whether err is a transient lock error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// unavailable marks a backend failure, leaving context errors untouched.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
