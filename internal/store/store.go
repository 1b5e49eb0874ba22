package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/query"
)

var (
	// ErrNotFound is returned when a requested issue does not exist.
	ErrNotFound = errors.New("issue not found")

	// ErrUnavailable wraps transport or backend failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the persistence contract consumed by the issue repository.
// Listing operations return issues newest first; ties keep insertion order.
type Store interface {
	// Insert persists issue under a newly assigned id and returns that id.
	// issue.ID is ignored.
	Insert(ctx context.Context, issue *models.Issue) (string, error)
	Get(ctx context.Context, id string) (*models.Issue, error)
	GetAll(ctx context.Context) ([]*models.Issue, error)
	Query(ctx context.Context, spec query.FilterSpec) ([]*models.Issue, error)
	// Patch updates the set fields of patch. It returns ErrNotFound for an
	// unknown id.
	Patch(ctx context.Context, id string, patch models.IssuePatch) error
	// Remove deletes an issue. It returns ErrNotFound for an unknown id.
	Remove(ctx context.Context, id string) error
	Close() error
}

// DecodeError reports a stored record that cannot be turned into an Issue.
type DecodeError struct {
	ID    string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode issue %s: field %s: %v", e.ID, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errClosed = fmt.Errorf("%w: store closed", ErrUnavailable)

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// newULID generates a new ULID string.
func newULID() string {
	return ulid.Make().String()
}
