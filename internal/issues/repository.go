// Package issues coordinates issue creation, listing, status and priority
// changes, deletion and duplicate detection on top of a store.Store.
package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/triage/internal/clock"
	"github.com/joescharf/triage/internal/lifecycle"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/query"
	"github.com/joescharf/triage/internal/similarity"
	"github.com/joescharf/triage/internal/store"
)

// Repository is the entry point adapters use to manage issues. It holds no
// mutable state; every read goes to the store.
type Repository struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the clock used to stamp createdAt.
func WithClock(c clock.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithLogger sets the logger used for advisory failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// NewRepository creates a Repository over s.
func NewRepository(s store.Store, opts ...Option) *Repository {
	r := &Repository{
		store:  s,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrAmbiguous is returned by Resolve when a prefix matches several issues.
var ErrAmbiguous = errors.New("ambiguous issue id")

// ListFilter narrows List. Nil fields match everything.
type ListFilter struct {
	Status   *models.Status
	Priority *models.Priority
}

// IsValidation reports whether err was caused by caller input: a bad field
// or a forbidden status transition.
func IsValidation(err error) bool {
	var ve *models.ValidationError
	return errors.As(err, &ve) || errors.Is(err, lifecycle.ErrInvalidTransition)
}

// Create validates form, stamps creation metadata and persists a new issue.
// It also returns existing issues that look like duplicates; that check is
// advisory and never blocks creation.
func (r *Repository) Create(ctx context.Context, form models.IssueFormData, creatorID, creatorEmail string) (*models.Issue, []*models.Issue, error) {
	if err := form.Validate(); err != nil {
		return nil, nil, err
	}
	if creatorEmail == "" {
		creatorEmail = models.UnknownCreatorEmail
	}

	similar, err := r.FindSimilar(ctx, form.Title)
	if err != nil {
		r.logger.Warn("similar issue check failed", "title", form.Title, "error", err)
		similar = nil
	}

	issue := &models.Issue{
		Title:          form.Title,
		Description:    form.Description,
		Priority:       form.Priority,
		Status:         form.Status,
		AssignedTo:     form.AssignedTo,
		CreatedAt:      r.clock.Now().UTC(),
		CreatedBy:      creatorID,
		CreatedByEmail: creatorEmail,
	}
	id, err := r.store.Insert(ctx, issue)
	if err != nil {
		return nil, nil, fmt.Errorf("create issue: %w", err)
	}
	issue.ID = id

	r.logger.Debug("issue created", "id", id, "status", issue.Status, "priority", issue.Priority)
	return issue, similar, nil
}

// Get returns the issue with the given id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Issue, error) {
	issue, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

// Resolve looks an issue up by full id or unique id prefix.
func (r *Repository) Resolve(ctx context.Context, ref string) (*models.Issue, error) {
	// Try exact match first
	issue, err := r.store.Get(ctx, ref)
	if err == nil {
		return issue, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get issue: %w", err)
	}

	upper := strings.ToUpper(strings.TrimSpace(ref))
	if upper == "" {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}

	var matches []*models.Issue
	for _, issue := range all {
		if strings.HasPrefix(issue.ID, upper) {
			matches = append(matches, issue)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("get issue: %w: %s", store.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w %s: matches %d issues", ErrAmbiguous, ref, len(matches))
	}
}

// List returns issues matching f, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*models.Issue, error) {
	issues, err := r.store.Query(ctx, query.BuildFilter(f.Status, f.Priority))
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return issues, nil
}

// UpdateStatus moves an issue to next. A forbidden transition returns an
// *lifecycle.InvalidTransitionError and writes nothing.
func (r *Repository) UpdateStatus(ctx context.Context, id string, next models.Status) (*models.Issue, error) {
	if !next.Valid() {
		return nil, &models.ValidationError{Field: "status", Msg: fmt.Sprintf("invalid status %q", next)}
	}
	return r.Update(ctx, id, models.IssuePatch{Status: &next})
}

// UpdatePriority sets an issue's priority. Any change between valid
// priorities is allowed.
func (r *Repository) UpdatePriority(ctx context.Context, id string, next models.Priority) (*models.Issue, error) {
	if !next.Valid() {
		return nil, &models.ValidationError{Field: "priority", Msg: fmt.Sprintf("invalid priority %q", next)}
	}
	if err := r.store.Patch(ctx, id, models.IssuePatch{Priority: &next}); err != nil {
		return nil, fmt.Errorf("update priority: %w", err)
	}
	return r.Get(ctx, id)
}

// Update applies a partial change. When the patch sets a status, the
// transition from the stored status is validated first.
func (r *Repository) Update(ctx context.Context, id string, patch models.IssuePatch) (*models.Issue, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	current, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}
	if patch.Status != nil {
		if err := lifecycle.ValidateTransition(current.Status, *patch.Status); err != nil {
			return nil, err
		}
	}
	if patch.IsEmpty() {
		return current, nil
	}

	if err := r.store.Patch(ctx, id, patch); err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}
	current.Apply(patch)
	return current, nil
}

// Delete removes an issue. Other issues are untouched.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	return nil
}

// FindSimilar scans every issue for likely duplicates of title.
func (r *Repository) FindSimilar(ctx context.Context, title string) ([]*models.Issue, error) {
	if len(similarity.Tokens(title)) == 0 {
		return nil, nil
	}
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("find similar issues: %w", err)
	}
	return similarity.FindSimilar(title, all), nil
}
