package issues

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/clock"
	"github.com/joescharf/triage/internal/lifecycle"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// spyStore counts writes and can be told to fail reads.
type spyStore struct {
	*store.MemoryStore
	patches   int
	getAllErr error
	insertErr error
}

func (s *spyStore) Patch(ctx context.Context, id string, p models.IssuePatch) error {
	s.patches++
	return s.MemoryStore.Patch(ctx, id, p)
}

func (s *spyStore) GetAll(ctx context.Context) ([]*models.Issue, error) {
	if s.getAllErr != nil {
		return nil, s.getAllErr
	}
	return s.MemoryStore.GetAll(ctx)
}

func (s *spyStore) Insert(ctx context.Context, issue *models.Issue) (string, error) {
	if s.insertErr != nil {
		return "", s.insertErr
	}
	return s.MemoryStore.Insert(ctx, issue)
}

func newTestRepo(t *testing.T) (*Repository, *spyStore, *clock.FakeClock) {
	t.Helper()
	spy := &spyStore{MemoryStore: store.NewMemoryStore()}
	fc := clock.Fake(epoch)
	return NewRepository(spy, WithClock(fc)), spy, fc
}

func form(title string, status models.Status, priority models.Priority) models.IssueFormData {
	return models.IssueFormData{Title: title, Description: "", Priority: priority, Status: status}
}

func mustCreate(t *testing.T, r *Repository, f models.IssueFormData) *models.Issue {
	t.Helper()
	issue, _, err := r.Create(context.Background(), f, "uid-1", "dev@example.com")
	require.NoError(t, err)
	return issue
}

func TestCreate_StampsMetadata(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	issue, similar, err := r.Create(ctx, models.IssueFormData{
		Title:       "Login button broken",
		Description: "On Safari",
		Priority:    models.PriorityHigh,
		Status:      models.StatusOpen,
		AssignedTo:  "amy",
	}, "uid-1", "dev@example.com")
	require.NoError(t, err)
	assert.Empty(t, similar)
	assert.NotEmpty(t, issue.ID)
	assert.True(t, epoch.Equal(issue.CreatedAt))
	assert.Equal(t, "uid-1", issue.CreatedBy)
	assert.Equal(t, "dev@example.com", issue.CreatedByEmail)

	got, err := r.Get(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, issue, got)
}

func TestCreate_AnyInitialStatus(t *testing.T) {
	r, _, _ := newTestRepo(t)
	for _, s := range models.Statuses {
		issue := mustCreate(t, r, form("status "+string(s), s, models.PriorityLow))
		assert.Equal(t, s, issue.Status)
	}
}

func TestCreate_UnknownEmailFallback(t *testing.T) {
	r, _, _ := newTestRepo(t)
	issue, _, err := r.Create(context.Background(), form("x", models.StatusOpen, models.PriorityLow), "uid-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.UnknownCreatorEmail, issue.CreatedByEmail)
}

func TestCreate_Validation(t *testing.T) {
	r, spy, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := r.Create(ctx, form("  ", models.StatusOpen, models.PriorityLow), "u", "e")
	assert.True(t, IsValidation(err))

	_, _, err = r.Create(ctx, form("x", models.StatusOpen, "urgent"), "u", "e")
	assert.True(t, IsValidation(err))

	all, err := spy.MemoryStore.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreate_ReturnsAdvisorySimilar(t *testing.T) {
	r, _, _ := newTestRepo(t)
	existing := mustCreate(t, r, form("Login button broken", models.StatusOpen, models.PriorityHigh))

	_, similar, err := r.Create(context.Background(), form("login broken", models.StatusOpen, models.PriorityLow), "u", "e")
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, existing.ID, similar[0].ID)
}

func TestCreate_SimilarFailureDoesNotBlock(t *testing.T) {
	r, spy, _ := newTestRepo(t)
	spy.getAllErr = fmt.Errorf("%w: offline", store.ErrUnavailable)

	issue, similar, err := r.Create(context.Background(), form("Crash on save", models.StatusOpen, models.PriorityLow), "u", "e")
	require.NoError(t, err)
	assert.NotEmpty(t, issue.ID)
	assert.Nil(t, similar)
}

func TestCreate_InsertFailure(t *testing.T) {
	r, spy, _ := newTestRepo(t)
	spy.insertErr = fmt.Errorf("%w: disk full", store.ErrUnavailable)

	_, _, err := r.Create(context.Background(), form("x", models.StatusOpen, models.PriorityLow), "u", "e")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestList_NewestFirstWithFilters(t *testing.T) {
	r, _, fc := newTestRepo(t)
	ctx := context.Background()

	mustCreate(t, r, form("first", models.StatusOpen, models.PriorityHigh))
	fc.Advance(time.Minute)
	mustCreate(t, r, form("second", models.StatusDone, models.PriorityHigh))
	fc.Advance(time.Minute)
	mustCreate(t, r, form("third", models.StatusOpen, models.PriorityLow))

	all, err := r.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Title)
	assert.Equal(t, "first", all[2].Title)

	open := models.StatusOpen
	high := models.PriorityHigh
	got, err := r.List(ctx, ListFilter{Status: &open, Priority: &high})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Title)
}

func TestUpdateStatus_AllPairs(t *testing.T) {
	for _, from := range models.Statuses {
		for _, to := range models.Statuses {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				r, spy, _ := newTestRepo(t)
				issue := mustCreate(t, r, form("x", from, models.PriorityLow))

				updated, err := r.UpdateStatus(context.Background(), issue.ID, to)
				if from == models.StatusOpen && to == models.StatusDone {
					var ite *lifecycle.InvalidTransitionError
					require.True(t, errors.As(err, &ite))
					assert.True(t, IsValidation(err))
					assert.Equal(t, 0, spy.patches, "rejected transition must not write")

					got, gerr := r.Get(context.Background(), issue.ID)
					require.NoError(t, gerr)
					assert.Equal(t, models.StatusOpen, got.Status)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, to, updated.Status)
			})
		}
	}
}

func TestUpdateStatus_ViaInProgress(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	issue := mustCreate(t, r, form("x", models.StatusOpen, models.PriorityLow))

	_, err := r.UpdateStatus(ctx, issue.ID, models.StatusInProgress)
	require.NoError(t, err)
	done, err := r.UpdateStatus(ctx, issue.ID, models.StatusDone)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, done.Status)

	// Reopen is allowed.
	reopened, err := r.UpdateStatus(ctx, issue.ID, models.StatusOpen)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, reopened.Status)
}

func TestUpdateStatus_Errors(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := r.UpdateStatus(ctx, "missing", models.StatusDone)
	assert.ErrorIs(t, err, store.ErrNotFound)

	issue := mustCreate(t, r, form("x", models.StatusOpen, models.PriorityLow))
	_, err = r.UpdateStatus(ctx, issue.ID, "closed")
	assert.True(t, IsValidation(err))
}

func TestUpdatePriority(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	issue := mustCreate(t, r, form("x", models.StatusDone, models.PriorityLow))

	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityLow, models.PriorityMedium} {
		updated, err := r.UpdatePriority(ctx, issue.ID, p)
		require.NoError(t, err)
		assert.Equal(t, p, updated.Priority)
		assert.Equal(t, models.StatusDone, updated.Status)
	}

	_, err := r.UpdatePriority(ctx, issue.ID, "urgent")
	assert.True(t, IsValidation(err))

	_, err = r.UpdatePriority(ctx, "missing", models.PriorityHigh)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_Partial(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	issue := mustCreate(t, r, form("old title", models.StatusOpen, models.PriorityLow))

	title := "new title"
	assignee := "bo"
	updated, err := r.Update(ctx, issue.ID, models.IssuePatch{Title: &title, AssignedTo: &assignee})
	require.NoError(t, err)
	assert.Equal(t, "new title", updated.Title)
	assert.Equal(t, "bo", updated.AssignedTo)
	assert.Equal(t, models.PriorityLow, updated.Priority)
	assert.Equal(t, issue.CreatedAt, updated.CreatedAt)

	done := models.StatusDone
	_, err = r.Update(ctx, issue.ID, models.IssuePatch{Status: &done})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	blank := " "
	_, err = r.Update(ctx, issue.ID, models.IssuePatch{Title: &blank})
	assert.True(t, IsValidation(err))

	same, err := r.Update(ctx, issue.ID, models.IssuePatch{})
	require.NoError(t, err)
	assert.Equal(t, "new title", same.Title)
}

func TestDelete(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	keep := mustCreate(t, r, form("keep", models.StatusOpen, models.PriorityLow))
	drop := mustCreate(t, r, form("drop", models.StatusOpen, models.PriorityLow))

	require.NoError(t, r.Delete(ctx, drop.ID))
	assert.ErrorIs(t, r.Delete(ctx, drop.ID), store.ErrNotFound)

	all, err := r.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keep.ID, all[0].ID)
}

func TestFindSimilar(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreate(t, r, models.IssueFormData{Title: "Export fails", Description: "CSV export times out", Priority: models.PriorityLow, Status: models.StatusOpen})
	mustCreate(t, r, form("Dark mode", models.StatusOpen, models.PriorityLow))

	got, err := r.FindSimilar(ctx, "csv timeout on export")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Export fails", got[0].Title)

	got, err = r.FindSimilar(ctx, "ab")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepository_SQLiteEndToEnd(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "triage.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	r := NewRepository(s, WithClock(clock.Fake(epoch)))
	ctx := context.Background()

	issue, _, err := r.Create(ctx, form("Search is slow", models.StatusOpen, models.PriorityMedium), "u", "e@example.com")
	require.NoError(t, err)

	_, err = r.UpdateStatus(ctx, issue.ID, models.StatusDone)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = r.UpdateStatus(ctx, issue.ID, models.StatusInProgress)
	require.NoError(t, err)

	got, err := r.Get(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.True(t, epoch.Equal(got.CreatedAt))
}

func TestResolve(t *testing.T) {
	r, _, _ := newTestRepo(t)
	ctx := context.Background()
	a := mustCreate(t, r, form("a", models.StatusOpen, models.PriorityLow))
	b := mustCreate(t, r, form("b", models.StatusOpen, models.PriorityLow))

	got, err := r.Resolve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// Lowercase prefix long enough to be unique.
	got, err = r.Resolve(ctx, strings.ToLower(b.ID[:len(b.ID)-1]))
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = r.Resolve(ctx, "ZZZZ")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Both ULIDs share the timestamp prefix.
	_, err = r.Resolve(ctx, a.ID[:2])
	assert.ErrorIs(t, err, ErrAmbiguous)
}
