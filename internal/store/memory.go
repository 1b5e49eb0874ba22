package store

import (
	"context"
	"sort"
	"sync"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/query"
)

// MemoryStore keeps issues in process memory. It backs tests and
// --memory sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	issues map[string]*models.Issue
	order  []string // insertion order
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{issues: make(map[string]*models.Issue)}
}

func (m *MemoryStore) Insert(_ context.Context, issue *models.Issue) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errClosed
	}

	cp := *issue
	cp.ID = newULID()
	m.issues[cp.ID] = &cp
	m.order = append(m.order, cp.ID)
	return cp.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	issue, ok := m.issues[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *issue
	return &cp, nil
}

func (m *MemoryStore) GetAll(ctx context.Context) ([]*models.Issue, error) {
	return m.Query(ctx, query.BuildFilter(nil, nil))
}

func (m *MemoryStore) Query(_ context.Context, spec query.FilterSpec) ([]*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	var out []*models.Issue
	for _, id := range m.order {
		issue := m.issues[id]
		if spec.Matches(issue) {
			cp := *issue
			out = append(out, &cp)
		}
	}
	desc := spec.OrderBy.Descending
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Patch(_ context.Context, id string, patch models.IssuePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	issue, ok := m.issues[id]
	if !ok {
		return notFound(id)
	}
	issue.Apply(patch)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	if _, ok := m.issues[id]; !ok {
		return notFound(id)
	}
	delete(m.issues, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close marks the store closed; later calls fail with ErrUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
