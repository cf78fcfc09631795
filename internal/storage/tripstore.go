package storage

import (
	"context"
	"sync"

	"github.com/alaaotay8/taxini-app-public-sub000/internal/models"
)

// TripStore defines persistence operations for trips. UpdateCAS is the
// compare-and-swap the state machine's guards rely on: the write only
// lands if the stored status still equals expect.
type TripStore interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (*models.Trip, error)
	UpdateCAS(ctx context.Context, t *models.Trip, expect models.TripStatus) error
}

var (
	ErrNotFound    = &NotFoundError{}
	ErrStaleStatus = &StaleStatusError{}
)

type NotFoundError struct{}

func (e *NotFoundError) Error() string { return "trip not found" }

type StaleStatusError struct{}

func (e *StaleStatusError) Error() string { return "trip status changed since load" }

// MemoryStore keeps trips in process memory with the same CAS semantics
// as the Postgres store. Used for tests and storeless local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) Create(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateCAS(_ context.Context, t *models.Trip, expect models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrStaleStatus
	}
	m.trips[t.ID] = t.Clone()
	return nil
}
