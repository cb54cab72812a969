package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/models"
)

// MemoryStore keeps requests in process memory. Writes and subscription
// fan-out happen under one lock, which gives every subscriber the same
// total order of writes.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.Request
	hub      *hub
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]models.Request), hub: newHub(), now: time.Now}
}

func (m *MemoryStore) Put(ctx context.Context, r models.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	r = r.Clone()
	if r.Version == 0 {
		r.Version = 1
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	m.requests[r.ID] = r
	m.hub.apply(r.ID, &r)
	return r.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Request, error) {
	if err := ctx.Err(); err != nil {
		return models.Request{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) CompareAndUpdate(ctx context.Context, id string, expected models.Status, mut Mutation) (models.Request, error) {
	if err := ctx.Err(); err != nil {
		return models.Request{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[id]
	if !ok {
		return models.Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status != expected {
		return cur.Clone(), fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, cur.Status, expected)
	}
	next := cur.Clone()
	if err := mut(&next); err != nil {
		return cur.Clone(), err
	}
	if err := validateMutation(cur, next); err != nil {
		return cur.Clone(), err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.requests[id] = next
	m.hub.apply(id, &next)
	return next.Clone(), nil
}

// Delete removes a record. Retention is external to the lifecycle; this
// exists so subscribers observe removals.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.requests, id)
	m.hub.apply(id, nil)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.Request, 0)
	for _, r := range m.requests {
		if q.Match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	models.SortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make([]models.Request, 0)
	for _, r := range m.requests {
		if q.Match(r) {
			snapshot = append(snapshot, r)
		}
	}
	return m.hub.add(ctx, q, snapshot), nil
}

// DropSubscriptions ends every live subscription with
// ErrSubscriptionDropped, as a transport disconnect would.
func (m *MemoryStore) DropSubscriptions() {
	m.hub.dropAll(ErrSubscriptionDropped)
}
