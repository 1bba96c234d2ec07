package lock

import (
	"context"
	"sync"
	"time"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
)

// InMemory is a Store keeping locks in a map, for deployments where items
// live outside the process or in tests.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]model.Lock
}

// NewInMemory returns an empty in-memory lock store.
func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]model.Lock)}
}

// ReadLock implements Store.ReadLock.
func (m *InMemory) ReadLock(ctx context.Context, itemID string) (*model.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[itemID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *InMemory) current(itemID string) *model.Lock {
	l, ok := m.locks[itemID]
	if !ok {
		return nil
	}
	return &l
}

// WriteLock implements Store.WriteLock.
func (m *InMemory) WriteLock(ctx context.Context, itemID string, l model.Lock, prev *model.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.current(itemID); !model.SameLock(cur, prev) {
		return huddleerrors.Locked(model.HolderOf(cur))
	}
	m.locks[itemID] = l
	return nil
}

// ClearLock implements Store.ClearLock.
func (m *InMemory) ClearLock(ctx context.Context, itemID, holder string, acquiredAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[itemID]
	if !ok || l.Holder != holder || (!acquiredAt.IsZero() && !l.AcquiredAt.Equal(acquiredAt)) {
		return false, nil
	}
	delete(m.locks, itemID)
	return true, nil
}

// ListLocks implements Store.ListLocks.
func (m *InMemory) ListLocks(ctx context.Context) (map[string]model.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Lock, len(m.locks))
	for k, v := range m.locks {
		out[k] = v
	}
	return out, nil
}
