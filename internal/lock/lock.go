// Package lock provides the per-user in-flight set that keeps at most one
// generation running for each user.
package lock

import (
	"context"
	"sync"
)

// Set is a concurrency-safe set of user ids currently inside a generation.
type Set interface {
	// Acquire adds userID and reports whether it was absent.
	Acquire(ctx context.Context, userID int64) (bool, error)
	Release(ctx context.Context, userID int64) error
	Contains(ctx context.Context, userID int64) (bool, error)
}

// Memory is a process-local Set.
type Memory struct {
	mu      sync.Mutex
	holders map[int64]struct{}
}

func NewMemory() *Memory {
	return &Memory{holders: make(map[int64]struct{})}
}

func (m *Memory) Acquire(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.holders[userID]; held {
		return false, nil
	}
	m.holders[userID] = struct{}{}
	return true, nil
}

func (m *Memory) Release(_ context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.holders, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Contains(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.holders[userID]
	return held, nil
}

// Len returns the number of users currently holding a slot.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holders)
}
