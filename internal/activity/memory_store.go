package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"creditrail/internal/errors"
)

// MemoryStore keeps the activity feed in memory. Used for tests and
// single-node development setups.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*Event
	byDedupe  map[string]bool
	cursors   map[string]uint64
	positions map[uint64]*PositionLink
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byDedupe:  make(map[string]bool),
		cursors:   make(map[string]uint64),
		positions: make(map[uint64]*PositionLink),
	}
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, event *Event) (bool, error) {
	if event == nil || event.DedupeKey == "" {
		return false, errors.New(CodeActivityMalformed, "event and dedupe key must be set")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byDedupe[event.DedupeKey] {
		return false, nil
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	clone := *event
	m.events = append(m.events, &clone)
	m.byDedupe[event.DedupeKey] = true
	return true, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filter.applyDefaults()

	var results []*Event
	for _, ev := range m.events {
		if !matchesFilter(ev, filter) {
			continue
		}
		clone := *ev
		results = append(results, &clone)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// HasCategory implements Store.
func (m *MemoryStore) HasCategory(_ context.Context, borrower string, category Category) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.Borrower == borrower && ev.Category == category {
			return true, nil
		}
	}
	return false, nil
}

// Cursor implements Store.
func (m *MemoryStore) Cursor(_ context.Context, facility string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.cursors[facility]
	return block, ok, nil
}

// CommitCursor implements Store.
func (m *MemoryStore) CommitCursor(_ context.Context, facility string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.cursors[facility]; ok && block < current {
		return nil
	}
	m.cursors[facility] = block
	return nil
}

// PutPositionLink implements Store.
func (m *MemoryStore) PutPositionLink(_ context.Context, link *PositionLink) error {
	if link == nil {
		return errors.New(errors.CodeInvalidArgument, "position link must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[link.PositionID]; ok {
		return nil
	}
	clone := *link
	m.positions[link.PositionID] = &clone
	return nil
}

// PositionLink implements Store.
func (m *MemoryStore) PositionLink(_ context.Context, positionID uint64) (*PositionLink, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.positions[positionID]
	if !ok {
		return nil, false, nil
	}
	clone := *link
	return &clone, true, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func matchesFilter(ev *Event, filter ListFilter) bool {
	if filter.AgentID != "" && ev.AgentID != filter.AgentID {
		return false
	}
	if filter.Borrower != "" && ev.Borrower != filter.Borrower {
		return false
	}
	if filter.LoanID != 0 && ev.LoanID != filter.LoanID {
		return false
	}
	if filter.Category != "" && ev.Category != filter.Category {
		return false
	}
	if !filter.Before.IsZero() && !ev.CreatedAt.Before(filter.Before) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
