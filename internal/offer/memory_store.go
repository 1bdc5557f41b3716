package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/errors"
)

// MemoryStore keeps offers in memory. Used for tests and single-node
// development setups.
type MemoryStore struct {
	mu      sync.RWMutex
	offers  map[string]*Offer
	byNonce map[nonceKey]string
}

type nonceKey struct {
	borrower common.Address
	nonce    uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:  make(map[string]*Offer),
		byNonce: make(map[nonceKey]string),
	}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, o *Offer) error {
	if o == nil {
		return errors.New(errors.CodeInvalidArgument, "offer must not be nil")
	}
	if o.ID == "" {
		return errors.New(errors.CodeInvalidArgument, "offer id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; ok {
		return errors.New(errors.CodeConflict, "offer id already exists")
	}
	key := nonceKey{borrower: o.Borrower, nonce: o.Nonce}
	if _, ok := m.byNonce[key]; ok {
		return errors.New(errors.CodeConflict, "offer nonce already issued for borrower")
	}
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	m.offers[o.ID] = o.Clone()
	m.byNonce[key] = o.ID
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

// GetByNonce implements Store.
func (m *MemoryStore) GetByNonce(_ context.Context, borrower common.Address, nonce uint64) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byNonce[nonceKey{borrower: borrower, nonce: nonce}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.offers[id].Clone(), nil
}

// GetByLoanID implements Store.
func (m *MemoryStore) GetByLoanID(_ context.Context, loanID uint64) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offers {
		if o.LoanID == loanID && o.LoanID != 0 {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Lock implements Store.
func (m *MemoryStore) Lock(_ context.Context, id string) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch o.Status {
	case StatusExecuting:
		return o.Clone(), ErrLocked
	case StatusExecuted:
		return o.Clone(), ErrTerminal
	case StatusExpired:
		return o.Clone(), ErrExpired
	}
	o.Status = StatusExecuting
	o.LastError = ""
	o.UpdatedAt = time.Now()
	return o.Clone(), nil
}

// MarkExecuted implements Store.
func (m *MemoryStore) MarkExecuted(_ context.Context, id string, txHash string, loanID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = StatusExecuted
	o.TxHash = txHash
	o.LoanID = loanID
	o.LastError = ""
	o.UpdatedAt = time.Now()
	return nil
}

// MarkFailed implements Store.
func (m *MemoryStore) MarkFailed(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status.Terminal() {
		return ErrTerminal
	}
	o.Status = StatusFailed
	o.LastError = lastError
	o.UpdatedAt = time.Now()
	return nil
}

// MarkExpired implements Store.
func (m *MemoryStore) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != StatusIssued {
		return ErrTerminal
	}
	o.Status = StatusExpired
	o.UpdatedAt = time.Now()
	return nil
}

// ExpireDue implements Store.
func (m *MemoryStore) ExpireDue(_ context.Context, nowUnix uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	now := time.Now()
	for id, o := range m.offers {
		if o.Status == StatusIssued && o.ExpiresAt <= nowUnix {
			o.Status = StatusExpired
			o.UpdatedAt = now
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Offer, 0, len(m.offers))
	for _, o := range m.offers {
		if !matchesListFilters(o, opts) {
			continue
		}
		results = append(results, o.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByStatus: make(map[Status]int64)}
	for _, o := range m.offers {
		stats.Total++
		stats.ByStatus[o.Status]++
	}
	return stats, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(o *Offer, opts ListOptions) bool {
	if opts.Borrower != nil && o.Borrower != *opts.Borrower {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if o.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !opts.CreatedBefore.IsZero() && !o.CreatedAt.Before(opts.CreatedBefore) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
