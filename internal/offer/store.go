package offer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOptions narrows List queries. Results are ordered newest first;
// CreatedBefore pages through older records.
type ListOptions struct {
	Borrower      *common.Address
	Statuses      []Status
	Limit         int
	CreatedBefore time.Time
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 100
	}
}

// Stats aggregates offer counts by status.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[Status]int64 `json:"by_status"`
}

// Store persists offers and enforces the lifecycle transitions. Lock is the
// only entry into executing: it must move exactly one row from issued or
// failed, and report ErrLocked, ErrTerminal or ErrExpired when it cannot.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	GetByNonce(ctx context.Context, borrower common.Address, nonce uint64) (*Offer, error)
	// GetByLoanID resolves an executed offer from its external loan id.
	GetByLoanID(ctx context.Context, loanID uint64) (*Offer, error)
	// Lock transitions the offer into executing. Only issued and failed
	// offers qualify; the returned offer reflects the post-lock state.
	Lock(ctx context.Context, id string) (*Offer, error)
	MarkExecuted(ctx context.Context, id string, txHash string, loanID uint64) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	// MarkExpired moves an issued offer to expired. Offers in any other
	// status are left untouched and ErrTerminal is returned.
	MarkExpired(ctx context.Context, id string) error
	// ExpireDue sweeps issued offers whose expiry deadline passed and
	// returns the ids it transitioned.
	ExpireDue(ctx context.Context, nowUnix uint64) ([]string, error)
	List(ctx context.Context, opts ListOptions) ([]*Offer, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// NonceSource allocates strictly increasing offer nonces per borrower.
// Allocations must stay unique under concurrent callers.
type NonceSource interface {
	Next(ctx context.Context, borrower common.Address) (uint64, error)
}
