package activity

import (
	"context"
	"time"
)

// ListFilter narrows activity queries. Before pages backwards through time.
type ListFilter struct {
	AgentID  string
	Borrower string
	LoanID   uint64
	Category Category
	Limit    int
	Before   time.Time
}

func (f *ListFilter) applyDefaults() {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
}

// Store persists activity events, sync cursors and position links.
type Store interface {
	// Insert writes the event unless its dedupe key already exists.
	// The returned flag reports whether a new row was written; a
	// duplicate key is absorbed, not an error.
	Insert(ctx context.Context, event *Event) (inserted bool, err error)
	List(ctx context.Context, filter ListFilter) ([]*Event, error)
	// HasCategory reports whether any event with the category exists for
	// the borrower. The default guard's cheap local check.
	HasCategory(ctx context.Context, borrower string, category Category) (bool, error)

	// Cursor returns the last fully processed block for the facility, or
	// (0, false) when the facility has never committed.
	Cursor(ctx context.Context, facility string) (uint64, bool, error)
	// CommitCursor advances the cursor. A lower value than the stored one
	// is ignored; the cursor never decreases.
	CommitCursor(ctx context.Context, facility string, block uint64) error

	PutPositionLink(ctx context.Context, link *PositionLink) error
	PositionLink(ctx context.Context, positionID uint64) (*PositionLink, bool, error)

	Close() error
}
