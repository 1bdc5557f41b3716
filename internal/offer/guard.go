package offer

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/errors"
	"creditrail/internal/ledger"
)

// DefaultIndex is the activity-side view the guard consults: a cheap local
// check for a recorded default, and an idempotent writer for a freshly
// discovered one.
type DefaultIndex interface {
	HasDefault(ctx context.Context, borrower common.Address) (bool, error)
	RecordDefault(ctx context.Context, agentID string, borrower common.Address, loanID *big.Int) error
}

// Guard rejects borrowers with a defaulted loan. It trusts the local activity
// index first and falls back to recomputing from ledger state, so a default
// the ingestion pipeline has not mirrored yet is still caught.
type Guard struct {
	store     Store
	reader    ledger.Reader
	index     DefaultIndex
	chunkSize int
}

// NewGuard creates a default guard. chunkSize bounds how many executed offers
// are examined per store page.
func NewGuard(store Store, reader ledger.Reader, index DefaultIndex, chunkSize int) *Guard {
	if chunkSize <= 0 {
		chunkSize = 25
	}
	return &Guard{store: store, reader: reader, index: index, chunkSize: chunkSize}
}

// EnsureNotDefaulted returns nil when the borrower has no defaulted loan.
func (g *Guard) EnsureNotDefaulted(ctx context.Context, agentID string, borrower common.Address) error {
	recorded, err := g.index.HasDefault(ctx, borrower)
	if err != nil {
		return errors.Wrap(errors.CodeStorageFailure, err, "check recorded defaults")
	}
	if recorded {
		return errors.New(CodeBorrowerSuspended, "borrower has a recorded defaulted loan")
	}

	var before time.Time
	for {
		page, err := g.store.List(ctx, ListOptions{
			Borrower:      &borrower,
			Statuses:      []Status{StatusExecuted},
			Limit:         g.chunkSize,
			CreatedBefore: before,
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, o := range page {
			if o.LoanID == 0 {
				continue
			}
			loanID := new(big.Int).SetUint64(o.LoanID)
			loan, err := g.reader.LoanOf(ctx, loanID)
			if err != nil {
				return errors.Wrap(errors.CodeLedgerFailure, err, "read loan state")
			}
			if loan.Defaulted {
				// Repeated discoveries collapse on the dedupe key.
				if recErr := g.index.RecordDefault(ctx, agentID, borrower, loanID); recErr != nil {
					return recErr
				}
				return errors.New(CodeBorrowerSuspended, "borrower defaulted on a prior loan",
					errors.WithMetadata("loan_id", loanID.String()))
			}
		}
		if len(page) < g.chunkSize {
			return nil
		}
		before = page[len(page)-1].CreatedAt
	}
}
