package activity

import (
	"context"
	stdErrors "errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/ledger"
	"creditrail/internal/offer"
)

// LoanContext is the off-chain identity attached to an observed loan.
type LoanContext struct {
	AgentID  string
	Borrower string
}

// Resolver recovers agent and borrower context for loan ids observed in the
// event stream. The fallback order is fixed: the local offer index first,
// then a direct ledger read, which can name the borrower but not the agent.
type Resolver struct {
	offers offer.Store
	reader ledger.Reader
}

// NewResolver creates a Resolver.
func NewResolver(offers offer.Store, reader ledger.Reader) *Resolver {
	return &Resolver{offers: offers, reader: reader}
}

// Resolve looks up the context for loanID. A loan the service never issued
// resolves to the on-chain borrower with an empty agent id.
func (r *Resolver) Resolve(ctx context.Context, loanID uint64) (LoanContext, error) {
	if loanID == 0 {
		return LoanContext{}, nil
	}

	o, err := r.offers.GetByLoanID(ctx, loanID)
	if err == nil {
		return LoanContext{AgentID: o.AgentID, Borrower: addressString(o.Borrower)}, nil
	}
	if !stdErrors.Is(err, offer.ErrNotFound) {
		return LoanContext{}, err
	}

	loan, err := r.reader.LoanOf(ctx, new(big.Int).SetUint64(loanID))
	if err != nil {
		return LoanContext{}, err
	}
	if loan.Borrower == (common.Address{}) {
		return LoanContext{}, nil
	}
	return LoanContext{Borrower: addressString(loan.Borrower)}, nil
}
