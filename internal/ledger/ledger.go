// Package ledger defines the read/write surface the service consumes from
// the chain. The pool contract is the source of truth for policies,
// liquidity, loan state and consumed nonces; the off-chain store only
// mirrors it.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Policy is a borrower's registered on-chain lending policy.
type Policy struct {
	Registered         bool
	Enabled            bool
	MaxPrincipal       *big.Int
	MaxRateBps         uint32
	MaxDurationSeconds uint64
	AllowedActions     uint8
}

// Loan is the on-chain state of a single loan.
type Loan struct {
	ID        *big.Int
	Borrower  common.Address
	Principal *big.Int
	Active    bool
	Defaulted bool
}

// OfferTerms are the canonical terms submitted with an execution.
type OfferTerms struct {
	Borrower     common.Address
	Nonce        uint64
	Principal    *big.Int
	RateBps      uint32
	DueAt        uint64
	ExpiresAt    uint64
	Action       uint8
	MetadataHash [32]byte
}

// Settlement is the outcome of a mined transaction.
type Settlement struct {
	TxHash      common.Hash
	BlockNumber uint64
	Events      []Event
}

// Gateway is the full ledger surface consumed by the service.
type Gateway interface {
	Reader
	Submitter
	EventSource
}

// Reader covers read-only state queries.
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeadBlock(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	// CurrentTime returns the latest block timestamp, the clock all offer
	// windows are anchored to.
	CurrentTime(ctx context.Context) (time.Time, error)

	PolicyOf(ctx context.Context, borrower common.Address) (Policy, error)
	AvailableLiquidity(ctx context.Context) (*big.Int, error)
	OutstandingPrincipal(ctx context.Context) (*big.Int, error)
	LoanOf(ctx context.Context, loanID *big.Int) (Loan, error)
	NonceConsumed(ctx context.Context, borrower common.Address, nonce uint64) (bool, error)
	AuthorizedSigner(ctx context.Context) (common.Address, error)
	GracePeriod(ctx context.Context) (time.Duration, error)
}

// Submitter covers transaction submission and settlement.
type Submitter interface {
	// SubmitExecution broadcasts the offer execution transaction and returns
	// its hash without waiting for inclusion.
	SubmitExecution(ctx context.Context, terms OfferTerms, issuerSig, borrowerSig []byte) (common.Hash, error)
	// WaitSettled blocks until the transaction is mined, bounded by the
	// gateway's settle timeout. A reverted transaction is an error.
	WaitSettled(ctx context.Context, txHash common.Hash) (Settlement, error)
	// SubmitPolicyRegistration broadcasts a borrower-signed policy
	// registration and waits for settlement.
	SubmitPolicyRegistration(ctx context.Context, borrower common.Address, issuedAt, expiresAt uint64, borrowerSig []byte) (Settlement, error)
}

// EventSource covers ranged categorized event-log queries.
type EventSource interface {
	// FilterEvents returns the decoded events of one kind emitted by
	// contract in [from, to], ordered by (block, log index).
	FilterEvents(ctx context.Context, contract common.Address, from, to uint64, kind EventKind) ([]Event, error)
}
