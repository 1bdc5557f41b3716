package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies one categorized ledger event type.
type EventKind string

const (
	KindLoanExecuted        EventKind = "loan_executed"
	KindLoanRepaid          EventKind = "loan_repaid"
	KindLoanDefaulted       EventKind = "loan_defaulted"
	KindPositionOpened      EventKind = "position_opened"
	KindCollateralWithdrawn EventKind = "collateral_withdrawn"
)

// EventMeta carries the log position shared by all event variants.
type EventMeta struct {
	Contract    common.Address
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Event is a closed variant over the categorized pool and vault logs.
// Consumers switch exhaustively on the concrete type instead of probing
// field presence.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
}

// LoanExecuted is emitted when a countersigned offer is drawn down.
type LoanExecuted struct {
	EventMeta
	LoanID    *big.Int
	Borrower  common.Address
	Principal *big.Int
	Nonce     uint64
}

func (e LoanExecuted) Kind() EventKind { return KindLoanExecuted }
func (e LoanExecuted) Meta() EventMeta { return e.EventMeta }

// LoanRepaid is emitted when a loan is repaid in full.
type LoanRepaid struct {
	EventMeta
	LoanID   *big.Int
	Borrower common.Address
	Amount   *big.Int
}

func (e LoanRepaid) Kind() EventKind { return KindLoanRepaid }
func (e LoanRepaid) Meta() EventMeta { return e.EventMeta }

// LoanDefaulted is emitted when a loan passes its due date plus grace.
type LoanDefaulted struct {
	EventMeta
	LoanID   *big.Int
	Borrower common.Address
}

func (e LoanDefaulted) Kind() EventKind { return KindLoanDefaulted }
func (e LoanDefaulted) Meta() EventMeta { return e.EventMeta }

// PositionOpened is emitted by the collateral vault when a collateralized
// loan opens a position.
type PositionOpened struct {
	EventMeta
	PositionID *big.Int
	LoanID     *big.Int
	Borrower   common.Address
	Collateral *big.Int
}

func (e PositionOpened) Kind() EventKind { return KindPositionOpened }
func (e PositionOpened) Meta() EventMeta { return e.EventMeta }

// CollateralWithdrawn is emitted when collateral leaves a position. The log
// carries only the position id; borrower and agent context is recovered from
// the position link recorded at open time.
type CollateralWithdrawn struct {
	EventMeta
	PositionID *big.Int
	Amount     *big.Int
}

func (e CollateralWithdrawn) Kind() EventKind { return KindCollateralWithdrawn }
func (e CollateralWithdrawn) Meta() EventMeta { return e.EventMeta }
