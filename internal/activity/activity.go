// Package activity mirrors offer lifecycle occurrences and on-chain pool
// events into an immutable, deduplicated feed consumed by downstream
// reporting. The dedupe key is the idempotency mechanism: recording the same
// occurrence twice is always harmless.
package activity

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/errors"
)

// Category classifies an activity event.
type Category string

const (
	CategoryCreated             Category = "created"
	CategoryExpired             Category = "expired"
	CategoryExecuted            Category = "executed"
	CategoryRepaid              Category = "repaid"
	CategoryDefaulted           Category = "defaulted"
	CategoryOpened              Category = "opened"
	CategoryCollateralWithdrawn Category = "collateral_withdrawn"
)

const (
	CodeActivityMalformed errors.Code = "ACTIVITY_MALFORMED"
	CodeCursorRegression  errors.Code = "CURSOR_REGRESSION"
)

func init() {
	errors.Register(CodeActivityMalformed, errors.Attributes{Message: "activity record malformed", Severity: errors.SeverityWarning})
	errors.Register(CodeCursorRegression, errors.Attributes{Message: "sync cursor may not decrease", Severity: errors.SeverityCritical, Alert: true})
}

// Event is one immutable activity record.
type Event struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	DedupeKey string    `json:"dedupe_key"`
	AgentID   string    `json:"agent_id,omitempty"`
	Borrower  string    `json:"borrower,omitempty"`
	LoanID    uint64    `json:"loan_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Block     uint64    `json:"block,omitempty"`
	LogIndex  uint      `json:"log_index,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PositionLink ties a collateral position to the loan that opened it, so a
// later withdrawal log, which carries only the position id, can recover
// borrower and agent context.
type PositionLink struct {
	PositionID uint64
	LoanID     uint64
	Borrower   string
	AgentID    string
}

// ChainDedupeKey fingerprints an on-chain log.
func ChainDedupeKey(category Category, txHash common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s:%s:%d", category, txHash.Hex(), logIndex)
}

// LocalDedupeKey fingerprints a locally emitted lifecycle record.
func LocalDedupeKey(category Category, offerID string) string {
	return fmt.Sprintf("%s:%s", category, offerID)
}

// DefaultDedupeKey fingerprints a synthetic default discovered by the guard.
// Scoping it to chain and contract keeps rediscoveries idempotent.
func DefaultDedupeKey(chainID *big.Int, contract common.Address, loanID *big.Int) string {
	return fmt.Sprintf("defaulted:%s:%s:%s", chainID, contract.Hex(), loanID)
}
