package offer

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/errors"
)

// Offer lifecycle statuses. executed and expired are terminal; failed can be
// re-locked back into executing by a later execution attempt.
type Status string

const (
	StatusIssued    Status = "issued"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired
}

// Action bits carried in the signed offer payload. The repay-gas bit marks
// offers that may bypass the single-active-loan rule within configured caps.
const (
	ActionBorrow   uint8 = 1
	ActionRepayGas uint8 = 0x80
)

// Domain error codes surfaced to callers and mapped onto HTTP statuses by the
// API layer.
const (
	CodeOfferNotFound      errors.Code = "OFFER_NOT_FOUND"
	CodeOfferExpired       errors.Code = "OFFER_EXPIRED"
	CodeOfferTerminal      errors.Code = "OFFER_TERMINAL"
	CodeOfferLocked        errors.Code = "OFFER_LOCKED"
	CodeOfferNonceUsed     errors.Code = "OFFER_NONCE_USED"
	CodePolicyRejected     errors.Code = "POLICY_REJECTED"
	CodeActiveLoan         errors.Code = "ACTIVE_LOAN_EXISTS"
	CodeSignerMismatch     errors.Code = "SIGNER_MISMATCH"
	CodeInsufficientFunds  errors.Code = "INSUFFICIENT_LIQUIDITY"
	CodeBorrowerSuspended  errors.Code = "BORROWER_SUSPENDED"
	CodeRepayGasActive     errors.Code = "REPAY_GAS_ACTIVE"
	CodeRepayGasCap        errors.Code = "REPAY_GAS_CAP_EXCEEDED"
)

func init() {
	errors.Register(CodeOfferNotFound, errors.Attributes{Message: "offer not found", Severity: errors.SeverityInfo})
	errors.Register(CodeOfferExpired, errors.Attributes{Message: "offer expired", Severity: errors.SeverityInfo})
	errors.Register(CodeOfferTerminal, errors.Attributes{Message: "offer already settled", Severity: errors.SeverityInfo})
	errors.Register(CodeOfferLocked, errors.Attributes{Message: "offer execution in progress", Severity: errors.SeverityInfo})
	errors.Register(CodeOfferNonceUsed, errors.Attributes{Message: "offer nonce already consumed on chain", Severity: errors.SeverityWarning})
	errors.Register(CodePolicyRejected, errors.Attributes{Message: "offer rejected by facility policy", Severity: errors.SeverityInfo})
	errors.Register(CodeActiveLoan, errors.Attributes{Message: "borrower already has an active loan", Severity: errors.SeverityInfo})
	errors.Register(CodeSignerMismatch, errors.Attributes{Message: "configured signer is not authorized on chain", Severity: errors.SeverityCritical, Alert: true})
	errors.Register(CodeInsufficientFunds, errors.Attributes{Message: "facility liquidity insufficient for principal", Severity: errors.SeverityInfo})
	errors.Register(CodeBorrowerSuspended, errors.Attributes{Message: "borrower suspended by default guard", Severity: errors.SeverityWarning})
	errors.Register(CodeRepayGasActive, errors.Attributes{Message: "a repay-gas loan is already active", Severity: errors.SeverityInfo})
	errors.Register(CodeRepayGasCap, errors.Attributes{Message: "repay-gas offer exceeds its caps", Severity: errors.SeverityInfo})
}

var (
	// ErrNotFound reports that no offer matches the requested identity.
	ErrNotFound = errors.New(CodeOfferNotFound, "offer not found")
	// ErrTerminal reports that the offer reached a terminal status and
	// cannot transition again.
	ErrTerminal = errors.New(CodeOfferTerminal, "offer already settled")
	// ErrLocked reports that another execution attempt currently holds the
	// offer in executing status.
	ErrLocked = errors.New(CodeOfferLocked, "offer execution in progress")
	// ErrExpired reports that the offer passed its expiry deadline.
	ErrExpired = errors.New(CodeOfferExpired, "offer expired")
)

// Offer is the persisted record of a signed lending offer.
type Offer struct {
	ID           string
	AgentID      string
	Borrower     common.Address
	Nonce        uint64
	Principal    *big.Int
	RateBps      uint32
	DueAt        uint64
	IssuedAt     uint64
	ExpiresAt    uint64
	Action       uint8
	MetadataHash [32]byte
	Signature    []byte
	Status       Status
	TxHash       string
	LoanID       uint64
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy safe to hand to callers of the memory store.
func (o *Offer) Clone() *Offer {
	cp := *o
	if o.Principal != nil {
		cp.Principal = new(big.Int).Set(o.Principal)
	}
	if o.Signature != nil {
		cp.Signature = append([]byte(nil), o.Signature...)
	}
	return &cp
}

// RepayGas reports whether the offer carries the repay-gas action bit.
func (o *Offer) RepayGas() bool {
	return o.Action&ActionRepayGas != 0
}
