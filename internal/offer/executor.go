package offer

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/errors"
	"creditrail/internal/ledger"
	"creditrail/internal/observability/alerting"
	"creditrail/pkg/logger"
)

// ExecuteResult is returned to the caller of Execute. LoanID is zero when the
// executed log could not be decoded from the settlement receipt.
type ExecuteResult struct {
	TxHash string `json:"tx_hash"`
	LoanID uint64 `json:"loan_id,omitempty"`
}

// Executor drives the offer state machine. The conditional lock in the store
// is the only mutual exclusion; the on-chain consumed-nonce flag is the final
// arbiter of whether an execution already happened.
type Executor struct {
	store    Store
	gateway  ledger.Gateway
	clock    *ledger.Clock
	recorder LifecycleRecorder
	alerts   alerting.Dispatcher
}

// NewExecutor wires the execution pipeline. alerts may be nil.
func NewExecutor(store Store, gateway ledger.Gateway, clock *ledger.Clock, recorder LifecycleRecorder, alerts alerting.Dispatcher) *Executor {
	return &Executor{
		store:    store,
		gateway:  gateway,
		clock:    clock,
		recorder: recorder,
		alerts:   alerts,
	}
}

// Execute locks the offer identified by (borrower, nonce), submits it with
// the borrower countersignature and reconciles the outcome. Replaying an
// already executed offer returns the cached result.
func (e *Executor) Execute(ctx context.Context, agentID string, borrower common.Address, nonce uint64, borrowerSig []byte) (*ExecuteResult, error) {
	if len(borrowerSig) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "borrower signature must not be empty")
	}

	o, err := e.store.GetByNonce(ctx, borrower, nonce)
	if err != nil {
		return nil, err
	}
	if agentID != "" && o.AgentID != agentID {
		return nil, errors.New(errors.CodeUnauthorized, "offer belongs to another agent")
	}

	switch o.Status {
	case StatusExecuted:
		return &ExecuteResult{TxHash: o.TxHash, LoanID: o.LoanID}, nil
	case StatusExecuting:
		return nil, ErrLocked
	case StatusExpired:
		return nil, ErrExpired
	}

	chainNow, err := e.clock.Now(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.CodeLedgerFailure, err, "read ledger clock")
	}
	if uint64(chainNow.Unix()) > o.ExpiresAt {
		return nil, e.expire(ctx, o)
	}

	o, err = e.store.Lock(ctx, o.ID)
	if err != nil {
		// Another caller moved the offer since the read above.
		switch {
		case stdErrors.Is(err, ErrTerminal) && o != nil && o.Status == StatusExecuted:
			return &ExecuteResult{TxHash: o.TxHash, LoanID: o.LoanID}, nil
		default:
			return nil, err
		}
	}

	// Stale local state after a crash: the chain may already have consumed
	// this nonce even though the offer never reached executed locally.
	consumed, err := e.gateway.NonceConsumed(ctx, borrower, nonce)
	if err != nil {
		e.markFailed(ctx, o.ID, "nonce check failed: "+err.Error())
		return nil, errors.Wrap(errors.CodeLedgerFailure, err, "check consumed nonce")
	}
	if consumed {
		if markErr := e.store.MarkExecuted(ctx, o.ID, o.TxHash, o.LoanID); markErr != nil {
			return nil, markErr
		}
		return nil, errors.New(CodeOfferNonceUsed, "offer nonce already consumed on chain",
			errors.WithMetadata("borrower", borrower.Hex()))
	}

	terms := ledger.OfferTerms{
		Borrower:     o.Borrower,
		Nonce:        o.Nonce,
		Principal:    o.Principal,
		RateBps:      o.RateBps,
		DueAt:        o.DueAt,
		ExpiresAt:    o.ExpiresAt,
		Action:       o.Action,
		MetadataHash: o.MetadataHash,
	}
	txHash, err := e.gateway.SubmitExecution(ctx, terms, o.Signature, borrowerSig)
	if err != nil {
		e.markFailed(ctx, o.ID, "submission failed: "+err.Error())
		return nil, errors.Wrap(errors.CodeLedgerFailure, err, "submit execution")
	}

	settlement, err := e.gateway.WaitSettled(ctx, txHash)
	if err != nil {
		e.markFailed(ctx, o.ID, "settlement failed: "+err.Error())
		e.alert(ctx, alerting.Event{
			Code:       errors.CodeLedgerFailure,
			Message:    "offer execution did not settle: " + err.Error(),
			Severity:   errors.SeverityCritical,
			Subject:    o.ID,
			Metadata:   map[string]string{"tx_hash": txHash.Hex(), "borrower": borrower.Hex()},
			OccurredAt: time.Now(),
		})
		return nil, errors.Wrap(errors.CodeLedgerFailure, err, "await settlement")
	}

	loanID := extractLoanID(settlement.Events, borrower, nonce)
	if loanID == 0 {
		// Funds moved; the missing log is a reconciliation problem, not an
		// execution failure.
		logger.Audit().Warn("loan executed log missing from settlement",
			slog.String("offer_id", o.ID),
			slog.String("tx_hash", txHash.Hex()))
		e.alert(ctx, alerting.Event{
			Code:       errors.CodeInternal,
			Message:    "settled execution carries no decodable loan executed log",
			Severity:   errors.SeverityWarning,
			Subject:    o.ID,
			Metadata:   map[string]string{"tx_hash": txHash.Hex()},
			OccurredAt: time.Now(),
		})
	}

	if err := e.store.MarkExecuted(ctx, o.ID, txHash.Hex(), loanID); err != nil {
		return nil, err
	}
	o.Status = StatusExecuted
	o.TxHash = txHash.Hex()
	o.LoanID = loanID

	if err := e.recorder.OfferExecuted(ctx, o); err != nil {
		logger.L().Error("record executed activity failed",
			slog.Any("error", err),
			slog.String("offer_id", o.ID))
	}

	logger.Audit().Info("offer executed",
		slog.String("offer_id", o.ID),
		slog.String("borrower", borrower.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("tx_hash", o.TxHash),
		slog.Uint64("loan_id", loanID),
		slog.Uint64("block", settlement.BlockNumber),
	)
	return &ExecuteResult{TxHash: o.TxHash, LoanID: loanID}, nil
}

// expire moves an issued offer past its deadline to expired and reports the
// rejection. A failed offer past its deadline is rejected without mutation;
// the state graph has no failed to expired edge.
func (e *Executor) expire(ctx context.Context, o *Offer) error {
	if o.Status != StatusIssued {
		return ErrExpired
	}
	if err := e.store.MarkExpired(ctx, o.ID); err != nil {
		if stdErrors.Is(err, ErrTerminal) {
			return ErrExpired
		}
		return err
	}
	o.Status = StatusExpired
	if err := e.recorder.OfferExpired(ctx, o); err != nil {
		logger.L().Error("record expired activity failed",
			slog.Any("error", err),
			slog.String("offer_id", o.ID))
	}
	logger.Audit().Info("offer expired",
		slog.String("offer_id", o.ID),
		slog.String("borrower", o.Borrower.Hex()),
		slog.Uint64("nonce", o.Nonce))
	return ErrExpired
}

func (e *Executor) markFailed(ctx context.Context, id, reason string) {
	if err := e.store.MarkFailed(ctx, id, reason); err != nil {
		logger.L().Error("mark offer failed errored",
			slog.Any("error", err),
			slog.String("offer_id", id))
	}
}

func (e *Executor) alert(ctx context.Context, event alerting.Event) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event); err != nil {
		logger.L().Error("alert dispatch failed", slog.Any("error", err))
	}
}

func extractLoanID(events []ledger.Event, borrower common.Address, nonce uint64) uint64 {
	for _, ev := range events {
		executed, ok := ev.(ledger.LoanExecuted)
		if !ok {
			continue
		}
		if executed.Borrower == borrower && executed.Nonce == nonce && executed.LoanID != nil {
			return executed.LoanID.Uint64()
		}
	}
	return 0
}
