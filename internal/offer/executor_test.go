package offer

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"creditrail/internal/errors"
	"creditrail/internal/ledger"
)

type executorFixture struct {
	*issuerFixture
	executor *Executor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	fx := newIssuerFixture(t, IssuerConfig{AllowConcurrentLoans: true})
	clock := ledger.NewClock(fx.gateway, time.Nanosecond)
	return &executorFixture{
		issuerFixture: fx,
		executor:      NewExecutor(fx.store, fx.gateway, clock, fx.recorder, nil),
	}
}

func (fx *executorFixture) issueOne(t *testing.T) *Offer {
	t.Helper()
	o, err := fx.issuer.Issue(context.Background(), validIssueRequest())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// The fake settles with a matching executed log so the loan id decodes.
	fx.gateway.mu.Lock()
	fx.gateway.settleEvents = []ledger.Event{ledger.LoanExecuted{
		EventMeta: ledger.EventMeta{BlockNumber: 1, LogIndex: 0},
		LoanID:    big.NewInt(42),
		Borrower:  o.Borrower,
		Principal: o.Principal,
		Nonce:     o.Nonce,
	}}
	fx.gateway.mu.Unlock()
	return o
}

func TestExecuteHappyPath(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	res, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.LoanID != 42 {
		t.Fatalf("loan id = %d, want 42", res.LoanID)
	}
	if res.TxHash == "" {
		t.Fatal("expected a transaction reference")
	}

	stored, err := fx.store.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed", stored.Status)
	}
	if got := fx.recorder.executed.Load(); got != 1 {
		t.Fatalf("executed activity records = %d, want 1", got)
	}
}

func TestExecuteConcurrentSingleSubmission(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		txHashes  = make(map[string]bool)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
				txHashes[res.TxHash] = true
			case stdErrors.Is(err, ErrLocked):
				// Losing caller observed the in-progress lock.
			default:
				t.Errorf("unexpected execute error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fx.gateway.submitCount.Load(); got != 1 {
		t.Fatalf("ledger submissions = %d, want exactly 1", got)
	}
	if successes == 0 {
		t.Fatal("at least the winning caller must observe the result")
	}
	if len(txHashes) != 1 {
		t.Fatalf("distinct tx hashes = %d, want 1", len(txHashes))
	}
}

func TestExecuteReplayReturnsCachedResult(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	first, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.TxHash != first.TxHash || second.LoanID != first.LoanID {
		t.Fatalf("replay result %+v differs from original %+v", second, first)
	}
	if got := fx.gateway.submitCount.Load(); got != 1 {
		t.Fatalf("ledger submissions = %d, want 1", got)
	}
}

func TestExecuteExpiredOffer(t *testing.T) {
	fx := newExecutorFixture(t)

	req := validIssueRequest()
	req.Principal = big.NewInt(5_000_000_000_000_000)
	req.RateBps = 500
	req.DurationSeconds = 3600

	o, err := fx.issuer.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	t0 := o.IssuedAt
	if o.DueAt != t0+3600 {
		t.Fatalf("dueAt = %d, want %d", o.DueAt, t0+3600)
	}
	if o.ExpiresAt != t0+300 {
		t.Fatalf("expiresAt = %d, want %d", o.ExpiresAt, t0+300)
	}

	fx.gateway.setChainTime(time.Unix(int64(t0+301), 0))

	_, err = fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if errors.CodeOf(err) != CodeOfferExpired {
		t.Fatalf("error code = %s, want OFFER_EXPIRED", errors.CodeOf(err))
	}

	stored, err := fx.store.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", stored.Status)
	}
	if got := fx.gateway.submitCount.Load(); got != 0 {
		t.Fatalf("expired offer must never reach the ledger, submissions = %d", got)
	}
	if got := fx.recorder.expired.Load(); got != 1 {
		t.Fatalf("expired activity records = %d, want 1", got)
	}
}

func TestExecuteConsumedNonceArbiter(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	// Simulate a crash after submission: the chain consumed the nonce but
	// the local record still says issued.
	fx.gateway.mu.Lock()
	fx.gateway.consumed[consumedKey(o.Borrower, o.Nonce)] = true
	fx.gateway.mu.Unlock()

	_, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if errors.CodeOf(err) != CodeOfferNonceUsed {
		t.Fatalf("error code = %s, want OFFER_NONCE_USED", errors.CodeOf(err))
	}

	stored, err := fx.store.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed after arbiter reconciliation", stored.Status)
	}
	if got := fx.gateway.submitCount.Load(); got != 0 {
		t.Fatalf("no second submission allowed, got %d", got)
	}
}

func TestExecuteSubmissionFailureIsRetryable(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	fx.gateway.mu.Lock()
	fx.gateway.submitErr = fmt.Errorf("broadcast refused")
	fx.gateway.mu.Unlock()

	_, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if err == nil {
		t.Fatal("expected submission failure")
	}
	if !errors.RetryableError(err) {
		t.Fatalf("submission failure must be retryable, got %v", err)
	}

	stored, _ := fx.store.Get(context.Background(), o.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if !strings.Contains(stored.LastError, "broadcast refused") {
		t.Fatalf("last error %q must capture the cause", stored.LastError)
	}

	// The failed offer re-locks on the next attempt and succeeds.
	fx.gateway.mu.Lock()
	fx.gateway.submitErr = nil
	fx.gateway.mu.Unlock()

	res, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if res.LoanID != 42 {
		t.Fatalf("loan id = %d, want 42", res.LoanID)
	}
}

func TestExecuteSettlementFailure(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	fx.gateway.mu.Lock()
	fx.gateway.settleErr = fmt.Errorf("transaction reverted")
	fx.gateway.mu.Unlock()

	_, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if errors.CodeOf(err) != errors.CodeLedgerFailure {
		t.Fatalf("error code = %s, want LEDGER_FAILURE", errors.CodeOf(err))
	}

	stored, _ := fx.store.Get(context.Background(), o.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if !strings.HasPrefix(stored.LastError, "settlement failed") {
		t.Fatalf("last error %q must carry the settlement reason", stored.LastError)
	}
}

func TestExecuteMissingLogIsSoftFailure(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	// Settlement succeeds but carries no decodable executed log.
	fx.gateway.mu.Lock()
	fx.gateway.settleEvents = nil
	fx.gateway.mu.Unlock()

	res, err := fx.executor.Execute(context.Background(), o.AgentID, o.Borrower, o.Nonce, []byte{0x01})
	if err != nil {
		t.Fatalf("missing log must not fail the execution: %v", err)
	}
	if res.LoanID != 0 {
		t.Fatalf("loan id = %d, want 0 when the log is missing", res.LoanID)
	}

	stored, _ := fx.store.Get(context.Background(), o.ID)
	if stored.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed", stored.Status)
	}
}

func TestExecuteWrongAgentRejected(t *testing.T) {
	fx := newExecutorFixture(t)
	o := fx.issueOne(t)

	_, err := fx.executor.Execute(context.Background(), "someone-else", o.Borrower, o.Nonce, []byte{0x01})
	if errors.CodeOf(err) != errors.CodeUnauthorized {
		t.Fatalf("error code = %s, want UNAUTHORIZED", errors.CodeOf(err))
	}
}

func TestExecuteUnknownOffer(t *testing.T) {
	fx := newExecutorFixture(t)

	_, err := fx.executor.Execute(context.Background(), "agent-1", testBorrower, 99, []byte{0x01})
	if !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
