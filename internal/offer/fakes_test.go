package offer

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/ledger"
)

var otherBorrower = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

// fakeGateway implements ledger.Gateway with controllable behaviour. Zero
// values are permissive: every policy passes, the pool is deep, nothing is
// consumed and submissions settle immediately.
type fakeGateway struct {
	mu sync.Mutex

	chainTime     time.Time
	authorized    common.Address
	policy        ledger.Policy
	liquidity     *big.Int
	loans         map[uint64]ledger.Loan
	consumed      map[string]bool
	submitCount   atomic.Int64
	submitErr     error
	settleErr     error
	settleEvents  []ledger.Event
	filterResults map[ledger.EventKind][]ledger.Event
	head          uint64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		chainTime: time.Unix(1_700_000_000, 0),
		policy: ledger.Policy{
			Registered:         true,
			Enabled:            true,
			MaxPrincipal:       big.NewInt(1_000_000_000_000_000_000),
			MaxRateBps:         2_000,
			MaxDurationSeconds: 86_400,
			AllowedActions:     0xFF,
		},
		liquidity: big.NewInt(1_000_000_000_000_000_000),
		loans:     make(map[uint64]ledger.Loan),
		consumed:  make(map[string]bool),
	}
}

func consumedKey(borrower common.Address, nonce uint64) string {
	return borrower.Hex() + ":" + strconv.FormatUint(nonce, 10)
}

func (g *fakeGateway) setChainTime(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chainTime = t
}

func (g *fakeGateway) setLoan(id uint64, loan ledger.Loan) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loans[id] = loan
}

func (g *fakeGateway) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (g *fakeGateway) HeadBlock(context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

func (g *fakeGateway) BlockTime(_ context.Context, number uint64) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chainTime.Add(time.Duration(number) * 12 * time.Second), nil
}

func (g *fakeGateway) CurrentTime(context.Context) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chainTime, nil
}

func (g *fakeGateway) PolicyOf(context.Context, common.Address) (ledger.Policy, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy, nil
}

func (g *fakeGateway) AvailableLiquidity(context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.liquidity), nil
}

func (g *fakeGateway) OutstandingPrincipal(context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (g *fakeGateway) LoanOf(_ context.Context, loanID *big.Int) (ledger.Loan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	loan, ok := g.loans[loanID.Uint64()]
	if !ok {
		return ledger.Loan{ID: loanID}, nil
	}
	return loan, nil
}

func (g *fakeGateway) NonceConsumed(_ context.Context, borrower common.Address, nonce uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consumed[consumedKey(borrower, nonce)], nil
}

func (g *fakeGateway) AuthorizedSigner(context.Context) (common.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authorized, nil
}

func (g *fakeGateway) GracePeriod(context.Context) (time.Duration, error) {
	return 24 * time.Hour, nil
}

func (g *fakeGateway) SubmitExecution(_ context.Context, terms ledger.OfferTerms, _, _ []byte) (common.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return common.Hash{}, g.submitErr
	}
	n := g.submitCount.Add(1)
	g.consumed[consumedKey(terms.Borrower, terms.Nonce)] = true
	return common.BigToHash(big.NewInt(n)), nil
}

func (g *fakeGateway) WaitSettled(_ context.Context, txHash common.Hash) (ledger.Settlement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settleErr != nil {
		return ledger.Settlement{}, g.settleErr
	}
	return ledger.Settlement{TxHash: txHash, BlockNumber: 1, Events: g.settleEvents}, nil
}

func (g *fakeGateway) SubmitPolicyRegistration(_ context.Context, _ common.Address, _, _ uint64, _ []byte) (ledger.Settlement, error) {
	return ledger.Settlement{TxHash: common.BytesToHash([]byte{0x01}), BlockNumber: 1}, nil
}

func (g *fakeGateway) FilterEvents(_ context.Context, _ common.Address, from, to uint64, kind ledger.EventKind) ([]ledger.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ledger.Event
	for _, ev := range g.filterResults[kind] {
		if meta := ev.Meta(); meta.BlockNumber >= from && meta.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

var _ ledger.Gateway = (*fakeGateway)(nil)

// fakeRecorder counts lifecycle records per category.
type fakeRecorder struct {
	created  atomic.Int64
	executed atomic.Int64
	expired  atomic.Int64
}

func (r *fakeRecorder) OfferCreated(context.Context, *Offer) error {
	r.created.Add(1)
	return nil
}

func (r *fakeRecorder) OfferExecuted(context.Context, *Offer) error {
	r.executed.Add(1)
	return nil
}

func (r *fakeRecorder) OfferExpired(context.Context, *Offer) error {
	r.expired.Add(1)
	return nil
}

// fakeDefaultIndex records synthetic defaults in memory.
type fakeDefaultIndex struct {
	mu       sync.Mutex
	defaults map[common.Address]bool
	records  int
}

func newFakeDefaultIndex() *fakeDefaultIndex {
	return &fakeDefaultIndex{defaults: make(map[common.Address]bool)}
}

func (f *fakeDefaultIndex) HasDefault(_ context.Context, borrower common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaults[borrower], nil
}

func (f *fakeDefaultIndex) RecordDefault(_ context.Context, _ string, borrower common.Address, _ *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[borrower] = true
	f.records++
	return nil
}
