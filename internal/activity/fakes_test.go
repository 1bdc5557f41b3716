package activity

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/ledger"
)

var (
	testContract  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testVault     = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	testBorrower  = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	otherBorrower = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	testChainID   = big.NewInt(31337)
)

// fakeChain serves a fixed set of decoded logs. Only the methods the
// ingestion path touches are implemented; the embedded interface panics on
// anything else.
type fakeChain struct {
	ledger.Gateway

	mu     sync.Mutex
	head   uint64
	events []ledger.Event
	loans  map[uint64]ledger.Loan

	// failFilterFrom makes FilterEvents fail for any range starting at or
	// beyond it, simulating a mid-walk RPC outage.
	failFilterFrom uint64
	filterCalls    int
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{head: head, loans: make(map[uint64]ledger.Loan)}
}

func (f *fakeChain) addEvent(ev ledger.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeChain) setLoan(id uint64, loan ledger.Loan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loans[id] = loan
}

func (f *fakeChain) HeadBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) BlockTime(_ context.Context, number uint64) (time.Time, error) {
	return time.Unix(1_700_000_000+int64(number)*12, 0).UTC(), nil
}

func (f *fakeChain) LoanOf(_ context.Context, loanID *big.Int) (ledger.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loan, ok := f.loans[loanID.Uint64()]
	if !ok {
		return ledger.Loan{ID: loanID}, nil
	}
	return loan, nil
}

func (f *fakeChain) FilterEvents(_ context.Context, contract common.Address, from, to uint64, kind ledger.EventKind) ([]ledger.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	if f.failFilterFrom > 0 && from >= f.failFilterFrom {
		return nil, fmt.Errorf("rpc: connection reset")
	}
	var out []ledger.Event
	for _, ev := range f.events {
		meta := ev.Meta()
		if ev.Kind() != kind || meta.Contract != contract {
			continue
		}
		if meta.BlockNumber < from || meta.BlockNumber > to {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

type countingPublisher struct {
	mu        sync.Mutex
	published []*Event
	err       error
}

func (p *countingPublisher) Publish(_ context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func (p *countingPublisher) Close() error { return nil }

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func txHash(n byte) common.Hash {
	return common.BytesToHash([]byte{n})
}

func loanExecutedEvent(contract common.Address, block uint64, logIndex uint, loanID uint64, borrower common.Address) ledger.LoanExecuted {
	return ledger.LoanExecuted{
		EventMeta: ledger.EventMeta{
			Contract:    contract,
			TxHash:      txHash(byte(block)),
			BlockNumber: block,
			LogIndex:    logIndex,
		},
		LoanID:    new(big.Int).SetUint64(loanID),
		Borrower:  borrower,
		Principal: big.NewInt(5_000_000_000_000_000),
		Nonce:     loanID,
	}
}

func loanRepaidEvent(contract common.Address, block uint64, logIndex uint, loanID uint64, borrower common.Address) ledger.LoanRepaid {
	return ledger.LoanRepaid{
		EventMeta: ledger.EventMeta{
			Contract:    contract,
			TxHash:      txHash(byte(block)),
			BlockNumber: block,
			LogIndex:    logIndex,
		},
		LoanID:   new(big.Int).SetUint64(loanID),
		Borrower: borrower,
		Amount:   big.NewInt(5_100_000_000_000_000),
	}
}
