package ethereum

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"creditrail/internal/ledger"
)

// poolABIJSON is the surface of the lending pool contract the service
// consumes. Kept in sync with the deployed contracts repository.
const poolABIJSON = `[
  {"type":"function","name":"policies","stateMutability":"view","inputs":[{"name":"borrower","type":"address"}],"outputs":[{"name":"registered","type":"bool"},{"name":"enabled","type":"bool"},{"name":"maxPrincipal","type":"uint256"},{"name":"maxRateBps","type":"uint32"},{"name":"maxDurationSeconds","type":"uint64"},{"name":"allowedActions","type":"uint8"}]},
  {"type":"function","name":"availableLiquidity","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"outstandingPrincipal","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"loans","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[{"name":"borrower","type":"address"},{"name":"principal","type":"uint256"},{"name":"active","type":"bool"},{"name":"defaulted","type":"bool"}]},
  {"type":"function","name":"nonceConsumed","stateMutability":"view","inputs":[{"name":"borrower","type":"address"},{"name":"nonce","type":"uint64"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"authorizedSigner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"gracePeriod","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"executeOffer","stateMutability":"nonpayable","inputs":[{"name":"terms","type":"tuple","components":[{"name":"borrower","type":"address"},{"name":"nonce","type":"uint64"},{"name":"principal","type":"uint256"},{"name":"rateBps","type":"uint32"},{"name":"dueAt","type":"uint64"},{"name":"expiresAt","type":"uint64"},{"name":"action","type":"uint8"},{"name":"metadataHash","type":"bytes32"}]},{"name":"issuerSig","type":"bytes"},{"name":"borrowerSig","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"registerPolicy","stateMutability":"nonpayable","inputs":[{"name":"borrower","type":"address"},{"name":"issuedAt","type":"uint64"},{"name":"expiresAt","type":"uint64"},{"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"event","name":"LoanExecuted","inputs":[{"name":"loanId","type":"uint256","indexed":true},{"name":"borrower","type":"address","indexed":true},{"name":"principal","type":"uint256","indexed":false},{"name":"nonce","type":"uint64","indexed":false}],"anonymous":false},
  {"type":"event","name":"LoanRepaid","inputs":[{"name":"loanId","type":"uint256","indexed":true},{"name":"borrower","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"LoanDefaulted","inputs":[{"name":"loanId","type":"uint256","indexed":true},{"name":"borrower","type":"address","indexed":true}],"anonymous":false}
]`

// vaultABIJSON covers the collateral vault events consumed by ingestion.
const vaultABIJSON = `[
  {"type":"event","name":"PositionOpened","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"loanId","type":"uint256","indexed":true},{"name":"borrower","type":"address","indexed":true},{"name":"collateral","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"CollateralWithdrawn","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

var (
	abiOnce  sync.Once
	poolABI  abi.ABI
	vaultABI abi.ABI
	abiErr   error
)

func contractABIs() (abi.ABI, abi.ABI, error) {
	abiOnce.Do(func() {
		poolABI, abiErr = abi.JSON(strings.NewReader(poolABIJSON))
		if abiErr != nil {
			return
		}
		vaultABI, abiErr = abi.JSON(strings.NewReader(vaultABIJSON))
	})
	return poolABI, vaultABI, abiErr
}

// eventNames maps ledger event kinds to ABI event names and back.
var eventNames = map[ledger.EventKind]string{
	ledger.KindLoanExecuted:        "LoanExecuted",
	ledger.KindLoanRepaid:          "LoanRepaid",
	ledger.KindLoanDefaulted:       "LoanDefaulted",
	ledger.KindPositionOpened:      "PositionOpened",
	ledger.KindCollateralWithdrawn: "CollateralWithdrawn",
}

func abiFor(kind ledger.EventKind) (abi.ABI, string, error) {
	name, ok := eventNames[kind]
	if !ok {
		return abi.ABI{}, "", fmt.Errorf("unknown event kind %q", kind)
	}
	pool, vault, err := contractABIs()
	if err != nil {
		return abi.ABI{}, "", err
	}
	if _, ok := pool.Events[name]; ok {
		return pool, name, nil
	}
	return vault, name, nil
}

type loanExecutedLog struct {
	LoanId    *big.Int
	Borrower  common.Address
	Principal *big.Int
	Nonce     uint64
}

type loanRepaidLog struct {
	LoanId   *big.Int
	Borrower common.Address
	Amount   *big.Int
}

type loanDefaultedLog struct {
	LoanId   *big.Int
	Borrower common.Address
}

type positionOpenedLog struct {
	PositionId *big.Int
	LoanId     *big.Int
	Borrower   common.Address
	Collateral *big.Int
}

type collateralWithdrawnLog struct {
	PositionId *big.Int
	Amount     *big.Int
}

// decodeLog turns a raw log into the matching ledger event variant, or
// returns (nil, nil) when the log is none of the categorized events.
func decodeLog(raw coretypes.Log) (ledger.Event, error) {
	if len(raw.Topics) == 0 {
		return nil, nil
	}
	pool, vault, err := contractABIs()
	if err != nil {
		return nil, err
	}

	meta := ledger.EventMeta{
		Contract:    raw.Address,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		LogIndex:    raw.Index,
	}
	topic := raw.Topics[0]

	switch {
	case topic == pool.Events["LoanExecuted"].ID:
		var out loanExecutedLog
		if err := unpackLog(pool, "LoanExecuted", &out, raw); err != nil {
			return nil, err
		}
		return ledger.LoanExecuted{
			EventMeta: meta,
			LoanID:    out.LoanId,
			Borrower:  out.Borrower,
			Principal: out.Principal,
			Nonce:     out.Nonce,
		}, nil
	case topic == pool.Events["LoanRepaid"].ID:
		var out loanRepaidLog
		if err := unpackLog(pool, "LoanRepaid", &out, raw); err != nil {
			return nil, err
		}
		return ledger.LoanRepaid{
			EventMeta: meta,
			LoanID:    out.LoanId,
			Borrower:  out.Borrower,
			Amount:    out.Amount,
		}, nil
	case topic == pool.Events["LoanDefaulted"].ID:
		var out loanDefaultedLog
		if err := unpackLog(pool, "LoanDefaulted", &out, raw); err != nil {
			return nil, err
		}
		return ledger.LoanDefaulted{
			EventMeta: meta,
			LoanID:    out.LoanId,
			Borrower:  out.Borrower,
		}, nil
	case topic == vault.Events["PositionOpened"].ID:
		var out positionOpenedLog
		if err := unpackLog(vault, "PositionOpened", &out, raw); err != nil {
			return nil, err
		}
		return ledger.PositionOpened{
			EventMeta:  meta,
			PositionID: out.PositionId,
			LoanID:     out.LoanId,
			Borrower:   out.Borrower,
			Collateral: out.Collateral,
		}, nil
	case topic == vault.Events["CollateralWithdrawn"].ID:
		var out collateralWithdrawnLog
		if err := unpackLog(vault, "CollateralWithdrawn", &out, raw); err != nil {
			return nil, err
		}
		return ledger.CollateralWithdrawn{
			EventMeta:  meta,
			PositionID: out.PositionId,
			Amount:     out.Amount,
		}, nil
	}
	return nil, nil
}

// unpackLog decodes both the data section and the indexed topics of a log
// into out.
func unpackLog(contractABI abi.ABI, name string, out any, raw coretypes.Log) error {
	event, ok := contractABI.Events[name]
	if !ok {
		return fmt.Errorf("event %s not in ABI", name)
	}
	if len(raw.Data) > 0 {
		if err := contractABI.UnpackIntoInterface(out, name, raw.Data); err != nil {
			return fmt.Errorf("unpack %s data: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, raw.Topics[1:]); err != nil {
		return fmt.Errorf("unpack %s topics: %w", name, err)
	}
	return nil
}
