// Package ethereum implements the ledger gateway against an EVM node using
// go-ethereum.
package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "creditrail/internal/errors"
	"creditrail/internal/ledger"
)

// Config describes how to construct the gateway.
type Config struct {
	RPCURL        string
	PoolContract  common.Address
	VaultContract common.Address
	// PrivateKeyHex signs submitted transactions. May be empty for a
	// read-only gateway (ingestion-only deployments).
	PrivateKeyHex string
	SettleTimeout time.Duration
	PollInterval  time.Duration
}

// Client implements ledger.Gateway.
type Client struct {
	rpcClient     *gethrpc.Client
	eth           *ethclient.Client
	pool          *bind.BoundContract
	poolAddr      common.Address
	vaultAddr     common.Address
	chainID       *big.Int
	txMu          sync.Mutex
	transactOpts  *bind.TransactOpts
	settleTimeout time.Duration
	pollInterval  time.Duration
}

// NewClient dials the node, resolves the chain id and prepares the signing
// transactor.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger RPC URL is empty")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "dial ledger node")
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "fetch chain id")
	}

	poolABI, _, err := contractABIs()
	if err != nil {
		rpcClient.Close()
		return nil, xerrors.Wrap(xerrors.CodeInternal, err, "parse pool ABI")
	}

	var opts *bind.TransactOpts
	if keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"); keyHex != "" {
		key, keyErr := crypto.HexToECDSA(keyHex)
		if keyErr != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, keyErr, "parse signer key")
		}
		opts, keyErr = bind.NewKeyedTransactorWithChainID(key, chainID)
		if keyErr != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeSigningFailure, keyErr, "build transactor")
		}
	}

	settleTimeout := cfg.SettleTimeout
	if settleTimeout <= 0 {
		settleTimeout = 2 * time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Client{
		rpcClient:     rpcClient,
		eth:           eth,
		pool:          bind.NewBoundContract(cfg.PoolContract, poolABI, eth, eth, eth),
		poolAddr:      cfg.PoolContract,
		vaultAddr:     cfg.VaultContract,
		chainID:       chainID,
		transactOpts:  opts,
		settleTimeout: settleTimeout,
		pollInterval:  pollInterval,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the cached chain id.
func (c *Client) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "fetch head block")
	}
	return head, nil
}

// BlockTime returns the timestamp of the given block.
func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, fmt.Sprintf("fetch header %d", number))
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// CurrentTime returns the latest block timestamp.
func (c *Client) CurrentTime(ctx context.Context) (time.Time, error) {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "fetch latest header")
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// PolicyOf reads the borrower's registered policy.
func (c *Client) PolicyOf(ctx context.Context, borrower common.Address) (ledger.Policy, error) {
	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "policies", borrower); err != nil {
		return ledger.Policy{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "read policy")
	}
	if len(out) != 6 {
		return ledger.Policy{}, xerrors.New(xerrors.CodeLedgerFailure, "unexpected policy tuple shape")
	}
	return ledger.Policy{
		Registered:         out[0].(bool),
		Enabled:            out[1].(bool),
		MaxPrincipal:       out[2].(*big.Int),
		MaxRateBps:         out[3].(uint32),
		MaxDurationSeconds: out[4].(uint64),
		AllowedActions:     out[5].(uint8),
	}, nil
}

// AvailableLiquidity reads the pool's lendable balance.
func (c *Client) AvailableLiquidity(ctx context.Context) (*big.Int, error) {
	return c.readUint(ctx, "availableLiquidity")
}

// OutstandingPrincipal reads the total principal currently on loan.
func (c *Client) OutstandingPrincipal(ctx context.Context) (*big.Int, error) {
	return c.readUint(ctx, "outstandingPrincipal")
}

func (c *Client) readUint(ctx context.Context, method string) (*big.Int, error) {
	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "read "+method)
	}
	if len(out) != 1 {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "unexpected "+method+" result shape")
	}
	return out[0].(*big.Int), nil
}

// LoanOf reads the on-chain state of one loan.
func (c *Client) LoanOf(ctx context.Context, loanID *big.Int) (ledger.Loan, error) {
	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "loans", loanID); err != nil {
		return ledger.Loan{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "read loan")
	}
	if len(out) != 4 {
		return ledger.Loan{}, xerrors.New(xerrors.CodeLedgerFailure, "unexpected loan tuple shape")
	}
	return ledger.Loan{
		ID:        new(big.Int).Set(loanID),
		Borrower:  out[0].(common.Address),
		Principal: out[1].(*big.Int),
		Active:    out[2].(bool),
		Defaulted: out[3].(bool),
	}, nil
}

// NonceConsumed reports whether the pool has already executed an offer for
// (borrower, nonce). This flag, not the off-chain status, is the final
// arbiter for idempotency.
func (c *Client) NonceConsumed(ctx context.Context, borrower common.Address, nonce uint64) (bool, error) {
	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "nonceConsumed", borrower, nonce); err != nil {
		return false, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "read consumed nonce")
	}
	if len(out) != 1 {
		return false, xerrors.New(xerrors.CodeLedgerFailure, "unexpected nonceConsumed result shape")
	}
	return out[0].(bool), nil
}

// AuthorizedSigner returns the issuer address the pool accepts signatures
// from.
func (c *Client) AuthorizedSigner(ctx context.Context) (common.Address, error) {
	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "authorizedSigner"); err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "read authorized signer")
	}
	if len(out) != 1 {
		return common.Address{}, xerrors.New(xerrors.CodeLedgerFailure, "unexpected authorizedSigner result shape")
	}
	return out[0].(common.Address), nil
}

// GracePeriod returns the pool's default grace window.
func (c *Client) GracePeriod(ctx context.Context) (time.Duration, error) {
	var out []any
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "gracePeriod"); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "read grace period")
	}
	if len(out) != 1 {
		return 0, xerrors.New(xerrors.CodeLedgerFailure, "unexpected gracePeriod result shape")
	}
	return time.Duration(out[0].(uint64)) * time.Second, nil
}

type offerTermsABI struct {
	Borrower     common.Address
	Nonce        uint64
	Principal    *big.Int
	RateBps      uint32
	DueAt        uint64
	ExpiresAt    uint64
	Action       uint8
	MetadataHash [32]byte
}

// SubmitExecution broadcasts the executeOffer transaction.
func (c *Client) SubmitExecution(ctx context.Context, terms ledger.OfferTerms, issuerSig, borrowerSig []byte) (common.Hash, error) {
	opts, err := c.writerOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	// Serialize transacts so concurrent executions do not race the account
	// nonce.
	c.txMu.Lock()
	defer c.txMu.Unlock()
	tx, err := c.pool.Transact(opts, "executeOffer", offerTermsABI{
		Borrower:     terms.Borrower,
		Nonce:        terms.Nonce,
		Principal:    terms.Principal,
		RateBps:      terms.RateBps,
		DueAt:        terms.DueAt,
		ExpiresAt:    terms.ExpiresAt,
		Action:       terms.Action,
		MetadataHash: terms.MetadataHash,
	}, issuerSig, borrowerSig)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "submit execution")
	}
	return tx.Hash(), nil
}

// SubmitPolicyRegistration broadcasts registerPolicy and waits for
// settlement.
func (c *Client) SubmitPolicyRegistration(ctx context.Context, borrower common.Address, issuedAt, expiresAt uint64, borrowerSig []byte) (ledger.Settlement, error) {
	opts, err := c.writerOpts(ctx)
	if err != nil {
		return ledger.Settlement{}, err
	}
	c.txMu.Lock()
	tx, err := c.pool.Transact(opts, "registerPolicy", borrower, issuedAt, expiresAt, borrowerSig)
	c.txMu.Unlock()
	if err != nil {
		return ledger.Settlement{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "submit policy registration")
	}
	return c.WaitSettled(ctx, tx.Hash())
}

func (c *Client) writerOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.transactOpts == nil {
		return nil, xerrors.New(xerrors.CodeSigningFailure, "gateway is read-only: no signer key configured")
	}
	opts := *c.transactOpts
	opts.Context = ctx
	return &opts, nil
}

// WaitSettled polls for the receipt until the settle timeout. A receipt
// with a failed status is reported as a reverted settlement.
func (c *Client) WaitSettled(ctx context.Context, txHash common.Hash) (ledger.Settlement, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, txHash)
		if err == nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return ledger.Settlement{}, xerrors.New(xerrors.CodeLedgerFailure,
					fmt.Sprintf("transaction %s reverted", txHash.Hex()),
					xerrors.WithRetryable(true))
			}
			return settlementFromReceipt(receipt)
		}
		select {
		case <-waitCtx.Done():
			return ledger.Settlement{}, xerrors.Wrap(xerrors.CodeTimeout, waitCtx.Err(),
				fmt.Sprintf("settlement wait for %s", txHash.Hex()))
		case <-ticker.C:
		}
	}
}

func settlementFromReceipt(receipt *coretypes.Receipt) (ledger.Settlement, error) {
	settlement := ledger.Settlement{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	for _, raw := range receipt.Logs {
		event, err := decodeLog(*raw)
		if err != nil || event == nil {
			continue
		}
		settlement.Events = append(settlement.Events, event)
	}
	return settlement, nil
}

// FilterEvents queries one categorized event type over a block range.
func (c *Client) FilterEvents(ctx context.Context, contract common.Address, from, to uint64, kind ledger.EventKind) ([]ledger.Event, error) {
	contractABI, name, err := abiFor(kind)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInternal, err, "resolve event kind")
	}
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{contractABI.Events[name].ID}},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "filter logs")
	}

	events := make([]ledger.Event, 0, len(logs))
	for _, raw := range logs {
		if raw.Removed {
			continue
		}
		event, decodeErr := decodeLog(raw)
		if decodeErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, decodeErr, "decode log")
		}
		if event != nil {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i].Meta(), events[j].Meta()
		if a.BlockNumber == b.BlockNumber {
			return a.LogIndex < b.LogIndex
		}
		return a.BlockNumber < b.BlockNumber
	})
	return events, nil
}

var _ ledger.Gateway = (*Client)(nil)
