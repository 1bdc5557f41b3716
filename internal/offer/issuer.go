package offer

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"creditrail/internal/errors"
	"creditrail/internal/ledger"
	"creditrail/internal/signing"
	"creditrail/pkg/logger"
)

// LifecycleRecorder receives lifecycle activity records. The activity package
// implements it; keeping the dependency inverted here avoids an import cycle
// with the resolver, which reads offers.
type LifecycleRecorder interface {
	OfferCreated(ctx context.Context, o *Offer) error
	OfferExecuted(ctx context.Context, o *Offer) error
	OfferExpired(ctx context.Context, o *Offer) error
}

// IssuerConfig caps the issuance flow.
type IssuerConfig struct {
	DefaultTTL time.Duration
	// AllowConcurrentLoans disables the single-active-loan rule entirely.
	AllowConcurrentLoans bool
	RepayGasMaxPrincipal *big.Int
	RepayGasMaxDuration  time.Duration
	// ActiveLoanLookback bounds how many recent executed offers are scanned
	// when checking for an active loan.
	ActiveLoanLookback int
}

func (c *IssuerConfig) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.RepayGasMaxDuration <= 0 {
		c.RepayGasMaxDuration = time.Hour
	}
	if c.ActiveLoanLookback <= 0 {
		c.ActiveLoanLookback = 50
	}
}

// IssueRequest carries the caller-supplied offer terms.
type IssueRequest struct {
	AgentID         string
	Borrower        common.Address
	Principal       *big.Int
	RateBps         uint32
	DurationSeconds uint64
	Action          uint8
	// TTLSeconds overrides the configured default expiry window when > 0.
	TTLSeconds   uint64
	MetadataHash [32]byte
}

// Issuer builds, signs and persists loan offers.
type Issuer struct {
	store    Store
	nonces   NonceSource
	reader   ledger.Reader
	clock    *ledger.Clock
	signer   *signing.Signer
	gate     *PolicyGate
	guard    *Guard
	recorder LifecycleRecorder
	cfg      IssuerConfig
}

// NewIssuer wires the issuance pipeline.
func NewIssuer(store Store, nonces NonceSource, reader ledger.Reader, clock *ledger.Clock, signer *signing.Signer, gate *PolicyGate, guard *Guard, recorder LifecycleRecorder, cfg IssuerConfig) *Issuer {
	cfg.applyDefaults()
	return &Issuer{
		store:    store,
		nonces:   nonces,
		reader:   reader,
		clock:    clock,
		signer:   signer,
		gate:     gate,
		guard:    guard,
		recorder: recorder,
		cfg:      cfg,
	}
}

// Issue runs the full issuance pipeline and returns the signed, persisted
// offer in issued status.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Offer, error) {
	if err := validateIssueRequest(req); err != nil {
		return nil, err
	}

	if err := i.guard.EnsureNotDefaulted(ctx, req.AgentID, req.Borrower); err != nil {
		return nil, err
	}

	chainNow, err := i.clock.Now(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.CodeLedgerFailure, err, "read ledger clock")
	}
	issuedAt := uint64(chainNow.Unix())
	dueAt := issuedAt + req.DurationSeconds
	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = uint64(i.cfg.DefaultTTL / time.Second)
	}
	expiresAt := issuedAt + ttl

	authorized, err := i.reader.AuthorizedSigner(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.CodeLedgerFailure, err, "read authorized signer")
	}
	if authorized != i.signer.Address() {
		return nil, errors.New(CodeSignerMismatch, "configured signer does not match on-chain authorized signer",
			errors.WithMetadata("configured", i.signer.Address().Hex()),
			errors.WithMetadata("authorized", authorized.Hex()),
		)
	}

	if err := i.gate.Admit(ctx, req.Borrower, req.Principal, req.RateBps, req.DurationSeconds, req.Action); err != nil {
		return nil, err
	}

	if !i.cfg.AllowConcurrentLoans {
		if err := i.checkActiveLoans(ctx, req); err != nil {
			return nil, err
		}
	}

	nonce, err := i.nonces.Next(ctx, req.Borrower)
	if err != nil {
		return nil, err
	}

	terms := ledger.OfferTerms{
		Borrower:     req.Borrower,
		Nonce:        nonce,
		Principal:    req.Principal,
		RateBps:      req.RateBps,
		DueAt:        dueAt,
		ExpiresAt:    expiresAt,
		Action:       req.Action,
		MetadataHash: req.MetadataHash,
	}
	signature, err := i.signer.SignOffer(terms)
	if err != nil {
		return nil, errors.Wrap(errors.CodeSigningFailure, err, "sign offer")
	}

	o := &Offer{
		ID:           uuid.NewString(),
		AgentID:      req.AgentID,
		Borrower:     req.Borrower,
		Nonce:        nonce,
		Principal:    new(big.Int).Set(req.Principal),
		RateBps:      req.RateBps,
		DueAt:        dueAt,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
		Action:       req.Action,
		MetadataHash: req.MetadataHash,
		Signature:    signature,
		Status:       StatusIssued,
	}
	if err := i.store.Create(ctx, o); err != nil {
		return nil, err
	}

	if err := i.recorder.OfferCreated(ctx, o); err != nil {
		logger.L().Error("record created activity failed",
			slog.Any("error", err),
			slog.String("offer_id", o.ID))
	}

	logger.Audit().Info("offer issued",
		slog.String("offer_id", o.ID),
		slog.String("agent_id", o.AgentID),
		slog.String("borrower", o.Borrower.Hex()),
		slog.Uint64("nonce", o.Nonce),
		slog.String("principal", o.Principal.String()),
		slog.Uint64("due_at", o.DueAt),
		slog.Uint64("expires_at", o.ExpiresAt),
	)
	return o, nil
}

func validateIssueRequest(req IssueRequest) error {
	if req.AgentID == "" {
		return errors.New(errors.CodeInvalidArgument, "agent id must not be empty")
	}
	if req.Borrower == (common.Address{}) {
		return errors.New(errors.CodeInvalidArgument, "borrower address must not be zero")
	}
	if req.Principal == nil || req.Principal.Sign() <= 0 {
		return errors.New(errors.CodeInvalidArgument, "principal must be positive")
	}
	if req.RateBps > 10_000 {
		return errors.New(errors.CodeInvalidArgument, "rate must not exceed 10000 bps")
	}
	if req.DurationSeconds == 0 {
		return errors.New(errors.CodeInvalidArgument, "duration must be positive")
	}
	if req.Action == 0 {
		return errors.New(errors.CodeInvalidArgument, "action must not be zero")
	}
	return nil
}

// checkActiveLoans enforces the single-active-loan rule. A repay-gas offer is
// the one carve-out: permitted alongside one active loan, within its own caps,
// and only while no repay-gas loan is already active.
func (i *Issuer) checkActiveLoans(ctx context.Context, req IssueRequest) error {
	executed, err := i.store.List(ctx, ListOptions{
		Borrower: &req.Borrower,
		Statuses: []Status{StatusExecuted},
		Limit:    i.cfg.ActiveLoanLookback,
	})
	if err != nil {
		return err
	}

	var (
		activeLoans    int
		activeRepayGas bool
	)
	for _, prior := range executed {
		if prior.LoanID == 0 {
			continue
		}
		loan, err := i.reader.LoanOf(ctx, new(big.Int).SetUint64(prior.LoanID))
		if err != nil {
			return errors.Wrap(errors.CodeLedgerFailure, err, "read loan state")
		}
		if !loan.Active {
			continue
		}
		activeLoans++
		if prior.RepayGas() {
			activeRepayGas = true
		}
	}
	if activeLoans == 0 {
		return nil
	}

	if req.Action&ActionRepayGas == 0 {
		return errors.New(CodeActiveLoan, "borrower already has an active loan")
	}
	if activeRepayGas {
		return errors.New(CodeRepayGasActive, "a repay-gas loan is already active for borrower")
	}
	if i.cfg.RepayGasMaxPrincipal != nil && req.Principal.Cmp(i.cfg.RepayGasMaxPrincipal) > 0 {
		return errors.New(CodeRepayGasCap, "repay-gas principal exceeds cap",
			errors.WithMetadata("cap", i.cfg.RepayGasMaxPrincipal.String()))
	}
	if req.DurationSeconds > uint64(i.cfg.RepayGasMaxDuration/time.Second) {
		return errors.New(CodeRepayGasCap, "repay-gas duration exceeds cap")
	}
	return nil
}
