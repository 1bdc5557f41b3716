package offer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditrail/internal/errors"
	"creditrail/internal/ledger"
)

// PolicyGate admits or rejects offer terms against the borrower's registered
// on-chain policy and the pool's available liquidity.
type PolicyGate struct {
	reader ledger.Reader
}

// NewPolicyGate creates a gate backed by the given ledger reader.
func NewPolicyGate(reader ledger.Reader) *PolicyGate {
	return &PolicyGate{reader: reader}
}

// Admit returns nil when the terms fit the borrower's policy and the pool can
// fund the principal. Rejections carry a stable reason in the error metadata.
func (g *PolicyGate) Admit(ctx context.Context, borrower common.Address, principal *big.Int, rateBps uint32, durationSeconds uint64, action uint8) error {
	policy, err := g.reader.PolicyOf(ctx, borrower)
	if err != nil {
		return errors.Wrap(errors.CodeLedgerFailure, err, "read borrower policy")
	}
	if !policy.Registered {
		return reject("no_policy", "no policy registered for borrower")
	}
	if !policy.Enabled {
		return reject("policy_disabled", "borrower policy is disabled")
	}
	if policy.MaxPrincipal != nil && principal.Cmp(policy.MaxPrincipal) > 0 {
		return reject("principal_cap", fmt.Sprintf("principal %s exceeds cap %s", principal, policy.MaxPrincipal))
	}
	if rateBps > policy.MaxRateBps {
		return reject("rate_cap", fmt.Sprintf("rate %d bps exceeds cap %d", rateBps, policy.MaxRateBps))
	}
	if durationSeconds > policy.MaxDurationSeconds {
		return reject("duration_cap", fmt.Sprintf("duration %ds exceeds cap %ds", durationSeconds, policy.MaxDurationSeconds))
	}
	if action&policy.AllowedActions != action {
		return reject("action_not_allowed", fmt.Sprintf("action %#x not in allowed mask %#x", action, policy.AllowedActions))
	}

	liquidity, err := g.reader.AvailableLiquidity(ctx)
	if err != nil {
		return errors.Wrap(errors.CodeLedgerFailure, err, "read pool liquidity")
	}
	if liquidity.Cmp(principal) < 0 {
		// Outstanding principal is fetched only to enrich the rejection.
		outstanding, outErr := g.reader.OutstandingPrincipal(ctx)
		outstandingStr := "unknown"
		if outErr == nil {
			outstandingStr = outstanding.String()
		}
		return errors.New(CodeInsufficientFunds,
			fmt.Sprintf("pool liquidity %s below principal %s", liquidity, principal),
			errors.WithMetadata("available", liquidity.String()),
			errors.WithMetadata("outstanding", outstandingStr),
		)
	}
	return nil
}

func reject(reason, message string) error {
	return errors.New(CodePolicyRejected, message, errors.WithMetadata("reason", reason))
}
