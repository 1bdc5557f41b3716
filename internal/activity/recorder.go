package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"creditrail/internal/offer"
	"creditrail/pkg/logger"
)

// Recorder turns offer lifecycle transitions into activity records. It also
// serves the default guard's local index. Publishing happens only on a fresh
// insert, never on a dedupe absorption.
type Recorder struct {
	store     Store
	publisher Publisher
	chainID   *big.Int
	contract  common.Address
}

// NewRecorder creates a Recorder. chainID and contract scope the synthetic
// default dedupe key.
func NewRecorder(store Store, publisher Publisher, chainID *big.Int, contract common.Address) *Recorder {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Recorder{store: store, publisher: publisher, chainID: chainID, contract: contract}
}

// Record inserts the event and, when it is new, publishes it. The returned
// flag reports whether a fresh row was written.
func (r *Recorder) Record(ctx context.Context, event *Event) (bool, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	inserted, err := r.store.Insert(ctx, event)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		// The record is durable; delivery to the broker is best effort.
		logger.L().Error("publish activity event failed",
			slog.Any("error", err),
			slog.String("dedupe_key", event.DedupeKey))
	}
	return true, nil
}

// OfferCreated implements offer.LifecycleRecorder.
func (r *Recorder) OfferCreated(ctx context.Context, o *offer.Offer) error {
	return r.recordLifecycle(ctx, CategoryCreated, o)
}

// OfferExecuted implements offer.LifecycleRecorder.
func (r *Recorder) OfferExecuted(ctx context.Context, o *offer.Offer) error {
	return r.recordLifecycle(ctx, CategoryExecuted, o)
}

// OfferExpired implements offer.LifecycleRecorder.
func (r *Recorder) OfferExpired(ctx context.Context, o *offer.Offer) error {
	return r.recordLifecycle(ctx, CategoryExpired, o)
}

func (r *Recorder) recordLifecycle(ctx context.Context, category Category, o *offer.Offer) error {
	payload, err := json.Marshal(map[string]any{
		"offer_id":   o.ID,
		"principal":  o.Principal.String(),
		"rate_bps":   o.RateBps,
		"due_at":     o.DueAt,
		"expires_at": o.ExpiresAt,
		"action":     o.Action,
	})
	if err != nil {
		return err
	}
	_, err = r.Record(ctx, &Event{
		Category:  category,
		DedupeKey: LocalDedupeKey(category, o.ID),
		AgentID:   o.AgentID,
		Borrower:  addressString(o.Borrower),
		LoanID:    o.LoanID,
		TxHash:    o.TxHash,
		Payload:   string(payload),
		CreatedAt: time.Now(),
	})
	return err
}

// HasDefault implements offer.DefaultIndex.
func (r *Recorder) HasDefault(ctx context.Context, borrower common.Address) (bool, error) {
	return r.store.HasCategory(ctx, addressString(borrower), CategoryDefaulted)
}

// RecordDefault implements offer.DefaultIndex.
func (r *Recorder) RecordDefault(ctx context.Context, agentID string, borrower common.Address, loanID *big.Int) error {
	_, err := r.Record(ctx, &Event{
		Category:  CategoryDefaulted,
		DedupeKey: DefaultDedupeKey(r.chainID, r.contract, loanID),
		AgentID:   agentID,
		Borrower:  addressString(borrower),
		LoanID:    loanID.Uint64(),
		CreatedAt: time.Now(),
	})
	return err
}

func addressString(a common.Address) string {
	return strings.ToLower(a.Hex())
}

var (
	_ offer.LifecycleRecorder = (*Recorder)(nil)
	_ offer.DefaultIndex      = (*Recorder)(nil)
)
