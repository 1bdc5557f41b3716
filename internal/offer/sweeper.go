package offer

import (
	"context"
	"log/slog"
	"time"

	"creditrail/internal/ledger"
	"creditrail/pkg/logger"
)

// Sweeper periodically expires overdue issued offers so reporting does not
// depend on a caller hitting the lazy expiry path in Execute.
type Sweeper struct {
	store    Store
	clock    *ledger.Clock
	recorder LifecycleRecorder
	interval time.Duration
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(store Store, clock *ledger.Clock, recorder LifecycleRecorder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, clock: clock, recorder: recorder, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				logger.L().Error("expiry sweep failed", slog.Any("error", err))
			}
		}
	}
}

// SweepOnce expires every issued offer whose deadline passed as of the
// ledger clock, emitting the expired activity record per offer.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	chainNow, err := s.clock.Now(ctx)
	if err != nil {
		return err
	}
	expired, err := s.store.ExpireDue(ctx, uint64(chainNow.Unix()))
	if err != nil {
		return err
	}
	for _, id := range expired {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			logger.L().Error("load expired offer failed", slog.Any("error", err), slog.String("offer_id", id))
			continue
		}
		if err := s.recorder.OfferExpired(ctx, o); err != nil {
			logger.L().Error("record expired activity failed", slog.Any("error", err), slog.String("offer_id", id))
		}
		logger.Audit().Info("offer expired by sweep",
			slog.String("offer_id", id),
			slog.String("borrower", o.Borrower.Hex()),
			slog.Uint64("nonce", o.Nonce))
	}
	return nil
}
