package offer

import (
	"context"
	"testing"
	"time"

	"creditrail/internal/ledger"
)

func TestSweeperExpiresOverdueOffers(t *testing.T) {
	fx := newIssuerFixture(t, IssuerConfig{AllowConcurrentLoans: true})
	ctx := context.Background()

	overdue, err := fx.issuer.Issue(ctx, validIssueRequest())
	if err != nil {
		t.Fatalf("issue overdue: %v", err)
	}
	longLived := validIssueRequest()
	longLived.TTLSeconds = 7200
	kept, err := fx.issuer.Issue(ctx, longLived)
	if err != nil {
		t.Fatalf("issue kept: %v", err)
	}

	fx.gateway.setChainTime(time.Unix(int64(overdue.ExpiresAt+1), 0))

	clock := ledger.NewClock(fx.gateway, time.Nanosecond)
	sweeper := NewSweeper(fx.store, clock, fx.recorder, time.Minute)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := fx.store.Get(ctx, overdue.ID)
	if got.Status != StatusExpired {
		t.Fatalf("overdue offer status = %s, want expired", got.Status)
	}
	still, _ := fx.store.Get(ctx, kept.ID)
	if still.Status != StatusIssued {
		t.Fatalf("long-lived offer status = %s, want issued", still.Status)
	}
	if fx.recorder.expired.Load() != 1 {
		t.Fatalf("expired activity records = %d, want 1", fx.recorder.expired.Load())
	}

	// A second sweep finds nothing new.
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if fx.recorder.expired.Load() != 1 {
		t.Fatalf("second sweep must be a no-op, records = %d", fx.recorder.expired.Load())
	}
}
