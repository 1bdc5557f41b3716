package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"creditrail/internal/errors"
	"creditrail/internal/ledger"
	"creditrail/internal/observability/alerting"
	"creditrail/internal/observability/metrics"
	"creditrail/pkg/logger"
)

// Pipeline incrementally mirrors one facility's categorized ledger events
// into the activity feed. Ticks are idempotent: re-walking a range only hits
// dedupe keys, and the cursor commits after every chunk so a crash loses at
// most one partial chunk of progress.
type Pipeline struct {
	facility Facility
	gateway  ledger.Gateway
	store    Store
	recorder *Recorder
	resolver *Resolver
	alerts   alerting.Dispatcher

	fanOutLimit int
	running     atomic.Bool
	log         *slog.Logger
}

// NewPipeline wires an ingestion pipeline for one facility. alerts may be
// nil.
func NewPipeline(facility Facility, gateway ledger.Gateway, store Store, recorder *Recorder, resolver *Resolver, fanOutLimit int, alerts alerting.Dispatcher) *Pipeline {
	if fanOutLimit <= 0 {
		fanOutLimit = 4
	}
	return &Pipeline{
		facility:    facility,
		gateway:     gateway,
		store:       store,
		recorder:    recorder,
		resolver:    resolver,
		alerts:      alerts,
		fanOutLimit: fanOutLimit,
		log:         logger.Named("ingest." + facility.Name),
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately.
func (p *Pipeline) Run(ctx context.Context) {
	p.tickAndReport(ctx)

	ticker := time.NewTicker(p.facility.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tickAndReport(ctx)
		}
	}
}

func (p *Pipeline) tickAndReport(ctx context.Context) {
	if err := p.Tick(ctx); err != nil {
		p.log.Error("ingestion tick failed", slog.Any("error", err))
		if p.alerts != nil {
			alertErr := p.alerts.Notify(ctx, alerting.Event{
				Code:       errors.CodeOf(err),
				Message:    err.Error(),
				Severity:   errors.SeverityOf(err),
				Subject:    p.facility.Name,
				OccurredAt: time.Now(),
			})
			if alertErr != nil {
				p.log.Error("alert dispatch failed", slog.Any("error", alertErr))
			}
		}
	}
}

// Tick walks the unprocessed confirmed range in chunks. A concurrent tick is
// skipped, not queued; the cursor makes the next one pick up the same work.
func (p *Pipeline) Tick(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug("tick already in flight, skipping")
		return nil
	}
	defer p.running.Store(false)

	head, err := p.gateway.HeadBlock(ctx)
	if err != nil {
		return errors.Wrap(errors.CodeLedgerFailure, err, "read chain head")
	}
	if head < p.facility.ConfirmationDepth {
		return nil
	}
	safeHead := head - p.facility.ConfirmationDepth

	from := p.facility.StartBlock
	if cursor, ok, err := p.store.Cursor(ctx, p.facility.Name); err != nil {
		return err
	} else if ok {
		from = cursor + 1
	}
	if from > safeHead {
		return nil
	}

	for start := from; start <= safeHead; start += p.facility.ChunkSize {
		end := start + p.facility.ChunkSize - 1
		if end > safeHead {
			end = safeHead
		}
		if err := p.processChunk(ctx, start, end); err != nil {
			return err
		}
		// Committing per chunk, not per window, caps replay after a
		// crash to one chunk.
		if err := p.store.CommitCursor(ctx, p.facility.Name, end); err != nil {
			return err
		}
		metrics.SetFacilityCursor(p.facility.Name, end)
		p.log.Debug("chunk committed",
			slog.Uint64("from", start),
			slog.Uint64("to", end))
	}
	return nil
}

func (p *Pipeline) processChunk(ctx context.Context, from, to uint64) error {
	kinds := p.facility.EventKinds()
	results := make([][]ledger.Event, len(kinds))

	g, fetchCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanOutLimit)
	for i, kind := range kinds {
		g.Go(func() error {
			events, err := p.gateway.FilterEvents(fetchCtx, p.facility.Contract, from, to, kind)
			if err != nil {
				return fmt.Errorf("filter %s: %w", kind, err)
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(errors.CodeLedgerFailure, err, "fetch chunk events")
	}

	var merged []ledger.Event
	for _, events := range results {
		merged = append(merged, events...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].Meta(), merged[j].Meta()
		if a.BlockNumber == b.BlockNumber {
			return a.LogIndex < b.LogIndex
		}
		return a.BlockNumber < b.BlockNumber
	})
	if len(merged) == 0 {
		return nil
	}

	blockTimes, err := p.resolveBlockTimes(ctx, merged)
	if err != nil {
		return err
	}

	for _, ev := range merged {
		if err := p.ingestOne(ctx, ev, blockTimes[ev.Meta().BlockNumber]); err != nil {
			// A single malformed log must not stall the facility.
			p.log.Warn("skipping unmappable log",
				slog.Any("error", err),
				slog.String("kind", string(ev.Kind())),
				slog.String("tx_hash", ev.Meta().TxHash.Hex()),
				slog.Uint64("block", ev.Meta().BlockNumber))
		}
	}
	return nil
}

func (p *Pipeline) resolveBlockTimes(ctx context.Context, events []ledger.Event) (map[uint64]time.Time, error) {
	times := make(map[uint64]time.Time)
	for _, ev := range events {
		number := ev.Meta().BlockNumber
		if _, ok := times[number]; ok {
			continue
		}
		ts, err := p.gateway.BlockTime(ctx, number)
		if err != nil {
			return nil, errors.Wrap(errors.CodeLedgerFailure, err, "resolve block time")
		}
		times[number] = ts
	}
	return times, nil
}

// ingestOne maps one decoded log to an activity record. The variant switch is
// exhaustive over the event kinds this facility subscribes to.
func (p *Pipeline) ingestOne(ctx context.Context, ev ledger.Event, at time.Time) error {
	meta := ev.Meta()

	switch e := ev.(type) {
	case ledger.LoanExecuted:
		loanCtx, err := p.resolver.Resolve(ctx, e.LoanID.Uint64())
		if err != nil {
			return err
		}
		return p.record(ctx, CategoryExecuted, meta, at, loanCtx, e.LoanID.Uint64(), map[string]any{
			"principal": e.Principal.String(),
			"nonce":     e.Nonce,
		})

	case ledger.LoanRepaid:
		loanCtx, err := p.resolver.Resolve(ctx, e.LoanID.Uint64())
		if err != nil {
			return err
		}
		return p.record(ctx, CategoryRepaid, meta, at, loanCtx, e.LoanID.Uint64(), map[string]any{
			"amount": e.Amount.String(),
		})

	case ledger.LoanDefaulted:
		loanCtx, err := p.resolver.Resolve(ctx, e.LoanID.Uint64())
		if err != nil {
			return err
		}
		if loanCtx.Borrower == "" {
			loanCtx.Borrower = addressString(e.Borrower)
		}
		return p.record(ctx, CategoryDefaulted, meta, at, loanCtx, e.LoanID.Uint64(), nil)

	case ledger.PositionOpened:
		loanCtx, err := p.resolver.Resolve(ctx, e.LoanID.Uint64())
		if err != nil {
			return err
		}
		if loanCtx.Borrower == "" {
			loanCtx.Borrower = addressString(e.Borrower)
		}
		if err := p.store.PutPositionLink(ctx, &PositionLink{
			PositionID: e.PositionID.Uint64(),
			LoanID:     e.LoanID.Uint64(),
			Borrower:   loanCtx.Borrower,
			AgentID:    loanCtx.AgentID,
		}); err != nil {
			return err
		}
		return p.record(ctx, CategoryOpened, meta, at, loanCtx, e.LoanID.Uint64(), map[string]any{
			"position_id": e.PositionID.Uint64(),
			"collateral":  e.Collateral.String(),
		})

	case ledger.CollateralWithdrawn:
		// The withdrawal log carries only the position id; the link
		// recorded at open time supplies the rest.
		var loanCtx LoanContext
		var loanID uint64
		link, ok, err := p.store.PositionLink(ctx, e.PositionID.Uint64())
		if err != nil {
			return err
		}
		if ok {
			loanCtx = LoanContext{AgentID: link.AgentID, Borrower: link.Borrower}
			loanID = link.LoanID
		}
		return p.record(ctx, CategoryCollateralWithdrawn, meta, at, loanCtx, loanID, map[string]any{
			"position_id": e.PositionID.Uint64(),
			"amount":      e.Amount.String(),
		})

	default:
		return errors.New(CodeActivityMalformed, "unhandled event kind "+string(ev.Kind()))
	}
}

func (p *Pipeline) record(ctx context.Context, category Category, meta ledger.EventMeta, at time.Time, loanCtx LoanContext, loanID uint64, payload map[string]any) error {
	var payloadJSON string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		payloadJSON = string(raw)
	}
	inserted, err := p.recorder.Record(ctx, &Event{
		Category:  category,
		DedupeKey: ChainDedupeKey(category, meta.TxHash, meta.LogIndex),
		AgentID:   loanCtx.AgentID,
		Borrower:  loanCtx.Borrower,
		LoanID:    loanID,
		TxHash:    meta.TxHash.Hex(),
		Block:     meta.BlockNumber,
		LogIndex:  meta.LogIndex,
		Payload:   payloadJSON,
		CreatedAt: at,
	})
	if err != nil {
		return err
	}
	if inserted {
		metrics.AddIngestedEvents(p.facility.Name, 1)
	}
	return nil
}
