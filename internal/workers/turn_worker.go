// Package workers runs the two long-lived background passes that keep the
// message lifecycle moving forward without a caller waiting on them: the
// turn-worker (crash recovery / retry of interrupted generation) and the
// outbox-worker (queued delivery retry). Both loops share the same shape:
// a ticker, an immediate first tick, and a context-cancellation exit.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
)

const (
	defaultTurnWorkerInterval = 1200 * time.Millisecond
	defaultMaxTurnsPerPass    = 16
)

// ResumeDispatcherFunc builds a Dispatcher for a recovered turn, wiring a
// direct-send closure bound to the hydrated context's channel so
// dispatchResumedTurn can redeliver without a delivery-queue context.
type ResumeDispatcherFunc func(turnID string, mc msgctx.MsgContext) *dispatch.Dispatcher

// TurnWorkerConfig holds the dependencies for the turn-worker.
type TurnWorkerConfig struct {
	Store           *store.Store
	Driver          *dispatch.Driver
	Resolve         dispatch.ReplyResolver
	NewDispatcher   ResumeDispatcherFunc
	Logger          *slog.Logger
	Interval        time.Duration // defaults to 1200ms
	MaxTurnsPerPass int           // defaults to 16
	PruneScheduleCron string      // optional; empty means prune every pass
}

// TurnWorker periodically sweeps stale turns, replays interrupted
// generation for recoverable ones, and prunes old terminal rows.
type TurnWorker struct {
	store           *store.Store
	driver          *dispatch.Driver
	resolve         dispatch.ReplyResolver
	newDispatcher   ResumeDispatcherFunc
	logger          *slog.Logger
	interval        time.Duration
	maxTurnsPerPass int
	prune           *pruneScheduler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTurnWorker constructs a TurnWorker from cfg.
func NewTurnWorker(cfg TurnWorkerConfig) (*TurnWorker, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultTurnWorkerInterval
	}
	maxTurns := cfg.MaxTurnsPerPass
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurnsPerPass
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prune, err := newPruneScheduler(cfg.PruneScheduleCron)
	if err != nil {
		return nil, err
	}
	return &TurnWorker{
		store:           cfg.Store,
		driver:          cfg.Driver,
		resolve:         cfg.Resolve,
		newDispatcher:   cfg.NewDispatcher,
		logger:          logger,
		interval:        interval,
		maxTurnsPerPass: maxTurns,
		prune:           prune,
	}, nil
}

// Start begins the worker loop in a background goroutine.
func (w *TurnWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("turn worker started", "interval", w.interval)
}

// Stop cancels the loop and waits for it to exit.
func (w *TurnWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("turn worker stopped")
}

func (w *TurnWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *TurnWorker) tick(ctx context.Context) {
	now := time.Now()

	if _, err := w.store.FailStaleTurns(ctx, store.MaxTurnRecoveryAge, now); err != nil {
		w.logger.Error("turn worker: fail stale turns", "error", err)
	}

	rows, err := w.store.ListRecoverableTurns(ctx, 0, store.MaxTurnRecoveryAge, w.maxTurnsPerPass, now)
	if err != nil {
		w.logger.Error("turn worker: list recoverable turns", "error", err)
	}
	for _, row := range rows {
		w.recover(ctx, row, now)
	}

	if w.prune.due(now) {
		if n, err := w.store.PruneTurns(ctx, store.TurnPruneAge, now); err != nil {
			w.logger.Error("turn worker: prune turns", "error", err)
		} else if n > 0 {
			w.logger.Info("turn worker: pruned turns", "count", n)
		}
	}
}

func (w *TurnWorker) recover(ctx context.Context, row store.Turn, now time.Time) {
	if w.driver.IsActive(row.ID) {
		return
	}

	counts, err := w.store.GetOutboxStatusForTurn(ctx, row.ID)
	if err != nil {
		w.logger.Error("turn worker: get outbox status", "turn_id", row.ID, "error", err)
		return
	}
	switch {
	case counts.Queued > 0:
		return
	case counts.Delivered > 0 && counts.Failed == 0:
		if err := w.store.FinalizeTurn(ctx, row.ID, store.TurnDelivered, "", now); err != nil {
			w.logger.Error("turn worker: finalize delivered", "turn_id", row.ID, "error", err)
		}
		return
	case counts.Failed > 0:
		if err := w.store.FinalizeTurn(ctx, row.ID, store.TurnFailedTerminal, "outbox delivery failed", now); err != nil {
			w.logger.Error("turn worker: finalize failed", "turn_id", row.ID, "error", err)
		}
		return
	}

	mc, err := store.HydrateTurnContext(row)
	if err != nil {
		if rerr := w.store.RecordTurnRecoveryFailure(ctx, row.ID, "invalid turn payload", now); rerr != nil {
			w.logger.Error("turn worker: record recovery failure", "turn_id", row.ID, "error", rerr)
		}
		return
	}

	newDispatcher := func(turnID string, _ msgctx.CommandSource) *dispatch.Dispatcher {
		return w.newDispatcher(turnID, mc)
	}
	if _, err := w.driver.DispatchResumedTurn(ctx, row.ID, mc, newDispatcher, w.resolve); err != nil {
		w.logger.Warn("turn worker: resumed dispatch failed", "turn_id", row.ID, "error", err)
	}
}
