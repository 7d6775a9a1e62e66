package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/udml/gateway/internal/store"
)

const (
	defaultOutboxWorkerInterval = 1000 * time.Millisecond
	deliverDeadlineFraction     = 0.75
)

// DeliverFunc performs one outbound delivery attempt for a queued row,
// skipping the outbox (the row already exists; this call is the attempt
// itself, not a re-enqueue).
type DeliverFunc func(ctx context.Context, row store.OutboxRow) error

// OutboxWorkerConfig holds the dependencies for the outbox-worker.
type OutboxWorkerConfig struct {
	Store             *store.Store
	Deliver           DeliverFunc
	StateDir          string // legacy delivery-queue/ directory lives under this
	Logger            *slog.Logger
	Interval          time.Duration // defaults to 1000ms
	TTL               time.Duration // defaults to store.DefaultOutboxTTL
	PruneAge          time.Duration // defaults to store.OutboxPruneAge
	PruneScheduleCron string        // optional; empty means prune every pass
}

// OutboxWorker periodically expires stale deliveries, retries queued
// deliveries honoring backoff eligibility, and prunes old terminal rows.
type OutboxWorker struct {
	store    *store.Store
	deliver  DeliverFunc
	stateDir string
	logger   *slog.Logger
	interval time.Duration
	ttl      time.Duration
	pruneAge time.Duration
	prune    *pruneScheduler

	startupCutoff      time.Time
	legacyImportedOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutboxWorker constructs an OutboxWorker from cfg. startupCutoff is
// captured here, at construction time, so the first pass after a restart
// can tell a live-in-flight delivery apart from a genuinely orphaned one.
func NewOutboxWorker(cfg OutboxWorkerConfig) (*OutboxWorker, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultOutboxWorkerInterval
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = store.DefaultOutboxTTL
	}
	pruneAge := cfg.PruneAge
	if pruneAge <= 0 {
		pruneAge = store.OutboxPruneAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prune, err := newPruneScheduler(cfg.PruneScheduleCron)
	if err != nil {
		return nil, err
	}
	return &OutboxWorker{
		store:         cfg.Store,
		deliver:       cfg.Deliver,
		stateDir:      cfg.StateDir,
		logger:        logger,
		interval:      interval,
		ttl:           ttl,
		pruneAge:      pruneAge,
		prune:         prune,
		startupCutoff: time.Now(),
	}, nil
}

// Start begins the worker loop in a background goroutine.
func (w *OutboxWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("outbox worker started", "interval", w.interval)
}

// Stop cancels the loop and waits for it to exit.
func (w *OutboxWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("outbox worker stopped")
}

func (w *OutboxWorker) loop(ctx context.Context) {
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

func (w *OutboxWorker) tick(ctx context.Context) {
	now := time.Now()
	deadline := now.Add(time.Duration(float64(w.interval) * deliverDeadlineFraction))

	w.legacyImportedOnce.Do(func() {
		if w.stateDir == "" {
			return
		}
		n, err := w.store.ImportLegacyFileQueue(ctx, w.stateDir, now)
		if err != nil {
			w.logger.Error("outbox worker: import legacy file queue", "error", err)
			return
		}
		if n > 0 {
			w.logger.Info("outbox worker: imported legacy deliveries", "count", n)
		}
	})

	if _, err := w.store.ExpireStaleDeliveries(ctx, w.ttl, now); err != nil {
		w.logger.Error("outbox worker: expire stale deliveries", "error", err)
	}

	cutoff := w.startupCutoff
	rows, err := w.store.LoadPendingDeliveries(ctx, &cutoff, now)
	if err != nil {
		w.logger.Error("outbox worker: load pending deliveries", "error", err)
		return
	}

	var processed int
	for _, row := range rows {
		if time.Now().After(deadline) {
			w.logger.Warn("outbox worker: pass deadline reached, remaining rows deferred to next tick",
				"remaining", len(rows)-processed)
			break
		}
		w.attempt(ctx, row, now)
		processed++
	}

	if w.prune.due(now) {
		if n, err := w.store.PruneOutbox(ctx, w.pruneAge, now); err != nil {
			w.logger.Error("outbox worker: prune outbox", "error", err)
		} else if n > 0 {
			w.logger.Info("outbox worker: pruned outbox rows", "count", n)
		}
	}
}

func (w *OutboxWorker) attempt(ctx context.Context, row store.OutboxRow, now time.Time) {
	if row.AttemptCount >= store.MaxOutboxRetries {
		if err := w.store.MoveToFailed(ctx, row.ID, now); err != nil {
			w.logger.Error("outbox worker: move to failed", "outbox_id", row.ID, "error", err)
		}
		return
	}
	if !store.IsEligible(row, now) {
		return
	}

	deliverErr := w.deliver(ctx, row)
	if deliverErr == nil {
		if err := w.store.AckDelivery(ctx, row.ID, now); err != nil {
			w.logger.Error("outbox worker: ack delivery", "outbox_id", row.ID, "error", err)
		}
		return
	}

	if store.IsPermanentDeliveryError(deliverErr) {
		if err := w.store.MoveToFailed(ctx, row.ID, now); err != nil {
			w.logger.Error("outbox worker: move to failed", "outbox_id", row.ID, "error", err)
		}
		return
	}
	if err := w.store.FailDelivery(ctx, row.ID, deliverErr, now); err != nil {
		w.logger.Error("outbox worker: fail delivery", "outbox_id", row.ID, "error", err)
	}
}
