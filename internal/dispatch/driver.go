package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
)

// ReplyResolver invokes the reply generator for a turn. It is expected to
// call dispatcher.SendToolResult/SendBlockReply/SendFinalReply as it
// produces output; the driver marks the dispatcher complete and waits for
// drain regardless of the error it returns.
type ReplyResolver func(ctx context.Context, mc msgctx.MsgContext, d *Dispatcher) error

// NewDispatcherFunc builds a Dispatcher bound to a concrete turn id once
// one is known, letting the caller wire channel-specific direct-send and
// emit closures.
type NewDispatcherFunc func(turnID string, commandSource msgctx.CommandSource) *Dispatcher

// Result summarizes the outcome of a dispatch pass for the caller (mainly
// used by tests and operational logging).
type Result struct {
	TurnID      string
	QueuedFinal bool
	Counts      Counts
}

// Driver wires inbound admission, the per-turn dispatcher, and outbox
// status into the turn-finalization decision. It also tracks which turns
// are currently being generated so the turn-worker's recovery pass can
// skip them.
type Driver struct {
	store                  *store.Store
	log                    *slog.Logger
	failOpenOnQueuedFinal  bool
	idempotencyCapableFunc func(channel string) bool

	mu     sync.Mutex
	active map[string]struct{}
}

// NewDriver constructs a Driver. failOpenOnQueuedFinal mirrors the
// messages.delivery.failOpenOnQueuedFinal configuration knob: when false
// (the default), a final reply that was attempted but never confirmed
// queued is recorded as a turn recovery failure rather than finalized as
// delivered.
func NewDriver(st *store.Store, log *slog.Logger, failOpenOnQueuedFinal bool) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{store: st, log: log, active: make(map[string]struct{})}
}

// SetIdempotencyCapableFunc supplies the lookup the driver uses to decide
// whether the channel a turn is routed to supports an outbox idempotency
// key (Twilio does; the rest don't). Called once at startup after the
// channel registry is populated.
func (dr *Driver) SetIdempotencyCapableFunc(fn func(channel string) bool) {
	dr.idempotencyCapableFunc = fn
}

// Store returns the durable store backing this driver, so callers that
// build their own Dispatcher (channel adapters, the turn-worker) can wire
// it into dispatch.New without holding a second reference of their own.
func (dr *Driver) Store() *store.Store {
	return dr.store
}

// IsActive reports whether turnID is currently being generated, so the
// turn-worker's recovery sweep can skip it.
func (dr *Driver) IsActive(turnID string) bool {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	_, ok := dr.active[turnID]
	return ok
}

func (dr *Driver) registerActive(turnID string) {
	dr.mu.Lock()
	dr.active[turnID] = struct{}{}
	dr.mu.Unlock()
}

func (dr *Driver) unregisterActive(turnID string) {
	dr.mu.Lock()
	delete(dr.active, turnID)
	dr.mu.Unlock()
}

// DispatchInboundMessage is the normal path: it admits a fresh inbound
// message through the turn journal's dedupe check before generating a
// reply.
func (dr *Driver) DispatchInboundMessage(ctx context.Context, mc msgctx.MsgContext, newDispatcher NewDispatcherFunc, resolve ReplyResolver) (Result, error) {
	now := time.Now()
	turnID, accepted, err := dr.store.AcceptTurn(ctx, mc, now)
	if err != nil {
		return Result{}, fmt.Errorf("accept turn: %w", err)
	}

	d := newDispatcher(turnID, mc.CommandSource)

	if !accepted {
		d.MarkComplete()
		_ = d.WaitForIdle(ctx)
		return Result{TurnID: turnID, QueuedFinal: false, Counts: d.Snapshot()}, nil
	}

	return dr.run(ctx, turnID, mc, d, resolve)
}

// DispatchResumedTurn replays generation for a turn already recorded in
// the journal (crash recovery or a retried recovery attempt). It bypasses
// acceptTurn entirely: the row already exists, and inbound dedup does not
// apply to a replay.
func (dr *Driver) DispatchResumedTurn(ctx context.Context, turnID string, mc msgctx.MsgContext, newDispatcher NewDispatcherFunc, resolve ReplyResolver) (Result, error) {
	d := newDispatcher(turnID, mc.CommandSource)
	return dr.run(ctx, turnID, mc, d, resolve)
}

func (dr *Driver) run(ctx context.Context, turnID string, mc msgctx.MsgContext, d *Dispatcher, resolve ReplyResolver) (Result, error) {
	now := time.Now()
	dr.registerActive(turnID)
	defer dr.unregisterActive(turnID)

	if err := dr.store.MarkTurnRunning(ctx, turnID, now); err != nil {
		return Result{}, fmt.Errorf("mark turn running: %w", err)
	}

	if mc.CommandSource != msgctx.CommandSourceNative {
		route := msgctx.ResolveRouteTarget(mc)
		var idempotencyCapable bool
		if dr.idempotencyCapableFunc != nil {
			idempotencyCapable = dr.idempotencyCapableFunc(route.Channel)
		}
		d.SetDeliveryQueueContext(DeliveryQueueContext{
			Channel:                route.Channel,
			To:                     route.To,
			AccountID:              route.AccountId,
			ThreadID:               route.ThreadId,
			ReplyToID:              route.ReplyToId,
			TurnID:                 turnID,
			SupportsIdempotencyKey: idempotencyCapable,
		})
	}

	genErr := resolve(ctx, mc, d)
	d.MarkComplete()
	if err := d.WaitForIdle(ctx); err != nil {
		dr.log.Warn("dispatcher did not idle before finalization", "turn_id", turnID, "error", err)
	}

	counts := d.Snapshot()
	dr.finalize(ctx, turnID, counts, genErr)

	if genErr != nil {
		return Result{TurnID: turnID, QueuedFinal: counts.QueuedFinal, Counts: counts}, genErr
	}
	return Result{TurnID: turnID, QueuedFinal: counts.QueuedFinal, Counts: counts}, nil
}

// finalize decides the turn's post-generation fate from the dispatcher's
// counts and the outbox aggregate. A generator error always routes
// through recordTurnRecoveryFailure, regardless of what outbox state the
// partial run left behind.
func (dr *Driver) finalize(ctx context.Context, turnID string, counts Counts, genErr error) {
	now := time.Now()

	if genErr != nil {
		if err := dr.store.RecordTurnRecoveryFailure(ctx, turnID, genErr.Error(), now); err != nil {
			dr.log.Error("record turn recovery failure", "turn_id", turnID, "error", err)
		}
		return
	}

	status, err := dr.store.GetOutboxStatusForTurn(ctx, turnID)
	if err != nil {
		dr.log.Error("get outbox status for turn", "turn_id", turnID, "error", err)
		if rerr := dr.store.RecordTurnRecoveryFailure(ctx, turnID, "could not read outbox status", now); rerr != nil {
			dr.log.Error("record turn recovery failure", "turn_id", turnID, "error", rerr)
		}
		return
	}

	switch {
	case status.Queued > 0:
		dr.mustTransition(ctx, turnID, now, func() error {
			return dr.store.MarkTurnDeliveryPending(ctx, turnID, now)
		})
	case status.Delivered > 0 && status.Failed == 0:
		dr.finalizeDelivered(ctx, turnID, now)
	case status.Failed > 0 && status.Queued == 0:
		dr.mustTransition(ctx, turnID, now, func() error {
			return dr.store.FinalizeTurn(ctx, turnID, store.TurnFailedTerminal, "outbox delivery failed", now)
		})
	case counts.AttemptedFinal > 0 && !counts.QueuedFinal:
		if dr.failOpenOnQueuedFinal {
			dr.finalizeDelivered(ctx, turnID, now)
			return
		}
		dr.recoveryFailure(ctx, turnID, now, "final delivery did not queue successfully")
	case counts.AttemptedFinal > 0 && counts.QueuedFinal:
		if counts.SuccessfulSends > 0 {
			dr.finalizeDelivered(ctx, turnID, now)
		} else {
			dr.recoveryFailure(ctx, turnID, now, "final delivery queued but not confirmed sent")
		}
	default:
		// Command-only turn: no final reply was ever attempted.
		dr.finalizeDelivered(ctx, turnID, now)
	}
}

func (dr *Driver) finalizeDelivered(ctx context.Context, turnID string, now time.Time) {
	dr.mustTransition(ctx, turnID, now, func() error {
		return dr.store.FinalizeTurn(ctx, turnID, store.TurnDelivered, "", now)
	})
}

func (dr *Driver) recoveryFailure(ctx context.Context, turnID string, now time.Time, reason string) {
	if err := dr.store.RecordTurnRecoveryFailure(ctx, turnID, reason, now); err != nil {
		dr.log.Error("record turn recovery failure", "turn_id", turnID, "error", err)
	}
}

func (dr *Driver) mustTransition(ctx context.Context, turnID string, now time.Time, fn func() error) {
	if err := fn(); err != nil {
		dr.log.Error("turn transition failed", "turn_id", turnID, "error", err)
		_ = dr.store.RecordTurnRecoveryFailure(ctx, turnID, err.Error(), now)
	}
}
