// Package dispatch hosts the per-turn dispatcher and the driver that wires
// inbound admission, the reply generator, and outbox delivery together.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
)

// DeliveryQueueContext is the reply destination supplied to a dispatcher so
// that sendFinalReply can enqueue a durable outbox row. Derived from the
// inbound message's route target at admission time.
type DeliveryQueueContext struct {
	Channel   string
	To        string
	AccountID string
	ThreadID  string
	ReplyToID string
	TurnID    string

	// SupportsIdempotencyKey mirrors the registered adapter's
	// SupportsIdempotencyKey flag. When true, SendFinalReply derives a
	// deterministic idempotency_key from the turn and final-send ordinal so
	// a replayed enqueue of the same logical send collides on the outbox's
	// partial unique index instead of creating a duplicate row.
	SupportsIdempotencyKey bool
}

// DirectSendFunc performs an immediate delivery attempt against the
// channel's outbound adapter, bypassing the outbox queue.
type DirectSendFunc func(ctx context.Context, payload msgctx.ReplyPayload) error

// EmitFunc delivers a non-durable tool-result or block-reply chunk
// (typing indicators, streamed tokens) straight to the channel.
type EmitFunc func(ctx context.Context, kind, payload string) error

// Dispatcher is created once per in-flight turn. It receives calls from the
// reply generator (sendToolResult, sendBlockReply, sendFinalReply) and
// tracks outstanding work so the driver can wait for drain before
// finalizing the turn. It is single-threaded cooperative: calls are
// expected to arrive from one goroutine (the generator's), serialized by
// the caller.
type Dispatcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	turnID        string
	commandSource msgctx.CommandSource
	store         *store.Store

	dqc        *DeliveryQueueContext
	directSend DirectSendFunc
	emit       EmitFunc

	pending   int
	completed bool

	toolResultCount int
	blockReplyCount int
	finalCount      int
	queuedFinal     bool
	successfulSends int

	firstErr error
}

// New creates a Dispatcher for turnID. commandSource gates whether a later
// SetDeliveryQueueContext call takes effect: native-sourced turns (inline
// button, slash menu) never get a delivery-queue context, since their reply
// tokens are interaction-scoped and must not be replayed later.
func New(turnID string, commandSource msgctx.CommandSource, st *store.Store) *Dispatcher {
	d := &Dispatcher{turnID: turnID, commandSource: commandSource, store: st}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetDeliveryQueueContext supplies the route used to enqueue durable final
// replies. Ignored for interaction-scoped (native) sources.
func (d *Dispatcher) SetDeliveryQueueContext(dqc DeliveryQueueContext) {
	if d.commandSource == msgctx.CommandSourceNative {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dqc = &dqc
}

// SetDirectSend supplies a closure that delivers a final payload directly
// to the channel adapter, used either as a low-latency companion to the
// outbox (normal path) or as the sole delivery mechanism (turn-worker
// resume, where no delivery-queue context is supplied).
func (d *Dispatcher) SetDirectSend(fn DirectSendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.directSend = fn
}

// SetEmit supplies the non-durable emission sink for tool results and block
// replies (typing indicators, streamed chunks).
func (d *Dispatcher) SetEmit(fn EmitFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit = fn
}

// SendToolResult forwards a non-durable tool-result chunk. Ignored once the
// dispatcher has been marked complete.
func (d *Dispatcher) SendToolResult(ctx context.Context, payload string) error {
	return d.sendEphemeral(ctx, "tool_result", payload, &d.toolResultCount)
}

// SendBlockReply forwards a non-durable streamed reply chunk. Ignored once
// the dispatcher has been marked complete.
func (d *Dispatcher) SendBlockReply(ctx context.Context, payload string) error {
	return d.sendEphemeral(ctx, "block_reply", payload, &d.blockReplyCount)
}

func (d *Dispatcher) sendEphemeral(ctx context.Context, kind, payload string, counter *int) error {
	d.mu.Lock()
	if d.completed {
		d.mu.Unlock()
		return nil
	}
	*counter++
	d.pending++
	emit := d.emit
	d.mu.Unlock()

	var err error
	if emit != nil {
		err = emit(ctx, kind, payload)
	}

	d.mu.Lock()
	d.pending--
	if err != nil && d.firstErr == nil {
		d.firstErr = err
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	return err
}

// SendFinalReply is the only durable emission kind. When a delivery-queue
// context is set, the payload is enqueued as an outbox row before (or in
// lock-step with) an optional direct-send attempt; the outbox retains
// ownership of retry. Without a delivery-queue context (turn-worker
// resume), the direct-send function is the sole delivery path and its
// error is returned to the caller.
func (d *Dispatcher) SendFinalReply(ctx context.Context, payload msgctx.ReplyPayload) error {
	d.mu.Lock()
	if d.completed {
		d.mu.Unlock()
		return nil
	}
	d.finalCount++
	ordinal := d.finalCount
	d.pending++
	dqc := d.dqc
	directSend := d.directSend
	d.mu.Unlock()

	var sendErr error
	queued := false

	if dqc != nil && d.store != nil {
		var idempotencyKey string
		if dqc.SupportsIdempotencyKey {
			idempotencyKey = fmt.Sprintf("%s:final:%d", dqc.TurnID, ordinal)
		}
		_, enqErr := d.store.EnqueueDelivery(ctx, store.EnqueueParams{
			TurnID:         dqc.TurnID,
			Channel:        dqc.Channel,
			AccountID:      dqc.AccountID,
			Target:         dqc.To,
			IdempotencyKey: idempotencyKey,
			Payload: msgctx.DeliveryPayload{
				Channel:   dqc.Channel,
				To:        dqc.To,
				AccountId: dqc.AccountID,
				ThreadId:  dqc.ThreadID,
				ReplyToId: dqc.ReplyToID,
				Payloads:  []msgctx.ReplyPayload{payload},
			},
		}, time.Now())
		if enqErr != nil {
			sendErr = fmt.Errorf("enqueue final reply: %w", enqErr)
		} else {
			queued = true
		}
		if directSend != nil {
			// Best-effort companion attempt; the outbox owns retry, so a
			// failure here is not propagated.
			_ = directSend(ctx, payload)
		}
	} else if directSend != nil {
		sendErr = directSend(ctx, payload)
	} else {
		sendErr = fmt.Errorf("dispatcher: no delivery mechanism configured for turn %s", d.turnID)
	}

	d.mu.Lock()
	d.pending--
	if queued {
		d.queuedFinal = true
	}
	if sendErr == nil {
		d.successfulSends++
	} else if d.firstErr == nil {
		d.firstErr = sendErr
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	return sendErr
}

// MarkComplete transitions the dispatcher so no further accepts are
// permitted. Calls to Send* after MarkComplete are silently ignored.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	d.completed = true
	d.mu.Unlock()
}

// WaitForIdle blocks until no outstanding work remains, or ctx is done.
func (d *Dispatcher) WaitForIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.mu.Lock()
		for d.pending > 0 {
			d.cond.Wait()
		}
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counts summarizes the dispatcher's emission activity for the driver's
// post-generator decision.
type Counts struct {
	ToolResults     int
	BlockReplies    int
	AttemptedFinal  int
	QueuedFinal     bool
	SuccessfulSends int
}

// Snapshot returns the current counts.
func (d *Dispatcher) Snapshot() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counts{
		ToolResults:     d.toolResultCount,
		BlockReplies:    d.blockReplyCount,
		AttemptedFinal:  d.finalCount,
		QueuedFinal:     d.queuedFinal,
		SuccessfulSends: d.successfulSends,
	}
}

// Err returns the first error observed by any send, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firstErr
}
