package workers_test

import (
	"context"
	"testing"
	"time"

	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
	"github.com/udml/gateway/internal/workers"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func sampleCtx(sid string) msgctx.MsgContext {
	return msgctx.MsgContext{
		Body:               "hello",
		OriginatingChannel: "telegram",
		OriginatingTo:      "555",
		SessionKey:         "telegram:555",
		AccountId:          "bot1",
		MessageSid:         sid,
		CommandSource:      msgctx.CommandSourceText,
	}
}

func waitForTurnStatus(t *testing.T, s *store.Store, turnID string, want store.TurnStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		turn, err := s.GetTurn(context.Background(), turnID)
		if err == nil && turn != nil && turn.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("turn %s did not reach status %q in time", turnID, want)
}

func TestTurnWorker_RecoversInterruptedTurnAndRedelivers(t *testing.T) {
	s := openTestStore(t)
	drv := dispatch.NewDriver(s, nil, false)

	ctx := context.Background()
	mc := sampleCtx("recover-1")
	turnID, accepted, err := s.AcceptTurn(ctx, mc, time.Now())
	if err != nil || !accepted {
		t.Fatalf("seed accept turn: accepted=%v err=%v", accepted, err)
	}
	if err := s.MarkTurnRunning(ctx, turnID, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	// Back-date the recovery failure so its 15s turn-recovery backoff has
	// already elapsed by the time the worker's next tick runs.
	if err := s.RecordTurnRecoveryFailure(ctx, turnID, "crashed mid-generation", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("record recovery failure: %v", err)
	}

	var delivered string
	w, err := workers.NewTurnWorker(workers.TurnWorkerConfig{
		Store:  s,
		Driver: drv,
		Resolve: func(ctx context.Context, _ msgctx.MsgContext, d *dispatch.Dispatcher) error {
			return d.SendFinalReply(ctx, msgctx.ReplyPayload{Text: "recovered reply"})
		},
		NewDispatcher: func(turnID string, mc msgctx.MsgContext) *dispatch.Dispatcher {
			d := dispatch.New(turnID, mc.CommandSource, nil)
			d.SetDirectSend(func(_ context.Context, payload msgctx.ReplyPayload) error {
				delivered = payload.Text
				return nil
			})
			return d
		},
		Interval:        20 * time.Millisecond,
		MaxTurnsPerPass: 16,
	})
	if err != nil {
		t.Fatalf("new turn worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(runCtx)
	defer w.Stop()

	waitForTurnStatus(t, s, turnID, store.TurnDelivered)
	if delivered != "recovered reply" {
		t.Fatalf("expected recovered reply to be redelivered, got %q", delivered)
	}
}

func TestTurnWorker_SkipsActiveTurns(t *testing.T) {
	s := openTestStore(t)
	drv := dispatch.NewDriver(s, nil, false)

	ctx := context.Background()
	mc := sampleCtx("active-1")
	turnID, accepted, err := s.AcceptTurn(ctx, mc, time.Now().Add(-time.Hour))
	if err != nil || !accepted {
		t.Fatalf("seed accept turn: accepted=%v err=%v", accepted, err)
	}
	if err := s.MarkTurnRunning(ctx, turnID, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := s.RecordTurnRecoveryFailure(ctx, turnID, "crashed", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("record recovery failure: %v", err)
	}

	called := make(chan struct{}, 1)
	w, err := workers.NewTurnWorker(workers.TurnWorkerConfig{
		Store:  s,
		Driver: drv,
		Resolve: func(context.Context, msgctx.MsgContext, *dispatch.Dispatcher) error {
			called <- struct{}{}
			return nil
		},
		NewDispatcher: func(turnID string, mc msgctx.MsgContext) *dispatch.Dispatcher {
			return dispatch.New(turnID, mc.CommandSource, nil)
		},
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new turn worker: %v", err)
	}

	// Mark the turn active from outside the worker by running a dispatch
	// through the same driver and holding it open via a slow resolver.
	unblock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = drv.DispatchResumedTurn(context.Background(), turnID, mc,
			func(id string, cs msgctx.CommandSource) *dispatch.Dispatcher { return dispatch.New(id, cs, nil) },
			func(context.Context, msgctx.MsgContext, *dispatch.Dispatcher) error {
				<-unblock
				return nil
			})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let the goroutine register the turn as active

	runCtx, cancel := context.WithCancel(context.Background())
	w.Start(runCtx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	w.Stop()
	close(unblock)
	<-done

	select {
	case <-called:
		t.Fatal("expected turn-worker to skip a turn already active in the driver")
	default:
	}
}
