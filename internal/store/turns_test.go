package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
)

func sampleCtx(sid string) msgctx.MsgContext {
	return msgctx.MsgContext{
		Body:               "hello",
		OriginatingChannel: "telegram",
		OriginatingTo:      "555",
		SessionKey:         "telegram:555",
		AccountId:          "bot1",
		MessageSid:         sid,
	}
}

func TestAcceptTurn_DuplicateRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id1, accepted1, err := s.AcceptTurn(ctx, sampleCtx("m1"), now)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	if !accepted1 {
		t.Fatal("expected first admission to be accepted")
	}

	id2, accepted2, err := s.AcceptTurn(ctx, sampleCtx("m1"), now)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	if accepted2 {
		t.Fatal("expected duplicate admission to be rejected")
	}
	if id1 == id2 {
		t.Fatal("duplicate call should still mint a distinct candidate id")
	}
}

func TestAcceptTurn_NullDedupeAlwaysAccepts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mc := sampleCtx("")
	mc.MessageSid = ""
	mc.OriginatingChannel = ""
	mc.Provider = ""
	mc.Surface = ""

	_, a1, err := s.AcceptTurn(ctx, mc, now)
	if err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	_, a2, err := s.AcceptTurn(ctx, mc, now)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	if !a1 || !a2 {
		t.Fatal("without a dedupe key every admission must be accepted")
	}
}

func TestMarkTurnRunning_RejectsFromTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, _, err := s.AcceptTurn(ctx, sampleCtx("m2"), now)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := s.FinalizeTurn(ctx, id, store.TurnDelivered, "", now); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.MarkTurnRunning(ctx, id, now); err != nil {
		t.Fatalf("mark running should be a silent no-op on terminal rows: %v", err)
	}

	turn, err := s.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if turn.Status != store.TurnDelivered {
		t.Fatalf("expected status to remain delivered, got %q", turn.Status)
	}
}

func TestRecordTurnRecoveryFailure_RetriesThenTerminates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, _, err := s.AcceptTurn(ctx, sampleCtx("m3"), now)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	for i := 0; i < store.MaxTurnRecoveryAttempts-1; i++ {
		if err := s.RecordTurnRecoveryFailure(ctx, id, "boom", now); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		turn, err := s.GetTurn(ctx, id)
		if err != nil {
			t.Fatalf("get turn: %v", err)
		}
		if turn.Status != store.TurnFailedRetryable {
			t.Fatalf("attempt %d: expected failed_retryable, got %q", i, turn.Status)
		}
	}

	if err := s.RecordTurnRecoveryFailure(ctx, id, "boom", now); err != nil {
		t.Fatalf("final record failure: %v", err)
	}
	turn, err := s.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if turn.Status != store.TurnFailedTerminal {
		t.Fatalf("expected failed_terminal after %d attempts, got %q", store.MaxTurnRecoveryAttempts, turn.Status)
	}
}

func TestAbortTurnsForSession_OnlyMatchingSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	idA, _, _ := s.AcceptTurn(ctx, sampleCtx("m4"), now)
	otherCtx := sampleCtx("m5")
	otherCtx.SessionKey = "telegram:999"
	otherCtx.OriginatingTo = "999"
	idB, _, _ := s.AcceptTurn(ctx, otherCtx, now)

	n, err := s.AbortTurnsForSession(ctx, "telegram:555", now)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row aborted, got %d", n)
	}

	turnA, _ := s.GetTurn(ctx, idA)
	turnB, _ := s.GetTurn(ctx, idB)
	if turnA.Status != store.TurnAborted {
		t.Fatalf("expected turn A aborted, got %q", turnA.Status)
	}
	if turnB.Status == store.TurnAborted {
		t.Fatal("turn B belongs to a different session and must not be aborted")
	}
}

func TestFailStaleTurns_OnlyOlderThanMaxAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-25 * time.Hour)
	recent := time.Now()

	idOld, _, _ := s.AcceptTurn(ctx, sampleCtx("m6"), old)
	idRecent, _, _ := s.AcceptTurn(ctx, sampleCtx("m7"), recent)

	n, err := s.FailStaleTurns(ctx, store.MaxTurnRecoveryAge, recent)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale row, got %d", n)
	}

	turnOld, _ := s.GetTurn(ctx, idOld)
	turnRecent, _ := s.GetTurn(ctx, idRecent)
	if turnOld.Status != store.TurnFailedTerminal {
		t.Fatalf("expected old turn failed_terminal, got %q", turnOld.Status)
	}
	if turnRecent.Status == store.TurnFailedTerminal {
		t.Fatal("recent turn should not be swept")
	}
}

func TestListRecoverableTurns_ExcludesTerminalAndFutureAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	recoverable, _, _ := s.AcceptTurn(ctx, sampleCtx("m8"), now.Add(-time.Hour))
	terminal, _, _ := s.AcceptTurn(ctx, sampleCtx("m9"), now.Add(-time.Hour))
	if err := s.FinalizeTurn(ctx, terminal, store.TurnDelivered, "", now); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rows, err := s.ListRecoverableTurns(ctx, 0, store.MaxTurnRecoveryAge, 16, now)
	if err != nil {
		t.Fatalf("list recoverable: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != recoverable {
		t.Fatalf("expected only the recoverable turn, got %+v", rows)
	}
}

func TestPruneTurns_DeletesOldTerminalRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour)
	now := time.Now()

	id, _, _ := s.AcceptTurn(ctx, sampleCtx("m10"), old)
	if err := s.FinalizeTurn(ctx, id, store.TurnDelivered, "", old); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	n, err := s.PruneTurns(ctx, store.TurnPruneAge, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	turn, err := s.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if turn != nil {
		t.Fatal("expected pruned turn to be gone")
	}
}

func TestHydrateTurnContext_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, _, err := s.AcceptTurn(ctx, sampleCtx("m11"), now)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	turn, err := s.GetTurn(ctx, id)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}

	mc, err := store.HydrateTurnContext(*turn)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if mc.SessionKey != "telegram:555" {
		t.Fatalf("unexpected hydrated session key: %q", mc.SessionKey)
	}
}
