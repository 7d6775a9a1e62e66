package workers_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
	"github.com/udml/gateway/internal/workers"
)

func writeLegacyEntryForWorkerTest(queueDir string, qd store.QueuedDelivery) error {
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(qd)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(queueDir, qd.ID+".json"), raw, 0o644)
}

func waitForOutboxStatus(t *testing.T, s *store.Store, outboxID string, want store.OutboxStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := s.LoadPendingDeliveries(context.Background(), nil, time.Now().Add(time.Hour))
		if err == nil {
			found := false
			for _, r := range rows {
				if r.ID == outboxID {
					found = true
				}
			}
			if !found && want != store.OutboxQueued {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("outbox row %s did not leave pending state in time", outboxID)
}

func TestOutboxWorker_DeliversQueuedRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueDelivery(ctx, store.EnqueueParams{
		Channel: "telegram",
		Target:  "555",
		Payload: msgctx.DeliveryPayload{Channel: "telegram", To: "555", Payloads: []msgctx.ReplyPayload{{Text: "hi"}}},
	}, time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var deliveredTo string
	w, err := workers.NewOutboxWorker(workers.OutboxWorkerConfig{
		Store: s,
		Deliver: func(_ context.Context, row store.OutboxRow) error {
			deliveredTo = row.Target
			return nil
		},
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new outbox worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(runCtx)
	defer w.Stop()

	waitForOutboxStatus(t, s, id, store.OutboxDelivered)
	if deliveredTo != "555" {
		t.Fatalf("expected delivery to target 555, got %q", deliveredTo)
	}
}

func TestOutboxWorker_PermanentErrorMovesToFailedWithoutRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueDelivery(ctx, store.EnqueueParams{
		Channel: "telegram",
		Target:  "555",
		Payload: msgctx.DeliveryPayload{Channel: "telegram", To: "555", Payloads: []msgctx.ReplyPayload{{Text: "hi"}}},
	}, time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	attempts := 0
	w, err := workers.NewOutboxWorker(workers.OutboxWorkerConfig{
		Store: s,
		Deliver: func(context.Context, store.OutboxRow) error {
			attempts++
			return errors.New("chat not found")
		},
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new outbox worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.Start(runCtx)

	waitForOutboxStatus(t, s, id, store.OutboxFailedTerminal)
	cancel()
	w.Stop()

	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a permanent error, got %d", attempts)
	}
}

func TestOutboxWorker_ImportsLegacyQueueOnFirstTick(t *testing.T) {
	s := openTestStore(t)
	stateDir := t.TempDir()
	queueDir := filepath.Join(stateDir, "delivery-queue")
	if err := writeLegacyEntryForWorkerTest(queueDir, store.QueuedDelivery{
		ID:      "legacy-w1",
		Channel: "telegram",
		Target:  "555",
		Payload: msgctx.DeliveryPayload{Channel: "telegram", To: "555", Payloads: []msgctx.ReplyPayload{{Text: "hi"}}},
	}); err != nil {
		t.Fatalf("seed legacy entry: %v", err)
	}

	delivered := make(chan struct{}, 1)
	w, err := workers.NewOutboxWorker(workers.OutboxWorkerConfig{
		Store:    s,
		StateDir: stateDir,
		Deliver: func(context.Context, store.OutboxRow) error {
			select {
			case delivered <- struct{}{}:
			default:
			}
			return nil
		},
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new outbox worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(runCtx)
	defer w.Stop()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the legacy-imported row to be delivered")
	}
}
