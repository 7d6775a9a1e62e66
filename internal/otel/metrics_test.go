package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TurnDuration == nil {
		t.Error("TurnDuration is nil")
	}
	if m.TurnsAccepted == nil {
		t.Error("TurnsAccepted is nil")
	}
	if m.TurnsDuplicate == nil {
		t.Error("TurnsDuplicate is nil")
	}
	if m.TurnsFinalized == nil {
		t.Error("TurnsFinalized is nil")
	}
	if m.OutboxDeliveryDuration == nil {
		t.Error("OutboxDeliveryDuration is nil")
	}
	if m.OutboxDeliveryAttempts == nil {
		t.Error("OutboxDeliveryAttempts is nil")
	}
	if m.OutboxDeliveryErrors == nil {
		t.Error("OutboxDeliveryErrors is nil")
	}
	if m.OutboxQueueDepth == nil {
		t.Error("OutboxQueueDepth is nil")
	}
	if m.ReplyGeneratorDuration == nil {
		t.Error("ReplyGeneratorDuration is nil")
	}
	if m.RecoveredTurns == nil {
		t.Error("RecoveredTurns is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
