package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gateway metrics instruments, covering turn/outbox
// transitions and delivery attempts.
type Metrics struct {
	TurnDuration           metric.Float64Histogram
	TurnsAccepted          metric.Int64Counter
	TurnsDuplicate         metric.Int64Counter
	TurnsFinalized         metric.Int64Counter
	OutboxDeliveryDuration metric.Float64Histogram
	OutboxDeliveryAttempts metric.Int64Counter
	OutboxDeliveryErrors   metric.Int64Counter
	OutboxQueueDepth       metric.Int64UpDownCounter
	ReplyGeneratorDuration metric.Float64Histogram
	RecoveredTurns         metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("udml.turn.duration",
		metric.WithDescription("Turn processing duration from acceptance to finalization, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsAccepted, err = meter.Int64Counter("udml.turn.accepted",
		metric.WithDescription("Turns admitted by acceptTurn"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsDuplicate, err = meter.Int64Counter("udml.turn.duplicate",
		metric.WithDescription("Inbound messages rejected as duplicates by acceptTurn"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsFinalized, err = meter.Int64Counter("udml.turn.finalized",
		metric.WithDescription("Turns finalized, labeled by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDeliveryDuration, err = meter.Float64Histogram("udml.outbox.delivery.duration",
		metric.WithDescription("Outbound adapter delivery attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDeliveryAttempts, err = meter.Int64Counter("udml.outbox.delivery.attempts",
		metric.WithDescription("Outbox delivery attempts, labeled by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxDeliveryErrors, err = meter.Int64Counter("udml.outbox.delivery.errors",
		metric.WithDescription("Outbox delivery failures, labeled by error_class"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboxQueueDepth, err = meter.Int64UpDownCounter("udml.outbox.queue.depth",
		metric.WithDescription("Number of outbox rows currently queued or failed_retryable"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplyGeneratorDuration, err = meter.Float64Histogram("udml.replygen.duration",
		metric.WithDescription("Reply generator invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveredTurns, err = meter.Int64Counter("udml.turn.recovered",
		metric.WithDescription("Turns resumed by the turn-worker after a crash"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
