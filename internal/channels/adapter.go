// Package channels holds the boundary adapters: inbound normalizers that
// turn a provider's wire format into a canonical msgctx.MsgContext, and
// outbound adapters that turn an outbox row's DeliveryPayload into a
// provider API call.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/udml/gateway/internal/msgctx"
)

// DeliveryMode distinguishes a channel that can deliver straight from the
// outbox worker's own process (direct) from one that must be routed
// through some other gateway process. Every adapter in this repository is
// direct; the field exists so the worker's dispatch path does not need to
// special-case providers it doesn't carry yet.
type DeliveryMode string

const (
	DeliveryModeDirect  DeliveryMode = "direct"
	DeliveryModeGateway DeliveryMode = "gateway"
)

// ChunkerMode selects how a long text body is split across multiple
// provider messages when it exceeds TextChunkLimit.
type ChunkerMode string

const (
	ChunkerModeNone ChunkerMode = "none"
	ChunkerModeText ChunkerMode = "text"
)

// SendResult is the outcome of a single delivery attempt.
type SendResult struct {
	ProviderMessageID string
}

// V2Send is the canonical emission shape: one call per delivery attempt,
// given the full DeliveryPayload.
type V2Send func(ctx context.Context, target string, payload msgctx.DeliveryPayload) (SendResult, error)

// V1Send is the legacy shape some providers' adapters were originally
// written against: separate text and media primitives, one ReplyPayload
// entry at a time.
type V1Send struct {
	SendText  func(ctx context.Context, target, text string) (SendResult, error)
	SendMedia func(ctx context.Context, target, mediaURL string) (SendResult, error)
}

// Adapter is the outbound contract a channel registers with a Registry.
type Adapter struct {
	Name                   string
	DeliveryMode           DeliveryMode
	ChunkerMode            ChunkerMode
	TextChunkLimit         int
	PollMaxOptions         int
	SupportsIdempotencyKey bool

	send   V2Send
	warn   sync.Once
	logger *slog.Logger
}

// NewV2Adapter builds an adapter around a native sendFinal implementation.
func NewV2Adapter(name string, mode DeliveryMode, chunkerMode ChunkerMode, textChunkLimit, pollMaxOptions int, supportsIdempotencyKey bool, send V2Send, logger *slog.Logger) *Adapter {
	return &Adapter{
		Name:                   name,
		DeliveryMode:           mode,
		ChunkerMode:            chunkerMode,
		TextChunkLimit:         textChunkLimit,
		PollMaxOptions:         pollMaxOptions,
		SupportsIdempotencyKey: supportsIdempotencyKey,
		send:                   send,
		logger:                 logger,
	}
}

// NewV1Adapter synthesizes sendFinal from legacy sendText/sendMedia
// primitives: a payload entry with a media URL routes through SendMedia,
// otherwise through SendText. Multiple entries in one delivery are sent in
// order; the last result is returned. A v1 adapter never supports an
// idempotency key, since the legacy primitives have no body-level token.
func NewV1Adapter(name string, mode DeliveryMode, chunkerMode ChunkerMode, textChunkLimit, pollMaxOptions int, legacy V1Send, logger *slog.Logger) *Adapter {
	a := &Adapter{
		Name:           name,
		DeliveryMode:   mode,
		ChunkerMode:    chunkerMode,
		TextChunkLimit: textChunkLimit,
		PollMaxOptions: pollMaxOptions,
		logger:         logger,
	}
	a.send = func(ctx context.Context, target string, payload msgctx.DeliveryPayload) (SendResult, error) {
		a.warn.Do(func() {
			if a.logger != nil {
				a.logger.Warn("first use of legacy v1 channel adapter, synthesizing sendFinal from sendText/sendMedia", "channel", name)
			}
		})
		var last SendResult
		if len(payload.Payloads) == 0 {
			return last, fmt.Errorf("%s: empty delivery payload", name)
		}
		for _, p := range payload.Payloads {
			var err error
			switch {
			case p.MediaUrl != "":
				last, err = legacy.SendMedia(ctx, target, p.MediaUrl)
			case len(p.MediaUrls) > 0:
				last, err = legacy.SendMedia(ctx, target, p.MediaUrls[0])
			default:
				last, err = legacy.SendText(ctx, target, p.Text)
			}
			if err != nil {
				return last, err
			}
		}
		return last, nil
	}
	return a
}

// Send dispatches one delivery attempt through the adapter's sendFinal.
func (a *Adapter) Send(ctx context.Context, target string, payload msgctx.DeliveryPayload) (SendResult, error) {
	return a.send(ctx, target, payload)
}
