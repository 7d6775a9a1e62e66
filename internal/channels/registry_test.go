package channels_test

import (
	"context"
	"strings"
	"testing"

	"github.com/udml/gateway/internal/channels"
	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/store"
)

func TestRegistry_DeliverUnregisteredChannelReportsOutboundNotConfigured(t *testing.T) {
	r := channels.NewRegistry()

	payload, err := msgctx.EncodeDeliveryPayload(msgctx.DeliveryPayload{Channel: "discord", To: "555"})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	row := store.OutboxRow{ID: "row-1", Channel: "discord", Target: "555", Payload: payload}

	err = r.Deliver(context.Background(), row)
	if err == nil {
		t.Fatal("expected an error for an unregistered channel")
	}
	// store.IsPermanentDeliveryError matches against this exact substring to
	// classify an unregistered-channel delivery as permanent rather than
	// burning the full retry backoff.
	if !strings.Contains(err.Error(), "outbound not configured for channel") {
		t.Fatalf("expected error to contain the permanent-error pattern, got %q", err.Error())
	}
	if !store.IsPermanentDeliveryError(err) {
		t.Fatal("expected this error to classify as a permanent delivery error")
	}
}

func TestRegistry_SupportsIdempotencyKey(t *testing.T) {
	r := channels.NewRegistry()
	r.Register(channels.NewV2Adapter("twilio", channels.DeliveryModeDirect, channels.ChunkerModeText, 1600, 0, true,
		func(context.Context, string, msgctx.DeliveryPayload) (channels.SendResult, error) {
			return channels.SendResult{}, nil
		}, nil))
	r.Register(channels.NewV2Adapter("telegram", channels.DeliveryModeDirect, channels.ChunkerModeNone, 0, 0, false,
		func(context.Context, string, msgctx.DeliveryPayload) (channels.SendResult, error) {
			return channels.SendResult{}, nil
		}, nil))

	if !r.SupportsIdempotencyKey("twilio") {
		t.Fatal("expected twilio to support an idempotency key")
	}
	if r.SupportsIdempotencyKey("telegram") {
		t.Fatal("expected telegram not to support an idempotency key")
	}
	if r.SupportsIdempotencyKey("nonexistent") {
		t.Fatal("expected an unregistered channel to report no idempotency support")
	}
}
