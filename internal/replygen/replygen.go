// Package replygen defines the narrow boundary between the dispatch driver
// and whatever produces a reply for a turn. The actual generation logic
// (LLM orchestration, tool calling, skills) is out of scope for this
// repository; this package only fixes the contract the dispatcher drives
// against, plus a default implementation suitable for smoke-testing a
// channel adapter end to end.
package replygen

import (
	"context"
	"fmt"
	"strings"

	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
)

// Generator produces a reply for an inbound turn, emitting through the
// dispatcher as it goes. It is invoked at most once per turn (resumed
// turns re-invoke it from scratch; there is no partial-generation resume
// within a single call). Implementations should treat ctx cancellation as
// a request to stop emitting and return promptly.
type Generator interface {
	Generate(ctx context.Context, mc msgctx.MsgContext, d *dispatch.Dispatcher) error
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, mc msgctx.MsgContext, d *dispatch.Dispatcher) error

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, mc msgctx.MsgContext, d *dispatch.Dispatcher) error {
	return f(ctx, mc, d)
}

// AsResolver adapts a Generator to the dispatch.ReplyResolver signature the
// driver expects.
func AsResolver(g Generator) dispatch.ReplyResolver {
	return func(ctx context.Context, mc msgctx.MsgContext, d *dispatch.Dispatcher) error {
		return g.Generate(ctx, mc, d)
	}
}

// Echo is the default Generator: it sends the inbound body straight back
// as the final reply. It exists to exercise the full turn/outbox lifecycle
// against a real channel adapter without wiring an actual orchestration
// layer.
type Echo struct {
	// Prefix is prepended to the echoed body, e.g. "echo: ". Empty by
	// default.
	Prefix string
}

// Generate implements Generator.
func (e Echo) Generate(ctx context.Context, mc msgctx.MsgContext, d *dispatch.Dispatcher) error {
	body := strings.TrimSpace(mc.Body)
	if body == "" {
		body = "(empty message)"
	}
	return d.SendFinalReply(ctx, msgctx.ReplyPayload{Text: e.Prefix + body})
}

// CommandOnly is a Generator for turns that never produce a final reply
// (e.g. a reaction-only command, or a native interaction acknowledged
// through its own ephemeral channel mechanism). It only emits a
// non-durable tool-result acknowledgement.
type CommandOnly struct{}

// Generate implements Generator.
func (CommandOnly) Generate(ctx context.Context, _ msgctx.MsgContext, d *dispatch.Dispatcher) error {
	return d.SendToolResult(ctx, "ok")
}

// ErrUnsupportedChannel is returned by generators that restrict themselves
// to a subset of channels.
var ErrUnsupportedChannel = fmt.Errorf("replygen: unsupported channel")
