package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/replygen"
)

const twilioTextChunkLimit = 1600

// TwilioChannel sends SMS/WhatsApp-via-Twilio messages through the
// Messages REST resource. Like Slack, inbound delivery arrives over a
// webhook an operator wires externally; HandleWebhook normalizes the
// parsed form body into a turn.
type TwilioChannel struct {
	from string

	driver    *dispatch.Driver
	generator replygen.Generator
	logger    *slog.Logger

	client *twilio.RestClient
}

// NewTwilioChannel creates a new Twilio channel. from is the Twilio-side
// sender address (e.g. "+15551234567" or "whatsapp:+15551234567").
func NewTwilioChannel(accountSID, authToken, from string, driver *dispatch.Driver, generator replygen.Generator, logger *slog.Logger) *TwilioChannel {
	if logger == nil {
		logger = slog.Default()
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioChannel{
		from:      from,
		driver:    driver,
		generator: generator,
		logger:    logger,
		client:    client,
	}
}

func (t *TwilioChannel) Name() string { return "twilio" }

// Adapter returns the outbound contract for registration with a Registry.
// Twilio's Messages resource accepts a body-level idempotency token, so
// this is the one adapter with SupportsIdempotencyKey set, exercising the
// outbox's partial unique index on idempotency_key.
func (t *TwilioChannel) Adapter() *Adapter {
	return NewV2Adapter("twilio", DeliveryModeDirect, ChunkerModeText, twilioTextChunkLimit, 0, true, t.sendFinal, t.logger)
}

// Twilio has no long-lived connection of its own; Start only blocks until
// shutdown, mirroring Slack's webhook-driven shape.
func (t *TwilioChannel) Start(ctx context.Context) error {
	t.logger.Info("twilio channel ready, awaiting inbound via HandleWebhook")
	<-ctx.Done()
	return nil
}

// HandleWebhook normalizes one parsed Twilio inbound-message webhook body
// into a canonical MsgContext and drives it through the dispatch driver.
// form holds the standard Twilio request parameters (Body, From, To,
// MessageSid); the caller is responsible for verifying the X-Twilio-Signature
// header before calling in.
func (t *TwilioChannel) HandleWebhook(ctx context.Context, form url.Values) {
	body := form.Get("Body")
	from := form.Get("From")
	sid := form.Get("MessageSid")
	if body == "" || from == "" {
		return
	}

	mc := msgctx.MsgContext{
		Body:               body,
		BodyForAgent:       body,
		BodyForCommands:    body,
		From:               from,
		To:                 form.Get("To"),
		OriginatingChannel: "twilio",
		OriginatingTo:      from,
		SessionKey:         "twilio:" + from,
		MessageSid:         sid,
		Provider:           "twilio",
		SenderId:           from,
		CommandSource:      msgctx.CommandSourceText,
	}

	newDispatcher := func(turnID string, commandSource msgctx.CommandSource) *dispatch.Dispatcher {
		d := dispatch.New(turnID, commandSource, t.driver.Store())
		d.SetDirectSend(func(ctx context.Context, payload msgctx.ReplyPayload) error {
			_, err := t.sendFinal(ctx, from, msgctx.DeliveryPayload{
				Channel:  "twilio",
				To:       from,
				Payloads: []msgctx.ReplyPayload{payload},
			})
			return err
		})
		return d
	}

	if _, err := t.driver.DispatchInboundMessage(ctx, mc, newDispatcher, replygen.AsResolver(t.generator)); err != nil {
		t.logger.Error("twilio dispatch failed", "error", err, "from", from)
	}
}

// sendFinal is the v2 outbound adapter primitive: one Messages resource
// call per delivery attempt. A media URL, when present, is attached via
// MediaUrl rather than inlined as text, since the Messages resource
// supports it natively.
func (t *TwilioChannel) sendFinal(ctx context.Context, target string, payload msgctx.DeliveryPayload) (SendResult, error) {
	var result SendResult
	for _, p := range payload.Payloads {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(target)
		params.SetFrom(t.from)
		if p.Text != "" {
			params.SetBody(p.Text)
		}
		if p.MediaUrl != "" {
			params.SetMediaUrl([]string{p.MediaUrl})
		} else if len(p.MediaUrls) > 0 {
			params.SetMediaUrl(p.MediaUrls)
		}

		resp, err := t.client.Api.CreateMessage(params)
		if err != nil {
			return result, fmt.Errorf("twilio: create message: %w", err)
		}
		if resp.Sid != nil {
			result = SendResult{ProviderMessageID: *resp.Sid}
		}
	}
	return result, nil
}
