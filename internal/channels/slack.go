package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/replygen"
)

const slackTextChunkLimit = 3000

// SlackChannel is a Slack Events API integration. Unlike Telegram and
// WhatsApp it has no long-poll loop of its own: Start only verifies the
// token (AuthTest) and otherwise blocks, since Slack delivers events over
// an inbound webhook that an operator wires to HandleEvent out of band
// (the HTTP transport for that webhook lives outside the dispatch core).
type SlackChannel struct {
	botToken string

	driver    *dispatch.Driver
	generator replygen.Generator
	logger    *slog.Logger

	client *slack.Client
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel(botToken string, driver *dispatch.Driver, generator replygen.Generator, logger *slog.Logger) *SlackChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackChannel{
		botToken:  botToken,
		driver:    driver,
		generator: generator,
		logger:    logger,
		client:    slack.New(botToken),
	}
}

func (s *SlackChannel) Name() string { return "slack" }

// Adapter returns the outbound contract for registration with a Registry.
// Slack is wired through the legacy v1 sendText/sendMedia shape and
// normalized to v2 by NewV1Adapter, per the boundary normalizer's
// documented synthesis path.
func (s *SlackChannel) Adapter() *Adapter {
	return NewV1Adapter("slack", DeliveryModeDirect, ChunkerModeText, slackTextChunkLimit, 0, V1Send{
		SendText:  s.sendText,
		SendMedia: s.sendMedia,
	}, s.logger)
}

func (s *SlackChannel) Start(ctx context.Context) error {
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack: auth test failed: %w", err)
	}
	s.logger.Info("slack channel ready, awaiting events via HandleEvent")
	<-ctx.Done()
	return nil
}

// HandleEvent normalizes one parsed Slack Events API callback into a
// canonical MsgContext and drives it through the dispatch driver. The
// caller (an operator-wired HTTP handler verifying the Slack signing
// secret) is responsible for parsing the raw webhook body into this
// event value before calling in.
func (s *SlackChannel) HandleEvent(ctx context.Context, outer slackevents.EventsAPIEvent) {
	if outer.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := outer.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		s.handleMessageEvent(ctx, ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	case *slackevents.AppMentionEvent:
		s.handleMessageEvent(ctx, ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp)
	}
}

func (s *SlackChannel) handleMessageEvent(ctx context.Context, channel, user, text, ts, threadTS string) {
	if text == "" || channel == "" {
		return
	}

	mc := msgctx.MsgContext{
		Body:               text,
		BodyForAgent:       text,
		BodyForCommands:    text,
		From:               user,
		To:                 channel,
		OriginatingChannel: "slack",
		OriginatingTo:      channel,
		SessionKey:         "slack:" + channel,
		MessageSid:         ts,
		Provider:           "slack",
		SenderId:           user,
		ReplyToId:          threadTS,
		CommandSource:      msgctx.CommandSourceText,
	}
	if threadTS != "" {
		mc.ThreadId = threadTS
	}

	newDispatcher := func(turnID string, commandSource msgctx.CommandSource) *dispatch.Dispatcher {
		d := dispatch.New(turnID, commandSource, s.driver.Store())
		d.SetDirectSend(func(ctx context.Context, payload msgctx.ReplyPayload) error {
			_, err := s.sendText(ctx, channel, payload.Text)
			return err
		})
		return d
	}

	if _, err := s.driver.DispatchInboundMessage(ctx, mc, newDispatcher, replygen.AsResolver(s.generator)); err != nil {
		s.logger.Error("slack dispatch failed", "error", err, "channel", channel)
	}
}

// sendText is the v1 text primitive the boundary normalizer synthesizes
// sendFinal from.
func (s *SlackChannel) sendText(ctx context.Context, target, text string) (SendResult, error) {
	_, ts, err := s.client.PostMessageContext(ctx, target, slack.MsgOptionText(text, false))
	if err != nil {
		return SendResult{}, fmt.Errorf("slack: post message: %w", err)
	}
	return SendResult{ProviderMessageID: ts}, nil
}

// sendMedia is the v1 media primitive. Slack has no URL-attachment
// primitive comparable to Telegram/WhatsApp media messages; it requires
// uploading file bytes via files.upload, so this degrades to posting the
// URL as a link, same texture as the adapter's text path.
func (s *SlackChannel) sendMedia(ctx context.Context, target, mediaURL string) (SendResult, error) {
	return s.sendText(ctx, target, mediaURL)
}
