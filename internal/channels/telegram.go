package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/replygen"
)

const telegramTextChunkLimit = 4096

// TelegramChannel is both an inbound Channel (long-polls updates, admits
// each as a turn) and the source of an outbound Adapter (sends a queued
// delivery back through the same bot connection).
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	driver     *dispatch.Driver
	generator  replygen.Generator
	logger     *slog.Logger

	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel. driver and generator
// may be nil for tests that only exercise Name()/allowlist construction.
func NewTelegramChannel(token string, allowedIDs []int64, driver *dispatch.Driver, generator replygen.Generator, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		driver:     driver,
		generator:  generator,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Adapter returns the outbound contract for registration with a Registry.
func (t *TelegramChannel) Adapter() *Adapter {
	return NewV2Adapter("telegram", DeliveryModeDirect, ChunkerModeText, telegramTextChunkLimit, 10, false, t.sendFinal, t.logger)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
			}
			go t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage normalizes an inbound Telegram message into a canonical
// MsgContext and drives it through the dispatch driver.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	body := strings.TrimSpace(msg.Text)
	if body == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	mc := msgctx.MsgContext{
		Body:               body,
		BodyForAgent:       body,
		BodyForCommands:    body,
		From:               strconv.FormatInt(msg.From.ID, 10),
		To:                 chatID,
		OriginatingChannel: "telegram",
		OriginatingTo:      chatID,
		SessionKey:         fmt.Sprintf("telegram:%d", msg.Chat.ID),
		AccountId:          t.bot.Self.UserName,
		MessageSid:         strconv.Itoa(msg.MessageID),
		ChatType:           msg.Chat.Type,
		Provider:           "telegram",
		SenderId:           strconv.FormatInt(msg.From.ID, 10),
		SenderName:         msg.From.FirstName,
		SenderUsername:     msg.From.UserName,
		IsForum:            msg.Chat.IsForum,
		CommandSource:      msgctx.CommandSourceText,
		Timestamp:          int64(msg.Date),
	}
	if msg.MessageThreadID != 0 {
		mc.ThreadId = msg.MessageThreadID
	}

	newDispatcher := func(turnID string, commandSource msgctx.CommandSource) *dispatch.Dispatcher {
		d := dispatch.New(turnID, commandSource, t.driver.Store())
		d.SetDirectSend(func(ctx context.Context, payload msgctx.ReplyPayload) error {
			_, err := t.sendFinal(ctx, chatID, msgctx.DeliveryPayload{
				Channel:  "telegram",
				To:       chatID,
				Payloads: []msgctx.ReplyPayload{payload},
			})
			return err
		})
		return d
	}

	if _, err := t.driver.DispatchInboundMessage(ctx, mc, newDispatcher, replygen.AsResolver(t.generator)); err != nil {
		t.logger.Error("telegram dispatch failed", "error", err, "chat_id", msg.Chat.ID)
	}
}

// sendFinal is the v2 outbound adapter primitive: one Telegram API call
// per delivery attempt. Long bodies are split at telegramTextChunkLimit,
// one message per chunk, since Telegram rejects oversized text.
func (t *TelegramChannel) sendFinal(ctx context.Context, target string, payload msgctx.DeliveryPayload) (SendResult, error) {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram: invalid chat id %q: %w", target, err)
	}

	var result SendResult
	for _, p := range payload.Payloads {
		if p.MediaUrl != "" {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(p.MediaUrl))
			if p.Text != "" {
				photo.Caption = p.Text
			}
			sent, sendErr := t.bot.Send(photo)
			if sendErr != nil {
				return result, fmt.Errorf("telegram send photo: %w", sendErr)
			}
			result = SendResult{ProviderMessageID: strconv.Itoa(sent.MessageID)}
			continue
		}
		for _, chunk := range chunkText(p.Text, telegramTextChunkLimit) {
			msg := tgbotapi.NewMessage(chatID, chunk)
			if payload.Silent {
				msg.DisableNotification = true
			}
			sent, sendErr := t.bot.Send(msg)
			if sendErr != nil {
				return result, fmt.Errorf("telegram send message: %w", sendErr)
			}
			result = SendResult{ProviderMessageID: strconv.Itoa(sent.MessageID)}
		}
	}
	return result, nil
}

// chunkText splits a body into pieces no longer than limit runes, always
// returning at least one (possibly empty) chunk.
func chunkText(body string, limit int) []string {
	if limit <= 0 || len(body) <= limit {
		return []string{body}
	}
	runes := []rune(body)
	var chunks []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
