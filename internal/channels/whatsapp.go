package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
	"github.com/udml/gateway/internal/replygen"
)

const whatsappTextChunkLimit = 65536

// WhatsAppChannel is a multi-device WhatsApp channel backed by whatsmeow.
// Its device/session state lives in its own sqlite file next to the
// message lifecycle store, keeping whatsmeow's own schema out of
// application tables.
type WhatsAppChannel struct {
	dbPath string
	qrPath string

	driver    *dispatch.Driver
	generator replygen.Generator
	logger    *slog.Logger

	client *whatsmeow.Client
}

// NewWhatsAppChannel creates a new WhatsApp channel. dbPath is the sqlite
// file whatsmeow's device store lives in; qrPath, if set, receives the
// pairing QR as a file instead of stdout.
func NewWhatsAppChannel(dbPath, qrPath string, driver *dispatch.Driver, generator replygen.Generator, logger *slog.Logger) *WhatsAppChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsAppChannel{dbPath: dbPath, qrPath: qrPath, driver: driver, generator: generator, logger: logger}
}

func (w *WhatsAppChannel) Name() string { return "whatsapp" }

// Adapter returns the outbound contract for registration with a Registry.
func (w *WhatsAppChannel) Adapter() *Adapter {
	return NewV2Adapter("whatsapp", DeliveryModeDirect, ChunkerModeText, whatsappTextChunkLimit, 0, false, w.sendFinal, w.logger)
}

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	dsn := "file:" + w.dbPath + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return fmt.Errorf("whatsapp: init device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	w.client = whatsmeow.NewClient(deviceStore, clientLog)
	w.client.AddEventHandler(w.eventHandler)

	if w.client.Store.ID == nil {
		if err := w.pair(ctx); err != nil {
			return err
		}
	} else if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}

	w.logger.Info("whatsapp client connected")

	<-ctx.Done()
	w.client.Disconnect()
	return nil
}

// pair runs the QR-code login flow for a device with no existing session.
func (w *WhatsAppChannel) pair(ctx context.Context) error {
	qrChan, _ := w.client.GetQRChannel(ctx)
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect during pairing: %w", err)
	}

	writer := os.Stdout
	if w.qrPath != "" {
		f, err := os.Create(w.qrPath)
		if err != nil {
			return fmt.Errorf("whatsapp: create qr output file: %w", err)
		}
		defer f.Close()
		for evt := range qrChan {
			if evt.Event == "code" {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, f)
			} else {
				w.logger.Info("whatsapp login event", "event", evt.Event)
			}
		}
		return nil
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		} else {
			w.logger.Info("whatsapp login event", "event", evt.Event)
		}
	}
	return nil
}

// eventHandler normalizes an inbound whatsmeow message event into a
// canonical MsgContext and drives it through the dispatch driver.
func (w *WhatsAppChannel) eventHandler(evt interface{}) {
	msgEvt, ok := evt.(*events.Message)
	if !ok {
		return
	}
	if msgEvt.Info.IsFromMe {
		return
	}

	body := msgEvt.Message.GetConversation()
	if body == "" {
		body = msgEvt.Message.GetExtendedTextMessage().GetText()
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}

	chatJID := msgEvt.Info.Chat.String()
	mc := msgctx.MsgContext{
		Body:               body,
		BodyForAgent:       body,
		BodyForCommands:    body,
		From:               msgEvt.Info.Sender.String(),
		To:                 chatJID,
		OriginatingChannel: "whatsapp",
		OriginatingTo:      chatJID,
		SessionKey:         "whatsapp:" + chatJID,
		MessageSid:         msgEvt.Info.ID,
		Provider:           "whatsapp",
		SenderId:           msgEvt.Info.Sender.User,
		Timestamp:          msgEvt.Info.Timestamp.Unix(),
		CommandSource:      msgctx.CommandSourceText,
	}

	ctx := context.Background()
	newDispatcher := func(turnID string, commandSource msgctx.CommandSource) *dispatch.Dispatcher {
		d := dispatch.New(turnID, commandSource, w.driver.Store())
		d.SetDirectSend(func(ctx context.Context, payload msgctx.ReplyPayload) error {
			_, err := w.sendFinal(ctx, chatJID, msgctx.DeliveryPayload{
				Channel:  "whatsapp",
				To:       chatJID,
				Payloads: []msgctx.ReplyPayload{payload},
			})
			return err
		})
		return d
	}

	if _, err := w.driver.DispatchInboundMessage(ctx, mc, newDispatcher, replygen.AsResolver(w.generator)); err != nil {
		w.logger.Error("whatsapp dispatch failed", "error", err, "chat", chatJID)
	}
}

// sendFinal is the v2 outbound adapter primitive. Media attachments are
// sent as a caption-prefixed text reference rather than a native media
// message: uploading to WhatsApp's media servers via client.Upload needs a
// fetched, mime-typed byte buffer this adapter has no use for yet, so it
// is left for a future iteration rather than half-implemented here.
func (w *WhatsAppChannel) sendFinal(ctx context.Context, target string, payload msgctx.DeliveryPayload) (SendResult, error) {
	jid, err := types.ParseJID(target)
	if err != nil {
		return SendResult{}, fmt.Errorf("whatsapp: invalid jid %q: %w", target, err)
	}

	var result SendResult
	for _, p := range payload.Payloads {
		text := p.Text
		if p.MediaUrl != "" {
			text = strings.TrimSpace(text + "\n" + p.MediaUrl)
		}
		if text == "" {
			continue
		}
		msg := &waE2E.Message{Conversation: proto.String(text)}
		resp, sendErr := w.client.SendMessage(ctx, jid, msg)
		if sendErr != nil {
			return result, fmt.Errorf("whatsapp: send message: %w", sendErr)
		}
		result = SendResult{ProviderMessageID: resp.ID}
	}
	return result, nil
}
