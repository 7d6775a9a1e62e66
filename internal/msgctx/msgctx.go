// Package msgctx defines the canonical inbound/outbound message shapes
// shared by channel adapters, the durable store, and the dispatch driver.
package msgctx

import (
	"encoding/json"
	"strconv"
	"strings"
)

// CommandSource distinguishes a text-typed command from one triggered by a
// native channel interaction (inline button, slash command menu). Native
// sources are interaction-scoped: their reply destination tokens are often
// ephemeral and must never be replayed outside the originating callback.
type CommandSource string

const (
	CommandSourceText   CommandSource = "text"
	CommandSourceNative CommandSource = "native"
)

// MsgContext is the canonical inbound message shape produced by a channel's
// inbound normalizer. Only the fields UDML itself reasons about are here;
// adapters are free to carry additional channel-specific data alongside it
// at the call site.
type MsgContext struct {
	Body            string `json:"body"`
	BodyForAgent    string `json:"bodyForAgent"`
	BodyForCommands string `json:"bodyForCommands"`

	From string `json:"from"`
	To   string `json:"to"`

	OriginatingChannel string `json:"originatingChannel"`
	OriginatingTo      string `json:"originatingTo"`

	SessionKey string `json:"sessionKey"`
	AccountId  string `json:"accountId"`

	MessageSid     string `json:"messageSid"`
	MessageSidFull string `json:"messageSidFull"`
	ReplyToId      string `json:"replyToId"`

	ChatType string `json:"chatType"`
	Provider string `json:"provider"`
	Surface  string `json:"surface"`

	SenderId       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	SenderUsername string `json:"senderUsername"`
	SenderE164     string `json:"senderE164"`

	CommandAuthorized bool `json:"commandAuthorized"`
	WasMentioned      bool `json:"wasMentioned"`
	IsForum           bool `json:"isForum"`

	CommandSource CommandSource `json:"commandSource"`
	Timestamp     int64         `json:"timestamp"`

	// ThreadId may be a string or a numeric id at the wire level; callers
	// read it through ThreadIdString below.
	ThreadId interface{} `json:"threadId,omitempty"`
}

// ThreadIdString normalizes ThreadId to its string form, stringifying
// numeric values, matching the hydration rule in the dedupe key derivation.
func (c MsgContext) ThreadIdString() string {
	switch v := c.ThreadId.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// dedupeKeySeparator is a non-printable separator unlikely to appear in any
// channel-provided identity field.
const dedupeKeySeparator = "\x1f"

// DedupeKey computes the deterministic dedupe string for an inbound
// context, or "" when no dedupe is possible (missing provider or message
// sid). Mirrors the admission algorithm: provider resolves from
// OriginatingChannel, then Provider, then Surface (lowercased, trimmed);
// peer resolves from OriginatingTo, then To, then From, then SessionKey.
func DedupeKey(c MsgContext) string {
	provider := firstNonEmpty(c.OriginatingChannel, c.Provider, c.Surface)
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || c.MessageSid == "" {
		return ""
	}
	peer := firstNonEmpty(c.OriginatingTo, c.To, c.From, c.SessionKey)

	parts := []string{
		provider,
		c.AccountId,
		c.SessionKey,
		peer,
		c.ThreadIdString(),
		c.MessageSid,
	}
	return strings.Join(parts, dedupeKeySeparator)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// RouteTarget is the reply destination captured at admission time, so
// resume never re-derives it from a (possibly stale) hydrated context.
type RouteTarget struct {
	Channel    string `json:"channel"`
	To         string `json:"to"`
	AccountId  string `json:"accountId,omitempty"`
	ThreadId   string `json:"threadId,omitempty"`
	ReplyToId  string `json:"replyToId,omitempty"`
}

// ResolveRouteTarget derives the reply destination from an inbound context.
func ResolveRouteTarget(c MsgContext) RouteTarget {
	channel := firstNonEmpty(c.OriginatingChannel, c.Provider, c.Surface)
	to := firstNonEmpty(c.OriginatingTo, c.To, c.From)
	return RouteTarget{
		Channel:   strings.ToLower(strings.TrimSpace(channel)),
		To:        to,
		AccountId: c.AccountId,
		ThreadId:  c.ThreadIdString(),
		ReplyToId: c.ReplyToId,
	}
}

// EncodePayload serializes a MsgContext to the canonical JSON form stored
// in message_turns.payload.
func EncodePayload(c MsgContext) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// legacyAliases maps legacy lower-camelCase keys (and other historical
// spellings) to canonical MsgContext JSON field names, so hydration can
// accept payloads written by older adapter versions.
var legacyAliases = map[string]string{
	"origChannel": "originatingChannel",
	"origTo":      "originatingTo",
	"sid":         "messageSid",
	"session":     "sessionKey",
}

// DecodePayload parses a serialized payload into a MsgContext, accepting
// both current and legacy key spellings.
func DecodePayload(payload string) (MsgContext, error) {
	raw := make(map[string]interface{})
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return MsgContext{}, err
	}
	for legacy, canonical := range legacyAliases {
		if v, ok := raw[legacy]; ok {
			if _, exists := raw[canonical]; !exists {
				raw[canonical] = v
			}
		}
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return MsgContext{}, err
	}
	var ctx MsgContext
	if err := json.Unmarshal(normalized, &ctx); err != nil {
		return MsgContext{}, err
	}
	return ctx, nil
}

// ReplyPayload is one deliverable unit within an outbox row's payload.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaUrl  string   `json:"mediaUrl,omitempty"`
	MediaUrls []string `json:"mediaUrls,omitempty"`
	Poll      *Poll    `json:"poll,omitempty"`
	ReplyToId string   `json:"replyToId,omitempty"`
}

// Poll describes a channel poll attachment.
type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// DeliveryPayload is the full serialized message_outbox.payload shape.
type DeliveryPayload struct {
	Channel      string         `json:"channel"`
	To           string         `json:"to"`
	AccountId    string         `json:"accountId,omitempty"`
	Payloads     []ReplyPayload `json:"payloads"`
	ThreadId     string         `json:"threadId,omitempty"`
	ReplyToId    string         `json:"replyToId,omitempty"`
	BestEffort   bool           `json:"bestEffort,omitempty"`
	GifPlayback  bool           `json:"gifPlayback,omitempty"`
	Silent       bool           `json:"silent,omitempty"`
	Mirror       bool           `json:"mirror,omitempty"`
}

// EncodeDeliveryPayload serializes a DeliveryPayload for message_outbox.payload.
func EncodeDeliveryPayload(p DeliveryPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeDeliveryPayload parses a message_outbox.payload column.
func DecodeDeliveryPayload(payload string) (DeliveryPayload, error) {
	var p DeliveryPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return DeliveryPayload{}, err
	}
	return p, nil
}
