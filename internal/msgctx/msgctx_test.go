package msgctx

import "testing"

func TestDedupeKey_ComputedFromProviderAndSid(t *testing.T) {
	c := MsgContext{
		OriginatingChannel: "Telegram",
		AccountId:          "bot1",
		SessionKey:         "telegram:123",
		OriginatingTo:      "123",
		MessageSid:         "msg-1",
	}
	key := DedupeKey(c)
	if key == "" {
		t.Fatal("expected non-empty dedupe key")
	}
	// Recomputing from the same context yields the same key.
	if got := DedupeKey(c); got != key {
		t.Fatalf("dedupe key not stable: %q != %q", got, key)
	}
}

func TestDedupeKey_NullWhenProviderMissing(t *testing.T) {
	c := MsgContext{MessageSid: "msg-1"}
	if got := DedupeKey(c); got != "" {
		t.Fatalf("expected empty dedupe key without provider, got %q", got)
	}
}

func TestDedupeKey_NullWhenMessageSidMissing(t *testing.T) {
	c := MsgContext{OriginatingChannel: "telegram"}
	if got := DedupeKey(c); got != "" {
		t.Fatalf("expected empty dedupe key without message sid, got %q", got)
	}
}

func TestDedupeKey_DiffersAcrossThreads(t *testing.T) {
	base := MsgContext{
		OriginatingChannel: "slack",
		SessionKey:         "slack:42",
		OriginatingTo:      "C1",
		MessageSid:         "m1",
	}
	a := base
	a.ThreadId = "t1"
	b := base
	b.ThreadId = "t2"
	if DedupeKey(a) == DedupeKey(b) {
		t.Fatal("expected different dedupe keys for different threads")
	}
}

func TestThreadIdString_NumericVariants(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{float64(42), "42"},
		{int64(7), "7"},
		{int(3), "3"},
	}
	for _, tc := range cases {
		c := MsgContext{ThreadId: tc.in}
		if got := c.ThreadIdString(); got != tc.want {
			t.Fatalf("ThreadIdString(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEncodeDecodePayload_RoundTrip(t *testing.T) {
	c := MsgContext{
		Body:               "hello",
		OriginatingChannel: "telegram",
		SessionKey:         "telegram:1",
		MessageSid:         "m1",
	}
	encoded, err := EncodePayload(c)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.Body != c.Body || decoded.SessionKey != c.SessionKey {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, c)
	}
}

func TestDecodePayload_AcceptsLegacyKeys(t *testing.T) {
	legacy := `{"origChannel":"telegram","sid":"m1","session":"telegram:1","body":"hi"}`
	decoded, err := DecodePayload(legacy)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.OriginatingChannel != "telegram" {
		t.Fatalf("expected originatingChannel from legacy origChannel, got %q", decoded.OriginatingChannel)
	}
	if decoded.MessageSid != "m1" {
		t.Fatalf("expected messageSid from legacy sid, got %q", decoded.MessageSid)
	}
	if decoded.SessionKey != "telegram:1" {
		t.Fatalf("expected sessionKey from legacy session, got %q", decoded.SessionKey)
	}
}

func TestResolveRouteTarget(t *testing.T) {
	c := MsgContext{
		OriginatingChannel: "telegram",
		OriginatingTo:      "555",
		AccountId:          "bot1",
		ReplyToId:          "r1",
	}
	rt := ResolveRouteTarget(c)
	if rt.Channel != "telegram" || rt.To != "555" || rt.AccountId != "bot1" || rt.ReplyToId != "r1" {
		t.Fatalf("unexpected route target: %+v", rt)
	}
}

func TestDeliveryPayload_RoundTrip(t *testing.T) {
	p := DeliveryPayload{
		Channel:  "telegram",
		To:       "555",
		Payloads: []ReplyPayload{{Text: "hi"}},
	}
	encoded, err := EncodeDeliveryPayload(p)
	if err != nil {
		t.Fatalf("EncodeDeliveryPayload: %v", err)
	}
	decoded, err := DecodeDeliveryPayload(encoded)
	if err != nil {
		t.Fatalf("DecodeDeliveryPayload: %v", err)
	}
	if len(decoded.Payloads) != 1 || decoded.Payloads[0].Text != "hi" {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}
}
