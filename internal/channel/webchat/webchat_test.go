package webchat

import (
	"errors"
	"testing"

	"convo-engine/internal/channel"
)

func TestNormalize(t *testing.T) {
	msgs, err := NewAdapter().Normalize([]byte(`{"channel_origin_id":"widget-1","sender_id":"u-1","sender_name":" Ana ","text":"Hola"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message")
	}
	m := msgs[0]
	if m.Channel != channel.KindWebchat || m.ChannelOriginID != "widget-1" || m.SenderID != "u-1" || m.SenderDisplayName != "Ana" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestNormalize_RejectsBlankText(t *testing.T) {
	_, err := NewAdapter().Normalize([]byte(`{"channel_origin_id":"widget-1","sender_id":"u-1","text":"   "}`))
	if !errors.Is(err, channel.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}
