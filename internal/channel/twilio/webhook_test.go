package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"

	"convo-engine/internal/channel"
)

func TestNormalize_WhatsAppForm(t *testing.T) {
	body := "MessageSid=SM123&From=whatsapp%3A%2B5215512345678&To=whatsapp%3A%2B15557654321&Body=Hola&ProfileName=Ana"
	msgs, err := NewAdapter().Normalize([]byte(body))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.SenderID != "+5215512345678" || m.ChannelOriginID != "+15557654321" {
		t.Fatalf("unexpected from/to: %q %q", m.SenderID, m.ChannelOriginID)
	}
	if m.Text != "Hola" || m.SenderDisplayName != "Ana" || m.ExternalID != "SM123" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.SenderLabel != "WhatsApp" {
		t.Fatalf("expected WhatsApp sender label, got %q", m.SenderLabel)
	}
}

func TestNormalize_SMSKeepsDescriptorLabel(t *testing.T) {
	msgs, err := NewAdapter().Normalize([]byte("MessageSid=SM9&From=%2B15551230000&To=%2B15557654321&Body=hi"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if msgs[0].SenderLabel != "" {
		t.Fatalf("expected no label override for SMS, got %q", msgs[0].SenderLabel)
	}
}

func TestNormalize_MissingFields(t *testing.T) {
	_, err := NewAdapter().Normalize([]byte("Body=hi"))
	if !errors.Is(err, channel.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	var ve *channel.ValidationError
	if !errors.As(err, &ve) || len(ve.Issues) != 2 {
		t.Fatalf("expected two issues, got %v", err)
	}
}

func TestRenderReply(t *testing.T) {
	out, err := RenderReply("Hola <Ana>")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "<Message>Hola &lt;Ana&gt;</Message>") {
		t.Fatalf("unexpected twiml: %s", out)
	}
	empty, err := RenderReply("")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(empty, "<Message>") {
		t.Fatalf("expected no message verb: %s", empty)
	}
}

func TestValidSignature(t *testing.T) {
	form := url.Values{"Body": {"Hola"}, "From": {"+1"}, "To": {"+2"}}
	u := "https://example.test/webhooks/twilio"

	mac := hmac.New(sha1.New, []byte("token"))
	mac.Write([]byte(u + "BodyHolaFrom+1To+2"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !ValidSignature("token", u, form, sig) {
		t.Fatalf("expected valid signature")
	}
	if ValidSignature("token", u+"?x=1", form, sig) {
		t.Fatalf("expected mismatch for a different url")
	}
	if ValidSignature("", u, form, sig) {
		t.Fatalf("expected mismatch without token")
	}
}
