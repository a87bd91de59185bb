package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
	"time"

	"convo-engine/internal/channel"
)

// InboundForm captures the subset of Messaging webhook fields the engine uses.
// Twilio sends application/x-www-form-urlencoded.
type InboundForm struct {
	MessageSid  string
	AccountSid  string
	From        string
	To          string
	Body        string
	ProfileName string
	NumMedia    string
	MediaURL0   string
	// WhatsApp is set when the sender wrote through Twilio's WhatsApp sender.
	WhatsApp bool
}

// ParseInbound parses a form-encoded Messaging webhook body.
func ParseInbound(raw []byte) (InboundForm, error) {
	v, err := url.ParseQuery(string(raw))
	if err != nil {
		return InboundForm{}, err
	}
	return InboundForm{
		MessageSid:  v.Get("MessageSid"),
		AccountSid:  v.Get("AccountSid"),
		From:        normalizeAddress(v.Get("From")),
		To:          normalizeAddress(v.Get("To")),
		Body:        v.Get("Body"),
		ProfileName: strings.TrimSpace(v.Get("ProfileName")),
		NumMedia:    v.Get("NumMedia"),
		MediaURL0:   v.Get("MediaUrl0"),
		WhatsApp:    strings.HasPrefix(strings.TrimSpace(v.Get("From")), "whatsapp:"),
	}, nil
}

// normalizeAddress strips the transport prefix Twilio puts on WhatsApp numbers.
func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range []string{"whatsapp:", "messenger:"} {
		s = strings.TrimPrefix(s, p)
	}
	return s
}

// Adapter normalizes Twilio Messaging (SMS and WhatsApp) webhooks.
type Adapter struct {
	Now func() time.Time
}

func NewAdapter() *Adapter { return &Adapter{Now: time.Now} }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Kind: channel.KindTwilio, Label: "SMS", IdentifierKind: channel.IdentifierPhone}
}

func (a *Adapter) Normalize(raw []byte) ([]channel.CanonicalMessage, error) {
	f, err := ParseInbound(raw)
	if err != nil {
		return nil, channel.Invalid(channel.KindTwilio, "body is not form-encoded")
	}
	var issues []string
	if f.To == "" {
		issues = append(issues, "To is required")
	}
	if f.From == "" {
		issues = append(issues, "From is required")
	}
	if f.Body == "" && f.MediaURL0 == "" {
		issues = append(issues, "Body or media is required")
	}
	if len(issues) > 0 {
		return nil, channel.Invalid(channel.KindTwilio, issues...)
	}

	text := f.Body
	if text == "" {
		text = "[Non-text message: media]"
	}
	var label string
	if f.WhatsApp {
		label = "WhatsApp"
	}
	return []channel.CanonicalMessage{{
		Channel:           channel.KindTwilio,
		ChannelOriginID:   f.To,
		SenderID:          f.From,
		SenderDisplayName: f.ProfileName,
		Text:              text,
		MediaRef:          f.MediaURL0,
		ExternalID:        f.MessageSid,
		ReceivedAt:        a.Now().UTC(),
		SenderLabel:       label,
	}}, nil
}

// ValidSignature checks X-Twilio-Signature: base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func ValidSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
