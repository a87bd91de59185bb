package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"convo-engine/internal/channel"
)

// Cloud API webhook envelope (subset).
type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string `json:"field"`
	Value value  `json:"value"`
}

type value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         metadata  `json:"metadata"`
	Contacts         []contact `json:"contacts"`
	Messages         []message `json:"messages"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type media struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *media `json:"image"`
	Audio    *media `json:"audio"`
	Video    *media `json:"video"`
	Document *media `json:"document"`
	Sticker  *media `json:"sticker"`
}

// Adapter normalizes WhatsApp Cloud API webhooks.
type Adapter struct {
	Now func() time.Time
}

func NewAdapter() *Adapter { return &Adapter{Now: time.Now} }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Kind: channel.KindWhatsApp, Label: "WhatsApp", IdentifierKind: channel.IdentifierPhone}
}

func (a *Adapter) Normalize(raw []byte) ([]channel.CanonicalMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, channel.Invalid(channel.KindWhatsApp, "body is not valid json")
	}
	if env.Object != "whatsapp_business_account" {
		return nil, channel.Invalid(channel.KindWhatsApp, fmt.Sprintf("unexpected object %q", env.Object))
	}

	var out []channel.CanonicalMessage
	for _, e := range env.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "messages" {
				continue
			}
			v := ch.Value
			if v.Metadata.PhoneNumberID == "" && len(v.Messages) > 0 {
				return nil, channel.Invalid(channel.KindWhatsApp, "metadata.phone_number_id is required")
			}
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = strings.TrimSpace(c.Profile.Name)
			}
			for _, m := range v.Messages {
				if m.From == "" {
					return nil, channel.Invalid(channel.KindWhatsApp, "message.from is required")
				}
				text, mediaRef := content(m)
				out = append(out, channel.CanonicalMessage{
					Channel:           channel.KindWhatsApp,
					ChannelOriginID:   v.Metadata.PhoneNumberID,
					SenderID:          m.From,
					SenderDisplayName: names[m.From],
					Text:              text,
					MediaRef:          mediaRef,
					ExternalID:        m.ID,
					ReceivedAt:        a.receivedAt(m.Timestamp),
				})
			}
		}
	}
	return out, nil
}

func content(m message) (string, string) {
	if m.Type == "text" && m.Text != nil {
		return m.Text.Body, ""
	}
	for _, md := range []*media{m.Image, m.Audio, m.Video, m.Document, m.Sticker} {
		if md == nil {
			continue
		}
		if md.Caption != "" {
			return md.Caption, md.ID
		}
		return fmt.Sprintf("[Non-text message: %s]", m.Type), md.ID
	}
	return fmt.Sprintf("[Non-text message: %s]", m.Type), ""
}

func (a *Adapter) receivedAt(ts string) time.Time {
	if sec, err := strconv.ParseInt(ts, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// VerifySignature checks X-Hub-Signature-256 against the app secret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyChallenge answers the subscription handshake. ok is false when the
// mode or token do not match.
func VerifyChallenge(verifyToken, mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || token != verifyToken {
		return "", false
	}
	return challenge, true
}
