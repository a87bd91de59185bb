package webchat

import (
	"encoding/json"
	"strings"
	"time"

	"convo-engine/internal/channel"
)

// Inbound is the embedded widget's message payload.
type Inbound struct {
	ChannelOriginID string `json:"channel_origin_id"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name,omitempty"`
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// Adapter normalizes webchat JSON payloads. Replies are returned inline.
type Adapter struct {
	Now func() time.Time
}

func NewAdapter() *Adapter { return &Adapter{Now: time.Now} }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Kind: channel.KindWebchat, Label: "Webchat", IdentifierKind: channel.IdentifierWebchatUser}
}

func (a *Adapter) Normalize(raw []byte) ([]channel.CanonicalMessage, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, channel.Invalid(channel.KindWebchat, "body is not valid json")
	}
	in.ChannelOriginID = strings.TrimSpace(in.ChannelOriginID)
	in.SenderID = strings.TrimSpace(in.SenderID)

	var issues []string
	if in.ChannelOriginID == "" {
		issues = append(issues, "channel_origin_id is required")
	}
	if in.SenderID == "" {
		issues = append(issues, "sender_id is required")
	}
	if strings.TrimSpace(in.Text) == "" {
		issues = append(issues, "text is required")
	}
	if len(issues) > 0 {
		return nil, channel.Invalid(channel.KindWebchat, issues...)
	}

	return []channel.CanonicalMessage{{
		Channel:           channel.KindWebchat,
		ChannelOriginID:   in.ChannelOriginID,
		SenderID:          in.SenderID,
		SenderDisplayName: strings.TrimSpace(in.SenderName),
		Text:              in.Text,
		ExternalID:        in.ClientMessageID,
		ReceivedAt:        a.Now().UTC(),
	}}, nil
}
