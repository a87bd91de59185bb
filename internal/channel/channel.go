package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind is the registered key an adapter is selected by.
type Kind string

const (
	KindWhatsApp Kind = "whatsapp"
	KindTwilio   Kind = "twilio"
	KindWebchat  Kind = "webchat"
)

// IdentifierKind names the namespace a sender id lives in. Transports that
// share an identifier kind resolve to the same Lead once the id has gone
// through Descriptor.Identifier.
type IdentifierKind string

const (
	IdentifierPhone       IdentifierKind = "phone"
	IdentifierWebchatUser IdentifierKind = "webchat_user"
)

var (
	ErrUnrecognizedChannel = errors.New("channel: unrecognized channel")
	ErrInvalidPayload      = errors.New("channel: invalid payload")
)

// ValidationError rejects a payload before identity resolution.
type ValidationError struct {
	Channel Kind
	Issues  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("channel %s: invalid payload: %s", e.Channel, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidPayload }

func Invalid(kind Kind, issues ...string) error {
	return &ValidationError{Channel: kind, Issues: issues}
}

// CanonicalMessage is the transport-independent inbound message.
type CanonicalMessage struct {
	Channel           Kind
	ChannelOriginID   string
	SenderID          string
	SenderDisplayName string
	Text              string
	MediaRef          string
	// ExternalID is the provider's message id when the transport has one.
	ExternalID string
	ReceivedAt time.Time
	// SenderLabel overrides the descriptor label in fallback lead names,
	// for transports that carry more than one network.
	SenderLabel string
}

// Descriptor describes a transport to the identity layer.
type Descriptor struct {
	Kind           Kind
	Label          string
	IdentifierKind IdentifierKind
}

// FallbackName is the Lead display name used when the sender gave none.
func (d Descriptor) FallbackName(senderID string) string {
	return fmt.Sprintf("%s user %s", d.Label, suffix(d.IdentifierKind, senderID))
}

// Identifier canonicalizes a sender id within its namespace. Phone numbers
// keep digits only, so "+52 1 55..." from Twilio and "52155..." from the
// Cloud API are the same Lead.
func (d Descriptor) Identifier(senderID string) string {
	senderID = strings.TrimSpace(senderID)
	if d.IdentifierKind != IdentifierPhone {
		return senderID
	}
	var b strings.Builder
	for _, r := range senderID {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func suffix(kind IdentifierKind, id string) string {
	id = strings.TrimSpace(id)
	n := utf8.RuneCountInString(id)
	if kind == IdentifierPhone {
		if n <= 4 {
			return id
		}
		r := []rune(id)
		return string(r[n-4:])
	}
	if n <= 8 {
		return id
	}
	return string([]rune(id)[:8])
}

// Adapter normalizes one transport's payloads. A single delivery may carry
// several messages; status-only deliveries yield none.
type Adapter interface {
	Descriptor() Descriptor
	Normalize(raw []byte) ([]CanonicalMessage, error)
}

// OutboundReply is a message pushed out-of-band to an asynchronous channel.
type OutboundReply struct {
	Channel         Kind
	ChannelOriginID string
	To              string
	Text            string
	// Credential is the per-binding access token, when the transport needs one.
	Credential string
}

// Sender pushes replies for channels that do not answer inline.
type Sender interface {
	Send(ctx context.Context, r OutboundReply) (string, error)
}
