package identity

import (
	"errors"
	"fmt"
	"time"

	"convo-engine/internal/channel"
)

var ErrNotFound = errors.New("identity: not found")

// NotFoundError terminates processing of an inbound message with no side effects.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("identity: %s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

const AssistantActive = "activo"

type Assistant struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Name         string    `json:"name" db:"name"`
	BusinessName string    `json:"business_name" db:"business_name"`
	Persona      string    `json:"persona" db:"persona"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Binding attaches an assistant to one channel origin (a phone number id,
// a Twilio number, a widget key).
type Binding struct {
	AssistantID string       `json:"assistant_id" db:"assistant_id"`
	Channel     channel.Kind `json:"channel" db:"channel"`
	OriginID    string       `json:"origin_id" db:"origin_id"`
	AccessToken string       `json:"-" db:"access_token"`
}

// TenantChannel is the tenant's channel descriptor row leads hang off.
type TenantChannel struct {
	ID       string       `json:"id" db:"id"`
	TenantID string       `json:"tenant_id" db:"tenant_id"`
	Kind     channel.Kind `json:"kind" db:"kind"`
	Label    string       `json:"label" db:"label"`
}

type Lead struct {
	ID             string                 `json:"id" db:"id"`
	TenantID       string                 `json:"tenant_id" db:"tenant_id"`
	ChannelID      string                 `json:"channel_id" db:"channel_id"`
	Name           string                 `json:"name" db:"name"`
	Phone          string                 `json:"phone,omitempty" db:"phone"`
	IdentifierKind channel.IdentifierKind `json:"identifier_kind" db:"identifier_kind"`
	Identifier     string                 `json:"identifier" db:"identifier"`
	Attributes     map[string]any         `json:"attributes,omitempty" db:"attributes"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// attributeKey is where opaque per-channel ids are mirrored in the attribute map.
func attributeKey(kind channel.IdentifierKind) string {
	switch kind {
	case channel.IdentifierWebchatUser:
		return "webchat_user_id"
	default:
		return string(kind) + "_id"
	}
}
