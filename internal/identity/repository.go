package identity

import (
	"context"
	"time"

	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
)

type Repository interface {
	// FindAssistantByOrigin returns a *NotFoundError when no active assistant is bound.
	FindAssistantByOrigin(ctx context.Context, kind channel.Kind, originID string) (Assistant, Binding, error)
	EnsureTenantChannel(ctx context.Context, tenantID string, d channel.Descriptor) (TenantChannel, error)
	// FindLead returns ErrNotFound when absent.
	FindLead(ctx context.Context, tenantID string, kind channel.IdentifierKind, identifier string) (Lead, error)
	// InsertLead returns the stored lead and whether this call created it.
	// A concurrent insert of the same key yields the existing row.
	InsertLead(ctx context.Context, l Lead) (Lead, bool, error)
	RenameLead(ctx context.Context, id, name string, at time.Time) error
	// LockConversationKey serializes resolution for one (lead, assistant) pair
	// until the transaction ends.
	LockConversationKey(ctx context.Context, leadID, assistantID string) error
	// FindActiveConversation returns the newest non-terminal conversation or
	// conversation.ErrNotFound.
	FindActiveConversation(ctx context.Context, leadID, assistantID string) (conversation.Conversation, error)
	InsertConversation(ctx context.Context, c conversation.Conversation) error

	GetLead(ctx context.Context, id string) (Lead, error)
	// FindBinding returns the assistant's binding on kind, or ErrNotFound.
	FindBinding(ctx context.Context, assistantID string, kind channel.Kind) (Binding, error)
}
