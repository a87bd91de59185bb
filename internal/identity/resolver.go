package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
)

type Resolution struct {
	Assistant          Assistant
	Binding            Binding
	Lead               Lead
	Conversation       conversation.Conversation
	LeadWasNew         bool
	ConversationWasNew bool
}

// Resolver maps a canonical message to assistant, lead and conversation.
// Resolve must run inside one transaction.
type Resolver struct {
	Now func() time.Time
}

func NewResolver() Resolver { return Resolver{Now: time.Now} }

func (r Resolver) Resolve(ctx context.Context, repo Repository, d channel.Descriptor, msg channel.CanonicalMessage) (Resolution, error) {
	msg.SenderID = d.Identifier(msg.SenderID)
	if msg.ChannelOriginID == "" || msg.SenderID == "" {
		return Resolution{}, channel.Invalid(d.Kind, "channel origin and sender are required")
	}
	now := r.now()

	asst, binding, err := repo.FindAssistantByOrigin(ctx, d.Kind, msg.ChannelOriginID)
	if err != nil {
		return Resolution{}, err
	}

	lead, leadNew, err := r.resolveLead(ctx, repo, asst.TenantID, d, msg, now)
	if err != nil {
		return Resolution{}, err
	}

	if err := repo.LockConversationKey(ctx, lead.ID, asst.ID); err != nil {
		return Resolution{}, err
	}
	conv, err := repo.FindActiveConversation(ctx, lead.ID, asst.ID)
	convNew := false
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		conv = conversation.Conversation{
			ID:             uuid.NewString(),
			TenantID:       asst.TenantID,
			LeadID:         lead.ID,
			AssistantID:    asst.ID,
			Channel:        d.Kind,
			Status:         conversation.StatusOpen,
			LastActivityAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := repo.InsertConversation(ctx, conv); err != nil {
			return Resolution{}, fmt.Errorf("identity: create conversation: %w", err)
		}
		convNew = true
	case err != nil:
		return Resolution{}, err
	}

	return Resolution{
		Assistant:          asst,
		Binding:            binding,
		Lead:               lead,
		Conversation:       conv,
		LeadWasNew:         leadNew,
		ConversationWasNew: convNew,
	}, nil
}

func (r Resolver) resolveLead(ctx context.Context, repo Repository, tenantID string, d channel.Descriptor, msg channel.CanonicalMessage, now time.Time) (Lead, bool, error) {
	lead, err := repo.FindLead(ctx, tenantID, d.IdentifierKind, msg.SenderID)
	if err == nil {
		if msg.SenderDisplayName != "" && msg.SenderDisplayName != lead.Name {
			if err := repo.RenameLead(ctx, lead.ID, msg.SenderDisplayName, now); err != nil {
				return Lead{}, false, err
			}
			lead.Name = msg.SenderDisplayName
			lead.UpdatedAt = now
		}
		return lead, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Lead{}, false, err
	}

	tc, err := repo.EnsureTenantChannel(ctx, tenantID, d)
	if err != nil {
		return Lead{}, false, fmt.Errorf("identity: channel descriptor: %w", err)
	}

	name := msg.SenderDisplayName
	if name == "" {
		fd := d
		if msg.SenderLabel != "" {
			fd.Label = msg.SenderLabel
		}
		name = fd.FallbackName(msg.SenderID)
	}
	l := Lead{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ChannelID:      tc.ID,
		Name:           name,
		IdentifierKind: d.IdentifierKind,
		Identifier:     msg.SenderID,
		Attributes:     map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if d.IdentifierKind == channel.IdentifierPhone {
		l.Phone = msg.SenderID
	} else {
		l.Attributes[attributeKey(d.IdentifierKind)] = msg.SenderID
	}

	stored, created, err := repo.InsertLead(ctx, l)
	if err != nil {
		return Lead{}, false, fmt.Errorf("identity: create lead: %w", err)
	}
	return stored, created, nil
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}
