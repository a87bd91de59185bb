package conversation

import (
	"context"
	"time"
)

// Repository is the transactional view of conversations and their log.
// GetConversation locks the row for the rest of the transaction where the
// store supports it.
type Repository interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
	SetStatus(ctx context.Context, id string, status Status, at time.Time) error
	SetAgent(ctx context.Context, id string, agentID string, at time.Time) error
	// AppendInteraction assigns the next sequence number and moves the
	// conversation's last activity forward.
	AppendInteraction(ctx context.Context, in Interaction) (Interaction, error)
	ListInteractions(ctx context.Context, conversationID string, q HistoryQuery) ([]Interaction, error)
	ListConversations(ctx context.Context, tenantID string, f ListFilter) ([]Summary, error)
}
