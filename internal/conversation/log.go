package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Log is the single writer of interactions.
type Log struct {
	Now func() time.Time
}

func NewLog() Log { return Log{Now: time.Now} }

// Append persists in. An agent-authored message pauses an open conversation
// as part of the same unit of work.
func (l Log) Append(ctx context.Context, repo Repository, in Interaction) (Interaction, error) {
	if !in.Role.Valid() {
		return Interaction{}, fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
	}
	if in.ConversationID == "" {
		return Interaction{}, fmt.Errorf("conversation: conversation id is required")
	}
	now := l.now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = now

	out, err := repo.AppendInteraction(ctx, in)
	if err != nil {
		return Interaction{}, err
	}

	if in.Role == RoleAgent {
		c, err := repo.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return Interaction{}, err
		}
		if c.Status == StatusOpen {
			if _, _, err := Transition(ctx, repo, c, StatusAwaitingAgent, now); err != nil {
				return Interaction{}, err
			}
		}
	}
	return out, nil
}

// AppendSystem records an operator-visible note or a diagnostic.
func (l Log) AppendSystem(ctx context.Context, repo Repository, conversationID, text string) (Interaction, error) {
	return l.Append(ctx, repo, Interaction{ConversationID: conversationID, Role: RoleSystem, Text: text})
}

func (l Log) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}
