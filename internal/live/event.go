package live

import (
	"sync"
	"time"

	"convo-engine/internal/conversation"
)

type EventType string

const (
	EventInteractionCreated  EventType = "interaction.created"
	EventConversationUpdated EventType = "conversation.updated"
)

type Event struct {
	Type           EventType                 `json:"type"`
	TenantID       string                    `json:"tenant_id"`
	ConversationID string                    `json:"conversation_id"`
	Interaction    *conversation.Interaction `json:"interaction,omitempty"`
	Status         conversation.Status       `json:"status,omitempty"`
	AgentID        string                    `json:"agent_id,omitempty"`
	At             time.Time                 `json:"at"`
}

func TenantRoom(tenantID string) string { return "tenant:" + tenantID }

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

func (e Event) rooms() []string {
	return []string{TenantRoom(e.TenantID), ConversationRoom(e.ConversationID)}
}

func InteractionCreated(c conversation.Conversation, in conversation.Interaction) Event {
	return Event{
		Type:           EventInteractionCreated,
		TenantID:       c.TenantID,
		ConversationID: c.ID,
		Interaction:    &in,
		At:             in.CreatedAt,
	}
}

func ConversationUpdated(c conversation.Conversation) Event {
	return Event{
		Type:           EventConversationUpdated,
		TenantID:       c.TenantID,
		ConversationID: c.ID,
		Status:         c.Status,
		AgentID:        c.AgentID,
		At:             c.UpdatedAt,
	}
}

// Recorder collects events in memory. Used where no hub is running.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
