package audit

import "time"

// Event is an immutable, append-only audit log record of a console action.
//
// Invariants:
// - Events are never updated or deleted.
// - tenant_id is required for tenancy isolation.
// - Audit writes are best-effort; callers do not fail an action on audit errors.
type Event struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Type     EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	ConversationID  string `json:"conversation_id,omitempty" db:"conversation_id"`
	LeadID          string `json:"lead_id,omitempty" db:"lead_id"`
	TaskExecutionID string `json:"task_execution_id,omitempty" db:"task_execution_id"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeStatusChange EventType = "status_change"
	EventTypeAssignment   EventType = "assignment"
	EventTypeAgentReply   EventType = "agent_reply"
	EventTypeNote         EventType = "note"
)
