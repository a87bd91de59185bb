package conversation

import (
	"errors"
	"time"

	"convo-engine/internal/channel"
)

var (
	ErrNotFound          = errors.New("conversation: not found")
	ErrInvalidTransition = errors.New("conversation: invalid status transition")
	ErrInvalidRole       = errors.New("conversation: invalid interaction role")
)

// Status is the conversation lifecycle state.
type Status string

const (
	StatusOpen          Status = "abierta"
	StatusAwaitingAgent Status = "en_espera_agente"
	StatusHumanInLoop   Status = "hitl_activo"
	StatusClosed        Status = "cerrada"
	StatusArchived      Status = "archivada"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAwaitingAgent, StatusHumanInLoop, StatusClosed, StatusArchived:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool { return s == StatusClosed || s == StatusArchived }

// Paused reports whether a human has taken over.
func (s Status) Paused() bool { return s == StatusAwaitingAgent || s == StatusHumanInLoop }

// AllowsAutomation is the gate the engine consults before calling the model.
func (s Status) AllowsAutomation() bool { return s == StatusOpen }

// TerminalStatuses is shared with SQL filters.
var TerminalStatuses = []Status{StatusClosed, StatusArchived}

type Conversation struct {
	ID             string       `json:"id" db:"id"`
	TenantID       string       `json:"tenant_id" db:"tenant_id"`
	LeadID         string       `json:"lead_id" db:"lead_id"`
	AssistantID    string       `json:"assistant_id" db:"assistant_id"`
	Channel        channel.Kind `json:"channel" db:"channel"`
	Status         Status       `json:"status" db:"status"`
	AgentID        string       `json:"agent_id,omitempty" db:"agent_id"`
	LastSeq        int64        `json:"last_seq" db:"last_seq"`
	LastActivityAt time.Time    `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// Summary is a console listing row.
type Summary struct {
	Conversation
	LeadName  string `json:"lead_name"`
	LeadPhone string `json:"lead_phone,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleAgent, RoleSystem:
		return true
	default:
		return false
	}
}

// Interaction is immutable once appended. Seq is assigned by the store and
// is strictly increasing per conversation.
type Interaction struct {
	ID             string         `json:"id" db:"id"`
	ConversationID string         `json:"conversation_id" db:"conversation_id"`
	Seq            int64          `json:"seq" db:"seq"`
	Role           Role           `json:"role" db:"role"`
	Text           string         `json:"text" db:"text"`
	MediaRef       string         `json:"media_ref,omitempty" db:"media_ref"`
	AgentID        string         `json:"agent_id,omitempty" db:"agent_id"`
	Channel        channel.Kind   `json:"channel,omitempty" db:"channel"`
	FunctionName   string         `json:"function_name,omitempty" db:"function_name"`
	FunctionArgs   map[string]any `json:"function_args,omitempty" db:"function_args"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// HistoryQuery selects interactions strictly before BeforeSeq (0 = no bound),
// newest Limit rows, returned oldest first. With AfterSeq set it selects
// the oldest Limit rows after AfterSeq instead, for clients catching up.
type HistoryQuery struct {
	BeforeSeq    int64
	AfterSeq     int64
	Limit        int
	ExcludeRoles []Role
}

const MaxListLimit = 100

type ListFilter struct {
	ActiveOnly bool
	Search     string
	AgentID    string
	Limit      int
}

func (f ListFilter) Normalized() ListFilter {
	out := f
	if out.Limit <= 0 || out.Limit > MaxListLimit {
		out.Limit = MaxListLimit
	}
	return out
}
