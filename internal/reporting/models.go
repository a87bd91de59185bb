package reporting

import (
	"time"

	"convo-engine/internal/conversation"
	"convo-engine/internal/task"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest requests per-tenant engine metrics. TenantID is required.
type SummaryRequest struct {
	TenantID string    `json:"tenant_id"`
	Range    TimeRange `json:"range"`
}

type Summary struct {
	TenantID string    `json:"tenant_id"`
	Range    TimeRange `json:"range"`

	Conversations      map[conversation.Status]int `json:"conversations"`
	TotalConversations int                         `json:"total_conversations"`

	Interactions      map[conversation.Role]int `json:"interactions"`
	TotalInteractions int                       `json:"total_interactions"`

	Tasks      map[task.Status]int `json:"tasks"`
	TotalTasks int                 `json:"total_tasks"`

	// AutomatedReplyRate is assistant replies per customer message.
	AutomatedReplyRate float64 `json:"automated_reply_rate"`
	// TaskSuccessRate is completed over finished executions.
	TaskSuccessRate float64 `json:"task_success_rate"`
}
