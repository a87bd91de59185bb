package task

import (
	"errors"
	"fmt"
	"time"

	"convo-engine/internal/capability"
)

var ErrNotFound = errors.New("task: not found")

// DispatchError is logged, never surfaced to the channel.
type DispatchError struct {
	TaskExecutionID string
	Err             error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("task %s: dispatch failed: %v", e.TaskExecutionID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// StatusRejected marks arguments that failed type checks; never published.
	StatusRejected Status = "rejected"
)

func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Metadata is the correlation record handed to executors. Its JSON keys
// are part of the executor contract.
type Metadata struct {
	ConversationID string         `json:"conversacionId"`
	LeadID         string         `json:"leadId"`
	AssistantID    string         `json:"asistenteVirtualId"`
	Function       string         `json:"funcionLlamada"`
	Arguments      map[string]any `json:"argumentos"`
	Channel        string         `json:"canalNombre"`
	Missing        []string       `json:"parametrosFaltantes,omitempty"`
}

type TaskExecution struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	AssistantID    string            `json:"assistant_id" db:"assistant_id"`
	TaskID         string            `json:"task_id" db:"task_id"`
	ConversationID string            `json:"conversation_id" db:"conversation_id"`
	LeadID         string            `json:"lead_id" db:"lead_id"`
	FunctionName   string            `json:"function_name" db:"function_name"`
	Arguments      map[string]any    `json:"arguments" db:"arguments"`
	Metadata       Metadata          `json:"metadata" db:"metadata"`
	Issues         capability.Issues `json:"issues,omitempty" db:"issues"`
	Status         Status            `json:"status" db:"status"`
	Result         string            `json:"result,omitempty" db:"result"`
	Error          string            `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	DispatchedAt   *time.Time        `json:"dispatched_at,omitempty" db:"dispatched_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty" db:"finished_at"`
}

// Message is the queue payload for one task execution.
type Message struct {
	TaskExecutionID string `json:"task_execution_id"`
	ConversationID  string `json:"conversation_id"`
	Function        string `json:"function"`
}

// OutboxMessage is written in the same transaction as its task execution.
type OutboxMessage struct {
	ID              string     `json:"id" db:"id"`
	TaskExecutionID string     `json:"task_execution_id" db:"task_execution_id"`
	Topic           string     `json:"topic" db:"topic"`
	Payload         []byte     `json:"payload" db:"payload"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	PublishedAt     *time.Time `json:"published_at,omitempty" db:"published_at"`
}

type ListFilter struct {
	ConversationID string
	Status         Status
	Limit          int
}
