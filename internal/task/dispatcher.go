package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"convo-engine/internal/capability"
	"convo-engine/internal/channel"
	"convo-engine/pkg/logger"
)

// Correlation ties a task execution to the conversation that requested it.
type Correlation struct {
	TenantID       string
	ConversationID string
	LeadID         string
	AssistantID    string
	Channel        channel.Kind
}

// Dispatcher is the single writer of task executions. It records intent and
// an outbox row; publishing happens after commit.
type Dispatcher struct {
	Topic string
	Now   func() time.Time
}

func NewDispatcher(topic string) Dispatcher {
	return Dispatcher{Topic: topic, Now: time.Now}
}

// Dispatch returns nil when the call names no known capability.
func (d Dispatcher) Dispatch(ctx context.Context, repo Repository, caps []capability.Capability, call capability.Call, corr Correlation) (*TaskExecution, error) {
	log := logger.From(ctx)

	c, ok := capability.Find(caps, call.Name)
	if !ok {
		log.Warn("tool call names no subscribed capability",
			"function", call.Name,
			"assistant_id", corr.AssistantID,
			"conversation_id", corr.ConversationID,
		)
		return nil, nil
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	issues := capability.ValidateArgs(c, args)
	now := d.now()

	te := TaskExecution{
		ID:             uuid.NewString(),
		TenantID:       corr.TenantID,
		AssistantID:    corr.AssistantID,
		TaskID:         c.TaskID,
		ConversationID: corr.ConversationID,
		LeadID:         corr.LeadID,
		FunctionName:   c.Name,
		Arguments:      args,
		Metadata: Metadata{
			ConversationID: corr.ConversationID,
			LeadID:         corr.LeadID,
			AssistantID:    corr.AssistantID,
			Function:       c.Name,
			Arguments:      args,
			Channel:        string(corr.Channel),
			Missing:        issues.Missing(),
		},
		Issues:    issues,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if issues.Blocking() {
		te.Status = StatusRejected
		te.Error = "arguments do not match declared parameter types"
		te.FinishedAt = &now
	}

	if err := repo.InsertTaskExecution(ctx, te); err != nil {
		return nil, fmt.Errorf("task: insert execution: %w", err)
	}
	if te.Status == StatusRejected {
		log.Warn("tool call rejected", "task_execution_id", te.ID, "function", c.Name, "issues", issues)
		return &te, nil
	}

	payload, err := json.Marshal(Message{TaskExecutionID: te.ID, ConversationID: corr.ConversationID, Function: c.Name})
	if err != nil {
		return nil, err
	}
	if err := repo.InsertOutbox(ctx, OutboxMessage{
		ID:              uuid.NewString(),
		TaskExecutionID: te.ID,
		Topic:           d.Topic,
		Payload:         payload,
		CreatedAt:       now,
	}); err != nil {
		return nil, fmt.Errorf("task: insert outbox: %w", err)
	}
	log.Info("task execution recorded", slog.String("task_execution_id", te.ID), slog.String("function", c.Name))
	return &te, nil
}

func (d Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}
