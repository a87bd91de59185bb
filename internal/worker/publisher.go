package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"convo-engine/internal/broker"
	"convo-engine/internal/task"
)

// EventTaskExecute is the envelope type of task messages.
const EventTaskExecute = "task.execute.v1"

// ErrQueueFull is returned by Queue when no consumer keeps up; the relay
// leaves the row for the next sweep.
var ErrQueueFull = errors.New("worker: in-process queue full")

// Publisher hands one outbox row to whatever executes tasks.
type Publisher interface {
	Publish(ctx context.Context, m task.OutboxMessage) error
}

// BrokerPublisher publishes outbox rows as envelopes on the task exchange.
type BrokerPublisher struct {
	Client     *broker.Client
	RoutingKey string
}

func (p BrokerPublisher) Publish(ctx context.Context, m task.OutboxMessage) error {
	env := broker.NewEnvelope(m.ID, EventTaskExecute, m.TaskExecutionID, m.Payload)
	return p.Client.PublishJSON(ctx, p.RoutingKey, env)
}

// Queue runs tasks inside the API process when no broker is configured.
// Publish never blocks so it is safe to call inside a transaction.
type Queue struct {
	ch chan task.Message
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan task.Message, size)}
}

func (q *Queue) Publish(ctx context.Context, m task.OutboxMessage) error {
	var msg task.Message
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		return fmt.Errorf("worker: decode outbox %s: %w", m.ID, err)
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run feeds queued messages to w until ctx is done.
func (q *Queue) Run(ctx context.Context, w *Worker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			if err := w.Handle(ctx, msg); err != nil {
				w.log.Error("task handling failed", "task_execution_id", msg.TaskExecutionID, "err", err)
			}
		}
	}
}
