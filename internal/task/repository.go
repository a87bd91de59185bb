package task

import (
	"context"
	"time"
)

type Repository interface {
	InsertTaskExecution(ctx context.Context, te TaskExecution) error
	InsertOutbox(ctx context.Context, m OutboxMessage) error
	// ClaimOutbox returns unpublished rows, oldest first, locked against
	// concurrent relays until the transaction ends.
	ClaimOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
	// GetTaskExecution locks the row where supported; ErrNotFound when absent.
	GetTaskExecution(ctx context.Context, id string) (TaskExecution, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	FinishTaskExecution(ctx context.Context, id string, status Status, result, errMsg string, at time.Time) error
	ListTaskExecutions(ctx context.Context, tenantID string, f ListFilter) ([]TaskExecution, error)
	// FailStale marks dispatched executions older than before as failed.
	FailStale(ctx context.Context, before time.Time, reason string, at time.Time) (int, error)
}
