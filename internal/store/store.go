package store

import (
	"context"
	_ "embed"

	"convo-engine/internal/capability"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/reporting"
	"convo-engine/internal/task"
)

//go:embed schema.sql
var Schema string

// Tx is every repository the engine uses, bound to one transaction.
type Tx interface {
	identity.Repository
	conversation.Repository
	capability.Repository
	task.Repository
	Admin
}

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store runs units of work. WithTx commits when fn returns nil and rolls
// back otherwise, leaving no partial writes.
type Store interface {
	WithTx(ctx context.Context, fn TxFunc) error
	reporting.Repository
}

// Admin writes configuration rows owned by the surrounding platform. Used
// by seeding and tests.
type Admin interface {
	UpsertAssistant(ctx context.Context, a identity.Assistant) error
	UpsertBinding(ctx context.Context, b identity.Binding) error
	UpsertTask(ctx context.Context, t TaskDefinition) error
	UpsertSubscription(ctx context.Context, assistantID, taskID string, active bool) error
}

// TaskDefinition is a task with its optional function descriptor.
type TaskDefinition struct {
	ID           string
	TenantID     string
	Name         string
	Description  string
	Instruction  string
	Active       bool
	Function     *FunctionDefinition
	CustomFields []capability.FieldRecord
}

type FunctionDefinition struct {
	ID          string
	Name        string
	Description string
	Params      []capability.ParamRecord
}
