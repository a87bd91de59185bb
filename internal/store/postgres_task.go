package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convo-engine/internal/capability"
	"convo-engine/internal/task"
)

// ListSubscribedTasks reads the live catalog in three queries: subscribed
// tasks, their function parameters, then custom fields.
func (t *pgTx) ListSubscribedTasks(ctx context.Context, assistantID string) ([]capability.TaskRecord, error) {
	const tasksQ = `
SELECT tk.id::text, tk.name, tk.description, tk.instruction,
       COALESCE(f.id::text, ''), COALESCE(f.name, ''), COALESCE(f.description, '')
FROM assistant_subscriptions s
JOIN tasks tk ON tk.id = s.task_id
LEFT JOIN task_functions f ON f.task_id = tk.id
WHERE s.assistant_id = $1 AND s.active AND tk.active
ORDER BY tk.name`
	rows, err := t.tx.QueryContext(ctx, tasksQ, assistantID)
	if err != nil {
		return nil, err
	}
	var recs []capability.TaskRecord
	var taskIDs, fnIDs []string
	for rows.Next() {
		var rec capability.TaskRecord
		var fnID, fnName, fnDesc string
		if err := rows.Scan(&rec.TaskID, &rec.TaskName, &rec.Description, &rec.Instruction, &fnID, &fnName, &fnDesc); err != nil {
			rows.Close()
			return nil, err
		}
		if fnID != "" {
			rec.Function = &capability.FunctionRecord{ID: fnID, Name: fnName, Description: fnDesc}
			fnIDs = append(fnIDs, fnID)
		}
		taskIDs = append(taskIDs, rec.TaskID)
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	params := map[string][]capability.ParamRecord{}
	if len(fnIDs) > 0 {
		const paramsQ = `
SELECT function_id::text, name, type, description, required
FROM task_function_params
WHERE function_id::text = ANY($1::text[])
ORDER BY function_id, position`
		prows, err := t.tx.QueryContext(ctx, paramsQ, fnIDs)
		if err != nil {
			return nil, err
		}
		for prows.Next() {
			var fnID string
			var p capability.ParamRecord
			if err := prows.Scan(&fnID, &p.Name, &p.Type, &p.Description, &p.Required); err != nil {
				prows.Close()
				return nil, err
			}
			params[fnID] = append(params[fnID], p)
		}
		prows.Close()
		if err := prows.Err(); err != nil {
			return nil, err
		}
	}

	const fieldsQ = `
SELECT task_id::text, name, field_name, type, description, required
FROM task_custom_fields
WHERE task_id::text = ANY($1::text[])
ORDER BY task_id, position`
	frows, err := t.tx.QueryContext(ctx, fieldsQ, taskIDs)
	if err != nil {
		return nil, err
	}
	fields := map[string][]capability.FieldRecord{}
	for frows.Next() {
		var taskID string
		var f capability.FieldRecord
		if err := frows.Scan(&taskID, &f.Name, &f.FieldName, &f.Type, &f.Description, &f.Required); err != nil {
			frows.Close()
			return nil, err
		}
		fields[taskID] = append(fields[taskID], f)
	}
	frows.Close()
	if err := frows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		if recs[i].Function != nil {
			recs[i].Function.Params = params[recs[i].Function.ID]
		}
		recs[i].CustomFields = fields[recs[i].TaskID]
	}
	return recs, nil
}

func (t *pgTx) InsertTaskExecution(ctx context.Context, te task.TaskExecution) error {
	args, err := json.Marshal(te.Arguments)
	if err != nil {
		return fmt.Errorf("store: task arguments: %w", err)
	}
	meta, err := json.Marshal(te.Metadata)
	if err != nil {
		return fmt.Errorf("store: task metadata: %w", err)
	}
	var issues []byte
	if len(te.Issues) > 0 {
		if issues, err = marshalJSON(te.Issues); err != nil {
			return fmt.Errorf("store: task issues: %w", err)
		}
	}
	const q = `
INSERT INTO task_executions (id, tenant_id, assistant_id, task_id, conversation_id, lead_id, function_name,
    arguments, metadata, issues, status, result, error, created_at, updated_at, dispatched_at, finished_at)
VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = t.tx.ExecContext(ctx, q, te.ID, te.TenantID, te.AssistantID, te.TaskID, te.ConversationID, te.LeadID,
		te.FunctionName, args, meta, issues, string(te.Status), te.Result, te.Error, te.CreatedAt, te.UpdatedAt,
		nullTime(te.DispatchedAt), nullTime(te.FinishedAt))
	return err
}

func (t *pgTx) InsertOutbox(ctx context.Context, m task.OutboxMessage) error {
	const q = `
INSERT INTO outbox (id, task_execution_id, topic, payload, created_at, published_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := t.tx.ExecContext(ctx, q, m.ID, m.TaskExecutionID, m.Topic, m.Payload, m.CreatedAt, nullTime(m.PublishedAt))
	return err
}

func (t *pgTx) ClaimOutbox(ctx context.Context, limit int) ([]task.OutboxMessage, error) {
	const q = `
SELECT id, task_execution_id, topic, payload, created_at
FROM outbox
WHERE published_at IS NULL
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`
	rows, err := t.tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.OutboxMessage
	for rows.Next() {
		var m task.OutboxMessage
		if err := rows.Scan(&m.ID, &m.TaskExecutionID, &m.Topic, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE outbox SET published_at = $2 WHERE id = $1`
	return t.execOne(ctx, task.ErrNotFound, q, id, at)
}

const taskExecutionColumns = `id, tenant_id, assistant_id, COALESCE(task_id::text, ''), conversation_id, lead_id,
    function_name, arguments, metadata, issues, status, result, error, created_at, updated_at, dispatched_at, finished_at`

func scanTaskExecution(row interface{ Scan(...any) error }) (task.TaskExecution, error) {
	var te task.TaskExecution
	var args, meta, issues []byte
	var status string
	var dispatched, finished sql.NullTime
	if err := row.Scan(&te.ID, &te.TenantID, &te.AssistantID, &te.TaskID, &te.ConversationID, &te.LeadID,
		&te.FunctionName, &args, &meta, &issues, &status, &te.Result, &te.Error, &te.CreatedAt, &te.UpdatedAt,
		&dispatched, &finished); err != nil {
		return task.TaskExecution{}, err
	}
	te.Status = task.Status(status)
	te.DispatchedAt = timePtr(dispatched)
	te.FinishedAt = timePtr(finished)
	if err := json.Unmarshal(args, &te.Arguments); err != nil {
		return task.TaskExecution{}, fmt.Errorf("store: task %s arguments: %w", te.ID, err)
	}
	if err := json.Unmarshal(meta, &te.Metadata); err != nil {
		return task.TaskExecution{}, fmt.Errorf("store: task %s metadata: %w", te.ID, err)
	}
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &te.Issues); err != nil {
			return task.TaskExecution{}, fmt.Errorf("store: task %s issues: %w", te.ID, err)
		}
	}
	return te, nil
}

func (t *pgTx) GetTaskExecution(ctx context.Context, id string) (task.TaskExecution, error) {
	q := `SELECT ` + taskExecutionColumns + ` FROM task_executions WHERE id = $1 FOR UPDATE`
	te, err := scanTaskExecution(t.tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.TaskExecution{}, task.ErrNotFound
	}
	return te, err
}

// MarkDispatched only moves pending rows; a redelivered relay batch is a no-op.
func (t *pgTx) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	const q = `
UPDATE task_executions SET status = 'dispatched', dispatched_at = $2, updated_at = $2
WHERE id = $1 AND status = 'pending'`
	_, err := t.tx.ExecContext(ctx, q, id, at)
	return err
}

func (t *pgTx) FinishTaskExecution(ctx context.Context, id string, status task.Status, result, errMsg string, at time.Time) error {
	const q = `
UPDATE task_executions SET status = $2, result = $3, error = $4, finished_at = $5, updated_at = $5
WHERE id = $1`
	return t.execOne(ctx, task.ErrNotFound, q, id, string(status), result, errMsg, at)
}

func (t *pgTx) ListTaskExecutions(ctx context.Context, tenantID string, f task.ListFilter) ([]task.TaskExecution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + taskExecutionColumns + `
FROM task_executions
WHERE tenant_id = $1
  AND ($2 = '' OR conversation_id::text = $2)
  AND ($3 = '' OR status = $3)
ORDER BY created_at DESC
LIMIT $4`
	rows, err := t.tx.QueryContext(ctx, q, tenantID, f.ConversationID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.TaskExecution
	for rows.Next() {
		te, err := scanTaskExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, te)
	}
	return out, rows.Err()
}

func (t *pgTx) FailStale(ctx context.Context, before time.Time, reason string, at time.Time) (int, error) {
	const q = `
UPDATE task_executions SET status = 'failed', error = $2, finished_at = $3, updated_at = $3
WHERE status = 'dispatched' AND dispatched_at < $1`
	res, err := t.tx.ExecContext(ctx, q, before, reason, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
