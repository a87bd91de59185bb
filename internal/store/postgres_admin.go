package store

import (
	"context"
	"time"

	"convo-engine/internal/identity"
)

func (t *pgTx) UpsertAssistant(ctx context.Context, a identity.Assistant) error {
	if a.Status == "" {
		a.Status = identity.AssistantActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO assistants (id, tenant_id, name, business_name, persona, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    tenant_id = EXCLUDED.tenant_id,
    name = EXCLUDED.name,
    business_name = EXCLUDED.business_name,
    persona = EXCLUDED.persona,
    status = EXCLUDED.status`
	_, err := t.tx.ExecContext(ctx, q, a.ID, a.TenantID, a.Name, a.BusinessName, a.Persona, a.Status, a.CreatedAt)
	return err
}

func (t *pgTx) UpsertBinding(ctx context.Context, b identity.Binding) error {
	const q = `
INSERT INTO assistant_bindings (channel, origin_id, assistant_id, access_token)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel, origin_id) DO UPDATE SET
    assistant_id = EXCLUDED.assistant_id,
    access_token = EXCLUDED.access_token`
	_, err := t.tx.ExecContext(ctx, q, string(b.Channel), b.OriginID, b.AssistantID, b.AccessToken)
	return err
}

// UpsertTask replaces the task's function descriptor and custom fields wholesale.
func (t *pgTx) UpsertTask(ctx context.Context, d TaskDefinition) error {
	const taskQ = `
INSERT INTO tasks (id, tenant_id, name, description, instruction, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    tenant_id = EXCLUDED.tenant_id,
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    instruction = EXCLUDED.instruction,
    active = EXCLUDED.active`
	if _, err := t.tx.ExecContext(ctx, taskQ, d.ID, d.TenantID, d.Name, d.Description, d.Instruction, d.Active); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM task_functions WHERE task_id = $1`, d.ID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM task_custom_fields WHERE task_id = $1`, d.ID); err != nil {
		return err
	}

	if fn := d.Function; fn != nil {
		const fnQ = `INSERT INTO task_functions (id, task_id, name, description) VALUES ($1, $2, $3, $4)`
		if _, err := t.tx.ExecContext(ctx, fnQ, fn.ID, d.ID, fn.Name, fn.Description); err != nil {
			return err
		}
		const paramQ = `
INSERT INTO task_function_params (function_id, position, name, type, description, required)
VALUES ($1, $2, $3, $4, $5, $6)`
		for i, p := range fn.Params {
			if _, err := t.tx.ExecContext(ctx, paramQ, fn.ID, i, p.Name, p.Type, p.Description, p.Required); err != nil {
				return err
			}
		}
	}

	const fieldQ = `
INSERT INTO task_custom_fields (task_id, position, name, field_name, type, description, required)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i, f := range d.CustomFields {
		if _, err := t.tx.ExecContext(ctx, fieldQ, d.ID, i, f.Name, f.FieldName, f.Type, f.Description, f.Required); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpsertSubscription(ctx context.Context, assistantID, taskID string, active bool) error {
	const q = `
INSERT INTO assistant_subscriptions (assistant_id, task_id, active)
VALUES ($1, $2, $3)
ON CONFLICT (assistant_id, task_id) DO UPDATE SET active = EXCLUDED.active`
	_, err := t.tx.ExecContext(ctx, q, assistantID, taskID, active)
	return err
}
