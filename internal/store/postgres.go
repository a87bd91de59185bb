package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"convo-engine/internal/audit"
	"convo-engine/internal/conversation"
	"convo-engine/internal/task"
	"convo-engine/pkg/utils"
)

// Postgres is the production Store on database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) DB() *sql.DB { return p.db }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) WithTx(ctx context.Context, fn TxFunc) error {
	return utils.WithTx(ctx, p.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

type pgTx struct {
	tx *sql.Tx
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// reporting.Repository

func (p *Postgres) CountConversationsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Status]int, error) {
	const q = `
SELECT status, count(*) FROM conversations
WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
GROUP BY status`
	out := map[conversation.Status]int{}
	err := p.countBy(ctx, q, func(k string, n int) { out[conversation.Status(k)] = n }, tenantID, from, to)
	return out, err
}

func (p *Postgres) CountInteractionsByRole(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Role]int, error) {
	const q = `
SELECT i.role, count(*) FROM interactions i
JOIN conversations c ON c.id = i.conversation_id
WHERE c.tenant_id = $1 AND i.created_at >= $2 AND i.created_at < $3
GROUP BY i.role`
	out := map[conversation.Role]int{}
	err := p.countBy(ctx, q, func(k string, n int) { out[conversation.Role(k)] = n }, tenantID, from, to)
	return out, err
}

func (p *Postgres) CountTaskExecutionsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[task.Status]int, error) {
	const q = `
SELECT status, count(*) FROM task_executions
WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
GROUP BY status`
	out := map[task.Status]int{}
	err := p.countBy(ctx, q, func(k string, n int) { out[task.Status(k)] = n }, tenantID, from, to)
	return out, err
}

func (p *Postgres) countBy(ctx context.Context, q string, put func(string, int), args ...any) error {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		put(k, n)
	}
	return rows.Err()
}

// AuditRepo is the append-only Postgres audit repository.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Append(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO audit_events (id, tenant_id, type, actor_user_id, actor_role, ip_address,
    conversation_id, lead_id, task_execution_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.TenantID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.ConversationID, e.LeadID, e.TaskExecutionID, e.Message, e.Metadata, e.CreatedAt)
	return err
}

var (
	_ Store            = (*Postgres)(nil)
	_ Tx               = (*pgTx)(nil)
	_ audit.Repository = (*AuditRepo)(nil)
)
