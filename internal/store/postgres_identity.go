package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/pkg/utils"
)

func (t *pgTx) FindAssistantByOrigin(ctx context.Context, kind channel.Kind, originID string) (identity.Assistant, identity.Binding, error) {
	const q = `
SELECT a.id, a.tenant_id, a.name, a.business_name, a.persona, a.status, a.created_at,
       b.channel, b.origin_id, b.access_token
FROM assistant_bindings b
JOIN assistants a ON a.id = b.assistant_id
WHERE b.channel = $1 AND b.origin_id = $2 AND a.status = $3`
	var a identity.Assistant
	var b identity.Binding
	var ch string
	err := t.tx.QueryRowContext(ctx, q, string(kind), originID, identity.AssistantActive).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.BusinessName, &a.Persona, &a.Status, &a.CreatedAt,
		&ch, &b.OriginID, &b.AccessToken,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Assistant{}, identity.Binding{}, &identity.NotFoundError{Entity: "assistant", Key: string(kind) + ":" + originID}
	}
	if err != nil {
		return identity.Assistant{}, identity.Binding{}, err
	}
	b.AssistantID = a.ID
	b.Channel = channel.Kind(ch)
	return a, b, nil
}

func (t *pgTx) EnsureTenantChannel(ctx context.Context, tenantID string, d channel.Descriptor) (identity.TenantChannel, error) {
	const q = `
INSERT INTO tenant_channels (id, tenant_id, kind, label)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, kind) DO UPDATE SET label = tenant_channels.label
RETURNING id, tenant_id, kind, label`
	var tc identity.TenantChannel
	var kind string
	err := t.tx.QueryRowContext(ctx, q, uuid.NewString(), tenantID, string(d.Kind), d.Label).
		Scan(&tc.ID, &tc.TenantID, &kind, &tc.Label)
	if err != nil {
		return identity.TenantChannel{}, err
	}
	tc.Kind = channel.Kind(kind)
	return tc, nil
}

const leadColumns = `id, tenant_id, COALESCE(channel_id::text, ''), name, phone, identifier_kind, identifier, attributes, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (identity.Lead, error) {
	var l identity.Lead
	var kind string
	var attrs []byte
	if err := row.Scan(&l.ID, &l.TenantID, &l.ChannelID, &l.Name, &l.Phone, &kind, &l.Identifier, &attrs, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return identity.Lead{}, err
	}
	l.IdentifierKind = channel.IdentifierKind(kind)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &l.Attributes); err != nil {
			return identity.Lead{}, fmt.Errorf("store: lead attributes: %w", err)
		}
	}
	return l, nil
}

func (t *pgTx) FindLead(ctx context.Context, tenantID string, kind channel.IdentifierKind, identifier string) (identity.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE tenant_id = $1 AND identifier_kind = $2 AND identifier = $3`
	l, err := scanLead(t.tx.QueryRowContext(ctx, q, tenantID, string(kind), identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Lead{}, identity.ErrNotFound
	}
	return l, err
}

// InsertLead relies on the (tenant, identifier kind, identifier) unique key:
// a concurrent duplicate delivery waits for the winner and then reads its row.
func (t *pgTx) InsertLead(ctx context.Context, l identity.Lead) (identity.Lead, bool, error) {
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return identity.Lead{}, false, err
	}
	q := `
INSERT INTO leads (id, tenant_id, channel_id, name, phone, identifier_kind, identifier, attributes, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id, identifier_kind, identifier) DO NOTHING
RETURNING ` + leadColumns
	stored, err := scanLead(t.tx.QueryRowContext(ctx, q, l.ID, l.TenantID, l.ChannelID, l.Name, l.Phone,
		string(l.IdentifierKind), l.Identifier, attrs, l.CreatedAt, l.UpdatedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return identity.Lead{}, false, err
	}
	existing, err := t.FindLead(ctx, l.TenantID, l.IdentifierKind, l.Identifier)
	if err != nil {
		return identity.Lead{}, false, err
	}
	return existing, false, nil
}

func (t *pgTx) RenameLead(ctx context.Context, id, name string, at time.Time) error {
	const q = `UPDATE leads SET name = $2, updated_at = $3 WHERE id = $1`
	res, err := t.tx.ExecContext(ctx, q, id, name, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetLead(ctx context.Context, id string) (identity.Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	l, err := scanLead(t.tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Lead{}, identity.ErrNotFound
	}
	return l, err
}

func (t *pgTx) FindBinding(ctx context.Context, assistantID string, kind channel.Kind) (identity.Binding, error) {
	const q = `
SELECT assistant_id, channel, origin_id, access_token
FROM assistant_bindings
WHERE assistant_id = $1 AND channel = $2
ORDER BY origin_id
LIMIT 1`
	var b identity.Binding
	var ch string
	err := t.tx.QueryRowContext(ctx, q, assistantID, string(kind)).Scan(&b.AssistantID, &ch, &b.OriginID, &b.AccessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Binding{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Binding{}, err
	}
	b.Channel = channel.Kind(ch)
	return b, nil
}

func (t *pgTx) LockConversationKey(ctx context.Context, leadID, assistantID string) error {
	return utils.AdvisoryXactLock(ctx, t.tx, "conversation:"+leadID+":"+assistantID)
}

const conversationColumns = `id, tenant_id, lead_id, assistant_id, channel, status, agent_id, last_seq, last_activity_at, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (conversation.Conversation, error) {
	var c conversation.Conversation
	var ch, status string
	if err := row.Scan(&c.ID, &c.TenantID, &c.LeadID, &c.AssistantID, &ch, &status, &c.AgentID, &c.LastSeq,
		&c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return conversation.Conversation{}, err
	}
	c.Channel = channel.Kind(ch)
	c.Status = conversation.Status(status)
	return c, nil
}

func (t *pgTx) FindActiveConversation(ctx context.Context, leadID, assistantID string) (conversation.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations
WHERE lead_id = $1 AND assistant_id = $2 AND status NOT IN ('cerrada', 'archivada')
ORDER BY created_at DESC
LIMIT 1
FOR UPDATE`
	c, err := scanConversation(t.tx.QueryRowContext(ctx, q, leadID, assistantID))
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, err
}

func (t *pgTx) InsertConversation(ctx context.Context, c conversation.Conversation) error {
	const q = `
INSERT INTO conversations (id, tenant_id, lead_id, assistant_id, channel, status, agent_id, last_seq, last_activity_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := t.tx.ExecContext(ctx, q, c.ID, c.TenantID, c.LeadID, c.AssistantID, string(c.Channel), string(c.Status),
		c.AgentID, c.LastSeq, c.LastActivityAt, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: active conversation already exists for lead %s: %w", c.LeadID, err)
	}
	return err
}
