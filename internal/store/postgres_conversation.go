package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
)

func (t *pgTx) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 FOR UPDATE`
	c, err := scanConversation(t.tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, err
}

func (t *pgTx) SetStatus(ctx context.Context, id string, status conversation.Status, at time.Time) error {
	const q = `UPDATE conversations SET status = $2, updated_at = $3 WHERE id = $1`
	return t.execOne(ctx, conversation.ErrNotFound, q, id, string(status), at)
}

func (t *pgTx) SetAgent(ctx context.Context, id string, agentID string, at time.Time) error {
	const q = `UPDATE conversations SET agent_id = $2, updated_at = $3 WHERE id = $1`
	return t.execOne(ctx, conversation.ErrNotFound, q, id, agentID, at)
}

func (t *pgTx) execOne(ctx context.Context, notFound error, q string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound
	}
	return nil
}

// AppendInteraction bumps the conversation's sequence counter and activity
// clock in one statement; the row lock it takes serializes appends.
func (t *pgTx) AppendInteraction(ctx context.Context, in conversation.Interaction) (conversation.Interaction, error) {
	const bump = `
UPDATE conversations
SET last_seq = last_seq + 1,
    last_activity_at = GREATEST($2, last_activity_at + interval '1 microsecond'),
    updated_at = GREATEST($2, last_activity_at + interval '1 microsecond')
WHERE id = $1
RETURNING last_seq`
	err := t.tx.QueryRowContext(ctx, bump, in.ConversationID, in.CreatedAt).Scan(&in.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Interaction{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Interaction{}, err
	}

	var args []byte
	if in.FunctionArgs != nil {
		if args, err = json.Marshal(in.FunctionArgs); err != nil {
			return conversation.Interaction{}, fmt.Errorf("store: function args: %w", err)
		}
	}
	const insert = `
INSERT INTO interactions (id, conversation_id, seq, role, text, media_ref, agent_id, channel, function_name, function_args, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = t.tx.ExecContext(ctx, insert, in.ID, in.ConversationID, in.Seq, string(in.Role), in.Text, in.MediaRef,
		in.AgentID, string(in.Channel), in.FunctionName, args, in.CreatedAt)
	if err != nil {
		return conversation.Interaction{}, err
	}
	return in, nil
}

func (t *pgTx) ListInteractions(ctx context.Context, conversationID string, hq conversation.HistoryQuery) ([]conversation.Interaction, error) {
	excluded := make([]string, 0, len(hq.ExcludeRoles))
	for _, r := range hq.ExcludeRoles {
		excluded = append(excluded, string(r))
	}
	var limit sql.NullInt64
	if hq.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(hq.Limit), Valid: true}
	}
	const q = `
SELECT id, conversation_id, seq, role, text, media_ref, agent_id, channel, function_name, function_args, created_at
FROM (
    SELECT * FROM interactions
    WHERE conversation_id = $1
      AND ($2 = 0 OR seq < $2)
      AND ($5 = 0 OR seq > $5)
      AND NOT (role = ANY($3::text[]))
    ORDER BY CASE WHEN $5 > 0 THEN seq ELSE -seq END
    LIMIT $4
) recent
ORDER BY seq ASC`
	rows, err := t.tx.QueryContext(ctx, q, conversationID, hq.BeforeSeq, excluded, limit, hq.AfterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Interaction
	for rows.Next() {
		var in conversation.Interaction
		var role, ch string
		var args []byte
		if err := rows.Scan(&in.ID, &in.ConversationID, &in.Seq, &role, &in.Text, &in.MediaRef, &in.AgentID,
			&ch, &in.FunctionName, &args, &in.CreatedAt); err != nil {
			return nil, err
		}
		in.Role = conversation.Role(role)
		in.Channel = channel.Kind(ch)
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in.FunctionArgs); err != nil {
				return nil, fmt.Errorf("store: interaction %s args: %w", in.ID, err)
			}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (t *pgTx) ListConversations(ctx context.Context, tenantID string, f conversation.ListFilter) ([]conversation.Summary, error) {
	f = f.Normalized()
	const q = `
SELECT c.id, c.tenant_id, c.lead_id, c.assistant_id, c.channel, c.status, c.agent_id, c.last_seq,
       c.last_activity_at, c.created_at, c.updated_at, l.name, l.phone
FROM conversations c
JOIN leads l ON l.id = c.lead_id
WHERE c.tenant_id = $1
  AND (NOT $2 OR c.status NOT IN ('cerrada', 'archivada'))
  AND ($3 = '' OR l.name ILIKE '%' || $3 || '%')
  AND ($4 = '' OR c.agent_id = $4)
ORDER BY c.last_activity_at DESC
LIMIT $5`
	rows, err := t.tx.QueryContext(ctx, q, tenantID, f.ActiveOnly, f.Search, f.AgentID, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Summary
	for rows.Next() {
		var s conversation.Summary
		var ch, status string
		if err := rows.Scan(&s.ID, &s.TenantID, &s.LeadID, &s.AssistantID, &ch, &status, &s.AgentID, &s.LastSeq,
			&s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt, &s.LeadName, &s.LeadPhone); err != nil {
			return nil, err
		}
		s.Channel = channel.Kind(ch)
		s.Status = conversation.Status(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
