package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convo-engine/internal/capability"
	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/task"
)

// Memory is an in-memory Store. Transactions are serialized and applied
// atomically: fn works on a copy that replaces the state only on success.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

type bindingKey struct {
	channel  channel.Kind
	originID string
}

type memState struct {
	assistants    map[string]identity.Assistant
	bindings      map[bindingKey]identity.Binding
	channels      map[string]identity.TenantChannel // tenant|kind
	leads         map[string]identity.Lead
	conversations map[string]conversation.Conversation
	interactions  map[string][]conversation.Interaction
	tasks         map[string]TaskDefinition
	subscriptions map[string]map[string]bool // assistant -> task -> active
	subOrder      map[string][]string
	executions    map[string]task.TaskExecution
	execOrder     []string
	outbox        []task.OutboxMessage
}

func newMemState() *memState {
	return &memState{
		assistants:    map[string]identity.Assistant{},
		bindings:      map[bindingKey]identity.Binding{},
		channels:      map[string]identity.TenantChannel{},
		leads:         map[string]identity.Lead{},
		conversations: map[string]conversation.Conversation{},
		interactions:  map[string][]conversation.Interaction{},
		tasks:         map[string]TaskDefinition{},
		subscriptions: map[string]map[string]bool{},
		subOrder:      map[string][]string{},
		executions:    map[string]task.TaskExecution{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.assistants {
		out.assistants[k] = v
	}
	for k, v := range s.bindings {
		out.bindings[k] = v
	}
	for k, v := range s.channels {
		out.channels[k] = v
	}
	for k, v := range s.leads {
		out.leads[k] = v
	}
	for k, v := range s.conversations {
		out.conversations[k] = v
	}
	for k, v := range s.interactions {
		out.interactions[k] = append([]conversation.Interaction(nil), v...)
	}
	for k, v := range s.tasks {
		out.tasks[k] = v
	}
	for a, m := range s.subscriptions {
		cp := make(map[string]bool, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out.subscriptions[a] = cp
	}
	for k, v := range s.subOrder {
		out.subOrder[k] = append([]string(nil), v...)
	}
	for k, v := range s.executions {
		out.executions[k] = v
	}
	out.execOrder = append([]string(nil), s.execOrder...)
	out.outbox = append([]task.OutboxMessage(nil), s.outbox...)
	return out
}

func (m *Memory) WithTx(ctx context.Context, fn TxFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(ctx, &memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Interactions returns a conversation's log, for assertions.
func (m *Memory) Interactions(conversationID string) []conversation.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]conversation.Interaction(nil), m.state.interactions[conversationID]...)
}

func (m *Memory) Leads() []identity.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.Lead, 0, len(m.state.leads))
	for _, l := range m.state.leads {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) Conversations() []conversation.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]conversation.Conversation, 0, len(m.state.conversations))
	for _, c := range m.state.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) TaskExecutions() []task.TaskExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.TaskExecution, 0, len(m.state.execOrder))
	for _, id := range m.state.execOrder {
		out = append(out, m.state.executions[id])
	}
	return out
}

func (m *Memory) Outbox() []task.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.OutboxMessage(nil), m.state.outbox...)
}

type memTx struct {
	s *memState
}

// identity.Repository

func (t *memTx) FindAssistantByOrigin(ctx context.Context, kind channel.Kind, originID string) (identity.Assistant, identity.Binding, error) {
	b, ok := t.s.bindings[bindingKey{kind, originID}]
	if !ok {
		return identity.Assistant{}, identity.Binding{}, &identity.NotFoundError{Entity: "assistant", Key: string(kind) + ":" + originID}
	}
	a, ok := t.s.assistants[b.AssistantID]
	if !ok || a.Status != identity.AssistantActive {
		return identity.Assistant{}, identity.Binding{}, &identity.NotFoundError{Entity: "assistant", Key: string(kind) + ":" + originID}
	}
	return a, b, nil
}

func (t *memTx) EnsureTenantChannel(ctx context.Context, tenantID string, d channel.Descriptor) (identity.TenantChannel, error) {
	key := tenantID + "|" + string(d.Kind)
	if tc, ok := t.s.channels[key]; ok {
		return tc, nil
	}
	tc := identity.TenantChannel{ID: uuid.NewString(), TenantID: tenantID, Kind: d.Kind, Label: d.Label}
	t.s.channels[key] = tc
	return tc, nil
}

func (t *memTx) FindLead(ctx context.Context, tenantID string, kind channel.IdentifierKind, identifier string) (identity.Lead, error) {
	for _, l := range t.s.leads {
		if l.TenantID == tenantID && l.IdentifierKind == kind && l.Identifier == identifier {
			return l, nil
		}
	}
	return identity.Lead{}, identity.ErrNotFound
}

func (t *memTx) InsertLead(ctx context.Context, l identity.Lead) (identity.Lead, bool, error) {
	if existing, err := t.FindLead(ctx, l.TenantID, l.IdentifierKind, l.Identifier); err == nil {
		return existing, false, nil
	}
	t.s.leads[l.ID] = l
	return l, true, nil
}

func (t *memTx) RenameLead(ctx context.Context, id, name string, at time.Time) error {
	l, ok := t.s.leads[id]
	if !ok {
		return identity.ErrNotFound
	}
	l.Name = name
	l.UpdatedAt = at
	t.s.leads[id] = l
	return nil
}

func (t *memTx) GetLead(ctx context.Context, id string) (identity.Lead, error) {
	l, ok := t.s.leads[id]
	if !ok {
		return identity.Lead{}, identity.ErrNotFound
	}
	return l, nil
}

func (t *memTx) FindBinding(ctx context.Context, assistantID string, kind channel.Kind) (identity.Binding, error) {
	var found *identity.Binding
	for _, b := range t.s.bindings {
		if b.AssistantID != assistantID || b.Channel != kind {
			continue
		}
		b := b
		if found == nil || b.OriginID < found.OriginID {
			found = &b
		}
	}
	if found == nil {
		return identity.Binding{}, identity.ErrNotFound
	}
	return *found, nil
}

// LockConversationKey is a no-op: memory transactions are already serialized.
func (t *memTx) LockConversationKey(ctx context.Context, leadID, assistantID string) error {
	return nil
}

func (t *memTx) FindActiveConversation(ctx context.Context, leadID, assistantID string) (conversation.Conversation, error) {
	var best *conversation.Conversation
	for _, c := range t.s.conversations {
		if c.LeadID != leadID || c.AssistantID != assistantID || c.Status.Terminal() {
			continue
		}
		c := c
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = &c
		}
	}
	if best == nil {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return *best, nil
}

func (t *memTx) InsertConversation(ctx context.Context, c conversation.Conversation) error {
	if !c.Status.Terminal() {
		if _, err := t.FindActiveConversation(ctx, c.LeadID, c.AssistantID); err == nil {
			return fmt.Errorf("store: active conversation already exists for lead %s", c.LeadID)
		}
	}
	t.s.conversations[c.ID] = c
	return nil
}

// conversation.Repository

func (t *memTx) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	c, ok := t.s.conversations[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (t *memTx) SetStatus(ctx context.Context, id string, status conversation.Status, at time.Time) error {
	c, ok := t.s.conversations[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = at
	t.s.conversations[id] = c
	return nil
}

func (t *memTx) SetAgent(ctx context.Context, id string, agentID string, at time.Time) error {
	c, ok := t.s.conversations[id]
	if !ok {
		return conversation.ErrNotFound
	}
	c.AgentID = agentID
	c.UpdatedAt = at
	t.s.conversations[id] = c
	return nil
}

func (t *memTx) AppendInteraction(ctx context.Context, in conversation.Interaction) (conversation.Interaction, error) {
	c, ok := t.s.conversations[in.ConversationID]
	if !ok {
		return conversation.Interaction{}, conversation.ErrNotFound
	}
	c.LastSeq++
	in.Seq = c.LastSeq
	c.LastActivityAt = nextActivity(c.LastActivityAt, in.CreatedAt)
	c.UpdatedAt = c.LastActivityAt
	t.s.conversations[c.ID] = c
	t.s.interactions[c.ID] = append(t.s.interactions[c.ID], in)
	return in, nil
}

// nextActivity keeps last activity strictly increasing under clock ties.
func nextActivity(prev, at time.Time) time.Time {
	if at.After(prev) {
		return at
	}
	return prev.Add(time.Microsecond)
}

func (t *memTx) ListInteractions(ctx context.Context, conversationID string, q conversation.HistoryQuery) ([]conversation.Interaction, error) {
	excluded := map[conversation.Role]bool{}
	for _, r := range q.ExcludeRoles {
		excluded[r] = true
	}
	keep := func(it conversation.Interaction) bool {
		if q.BeforeSeq > 0 && it.Seq >= q.BeforeSeq {
			return false
		}
		if q.AfterSeq > 0 && it.Seq <= q.AfterSeq {
			return false
		}
		return !excluded[it.Role]
	}
	all := t.s.interactions[conversationID]
	var out []conversation.Interaction
	if q.AfterSeq > 0 {
		for _, it := range all {
			if !keep(it) {
				continue
			}
			out = append(out, it)
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
		return out, nil
	}
	for i := len(all) - 1; i >= 0; i-- {
		it := all[i]
		if !keep(it) {
			continue
		}
		out = append(out, it)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (t *memTx) ListConversations(ctx context.Context, tenantID string, f conversation.ListFilter) ([]conversation.Summary, error) {
	f = f.Normalized()
	search := strings.ToLower(strings.TrimSpace(f.Search))
	var out []conversation.Summary
	for _, c := range t.s.conversations {
		if c.TenantID != tenantID {
			continue
		}
		if f.ActiveOnly && c.Status.Terminal() {
			continue
		}
		if f.AgentID != "" && c.AgentID != f.AgentID {
			continue
		}
		l := t.s.leads[c.LeadID]
		if search != "" && !strings.Contains(strings.ToLower(l.Name), search) {
			continue
		}
		out = append(out, conversation.Summary{Conversation: c, LeadName: l.Name, LeadPhone: l.Phone})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// capability.Repository

func (t *memTx) ListSubscribedTasks(ctx context.Context, assistantID string) ([]capability.TaskRecord, error) {
	var out []capability.TaskRecord
	for _, taskID := range t.s.subOrder[assistantID] {
		if !t.s.subscriptions[assistantID][taskID] {
			continue
		}
		def, ok := t.s.tasks[taskID]
		if !ok || !def.Active {
			continue
		}
		out = append(out, def.record())
	}
	return out, nil
}

func (d TaskDefinition) record() capability.TaskRecord {
	rec := capability.TaskRecord{
		TaskID:       d.ID,
		TaskName:     d.Name,
		Description:  d.Description,
		Instruction:  d.Instruction,
		CustomFields: append([]capability.FieldRecord(nil), d.CustomFields...),
	}
	if d.Function != nil {
		rec.Function = &capability.FunctionRecord{
			ID:          d.Function.ID,
			Name:        d.Function.Name,
			Description: d.Function.Description,
			Params:      append([]capability.ParamRecord(nil), d.Function.Params...),
		}
	}
	return rec
}

// task.Repository

func (t *memTx) InsertTaskExecution(ctx context.Context, te task.TaskExecution) error {
	if _, ok := t.s.executions[te.ID]; ok {
		return fmt.Errorf("store: task execution %s exists", te.ID)
	}
	t.s.executions[te.ID] = te
	t.s.execOrder = append(t.s.execOrder, te.ID)
	return nil
}

func (t *memTx) InsertOutbox(ctx context.Context, m task.OutboxMessage) error {
	if _, ok := t.s.executions[m.TaskExecutionID]; !ok {
		return task.ErrNotFound
	}
	t.s.outbox = append(t.s.outbox, m)
	return nil
}

func (t *memTx) ClaimOutbox(ctx context.Context, limit int) ([]task.OutboxMessage, error) {
	var out []task.OutboxMessage
	for _, m := range t.s.outbox {
		if m.PublishedAt != nil {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	for i := range t.s.outbox {
		if t.s.outbox[i].ID == id {
			at := at
			t.s.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return task.ErrNotFound
}

func (t *memTx) GetTaskExecution(ctx context.Context, id string) (task.TaskExecution, error) {
	te, ok := t.s.executions[id]
	if !ok {
		return task.TaskExecution{}, task.ErrNotFound
	}
	return te, nil
}

func (t *memTx) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	te, ok := t.s.executions[id]
	if !ok {
		return task.ErrNotFound
	}
	if te.Status != task.StatusPending {
		return nil
	}
	te.Status = task.StatusDispatched
	te.DispatchedAt = &at
	te.UpdatedAt = at
	t.s.executions[id] = te
	return nil
}

func (t *memTx) FinishTaskExecution(ctx context.Context, id string, status task.Status, result, errMsg string, at time.Time) error {
	te, ok := t.s.executions[id]
	if !ok {
		return task.ErrNotFound
	}
	te.Status = status
	te.Result = result
	te.Error = errMsg
	te.FinishedAt = &at
	te.UpdatedAt = at
	t.s.executions[id] = te
	return nil
}

func (t *memTx) ListTaskExecutions(ctx context.Context, tenantID string, f task.ListFilter) ([]task.TaskExecution, error) {
	var out []task.TaskExecution
	for i := len(t.s.execOrder) - 1; i >= 0; i-- {
		te := t.s.executions[t.s.execOrder[i]]
		if te.TenantID != tenantID {
			continue
		}
		if f.ConversationID != "" && te.ConversationID != f.ConversationID {
			continue
		}
		if f.Status != "" && te.Status != f.Status {
			continue
		}
		out = append(out, te)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) FailStale(ctx context.Context, before time.Time, reason string, at time.Time) (int, error) {
	n := 0
	for id, te := range t.s.executions {
		if te.Status != task.StatusDispatched || te.DispatchedAt == nil || !te.DispatchedAt.Before(before) {
			continue
		}
		te.Status = task.StatusFailed
		te.Error = reason
		te.FinishedAt = &at
		te.UpdatedAt = at
		t.s.executions[id] = te
		n++
	}
	return n, nil
}

// Admin

func (t *memTx) UpsertAssistant(ctx context.Context, a identity.Assistant) error {
	if a.Status == "" {
		a.Status = identity.AssistantActive
	}
	t.s.assistants[a.ID] = a
	return nil
}

func (t *memTx) UpsertBinding(ctx context.Context, b identity.Binding) error {
	t.s.bindings[bindingKey{b.Channel, b.OriginID}] = b
	return nil
}

func (t *memTx) UpsertTask(ctx context.Context, d TaskDefinition) error {
	t.s.tasks[d.ID] = d
	return nil
}

func (t *memTx) UpsertSubscription(ctx context.Context, assistantID, taskID string, active bool) error {
	m, ok := t.s.subscriptions[assistantID]
	if !ok {
		m = map[string]bool{}
		t.s.subscriptions[assistantID] = m
	}
	if _, seen := m[taskID]; !seen {
		t.s.subOrder[assistantID] = append(t.s.subOrder[assistantID], taskID)
	}
	m[taskID] = active
	return nil
}

// reporting.Repository

func inRange(at, from, to time.Time) bool {
	return !at.Before(from) && at.Before(to)
}

func (m *Memory) CountConversationsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[conversation.Status]int{}
	for _, c := range m.state.conversations {
		if c.TenantID == tenantID && inRange(c.CreatedAt, from, to) {
			out[c.Status]++
		}
	}
	return out, nil
}

func (m *Memory) CountInteractionsByRole(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Role]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[conversation.Role]int{}
	for convID, items := range m.state.interactions {
		if m.state.conversations[convID].TenantID != tenantID {
			continue
		}
		for _, it := range items {
			if inRange(it.CreatedAt, from, to) {
				out[it.Role]++
			}
		}
	}
	return out, nil
}

func (m *Memory) CountTaskExecutionsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[task.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[task.Status]int{}
	for _, te := range m.state.executions {
		if te.TenantID == tenantID && inRange(te.CreatedAt, from, to) {
			out[te.Status]++
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
