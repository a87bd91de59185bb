package console_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"convo-engine/internal/audit"
	"convo-engine/internal/channel"
	"convo-engine/internal/channel/whatsapp"
	"convo-engine/internal/console"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/live"
	"convo-engine/internal/store"
	"convo-engine/internal/store/storetest"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []channel.OutboundReply
}

func (s *recordingSender) Send(ctx context.Context, r channel.OutboundReply) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, r)
	return "wamid.1", nil
}

type harness struct {
	store  *store.Memory
	svc    *console.Service
	audit  *audit.MemoryRepo
	events *live.Recorder
	sender *recordingSender
	convID string
}

var supervisor = console.Actor{TenantID: storetest.TenantID, UserID: "u-1", Name: "Marta", Role: "supervisor"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  storetest.Memory(t),
		audit:  audit.NewMemoryRepo(),
		events: &live.Recorder{},
		sender: &recordingSender{},
	}
	reg := channel.NewRegistry()
	reg.Register(whatsapp.NewAdapter())
	reg.RegisterSender(channel.KindWhatsApp, h.sender)
	h.svc = console.NewService(h.store, reg, audit.NewService(h.audit), h.events)

	d := whatsapp.NewAdapter().Descriptor()
	err := h.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		res, err := identity.NewResolver().Resolve(ctx, tx, d, channel.CanonicalMessage{
			Channel: channel.KindWhatsApp, ChannelOriginID: storetest.WhatsAppPhone, SenderID: "5215500001111", Text: "Hola",
		})
		h.convID = res.Conversation.ID
		return err
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return h
}

func (h *harness) conversation(t *testing.T) conversation.Conversation {
	t.Helper()
	for _, c := range h.store.Conversations() {
		if c.ID == h.convID {
			return c
		}
	}
	t.Fatalf("conversation %s not found", h.convID)
	return conversation.Conversation{}
}

func (h *harness) lastText(t *testing.T) string {
	t.Helper()
	items := h.store.Interactions(h.convID)
	if len(items) == 0 {
		t.Fatalf("no interactions")
	}
	return items[len(items)-1].Text
}

func TestAgentReply_PausesAssignsAndDelivers(t *testing.T) {
	h := newHarness(t)

	in, err := h.svc.AgentReply(context.Background(), supervisor, h.convID, "  Hola, soy Marta  ")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if in.Role != conversation.RoleAgent || in.Text != "Hola, soy Marta" || in.AgentID != "u-1" {
		t.Fatalf("unexpected interaction %+v", in)
	}
	c := h.conversation(t)
	if c.Status != conversation.StatusAwaitingAgent {
		t.Fatalf("expected en_espera_agente, got %s", c.Status)
	}
	if c.AgentID != "u-1" {
		t.Fatalf("expected agent claim, got %q", c.AgentID)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(h.sender.sent))
	}
	out := h.sender.sent[0]
	if out.To != "5215500001111" || out.ChannelOriginID != storetest.WhatsAppPhone || out.Credential != storetest.AccessToken {
		t.Fatalf("unexpected outbound %+v", out)
	}
	if got := h.audit.Events(); len(got) != 1 || got[0].Type != audit.EventTypeAgentReply {
		t.Fatalf("unexpected audit events %+v", got)
	}
	var updated bool
	for _, ev := range h.events.Events() {
		if ev.Type == live.EventConversationUpdated && ev.Status == conversation.StatusAwaitingAgent {
			updated = true
		}
	}
	if !updated {
		t.Fatalf("expected conversation.updated event")
	}
}

// statusCountingStore counts SetStatus writes made through its transactions.
type statusCountingStore struct {
	*store.Memory
	writes int
}

type statusCountingTx struct {
	store.Tx
	writes *int
}

func (tx statusCountingTx) SetStatus(ctx context.Context, id string, status conversation.Status, at time.Time) error {
	*tx.writes++
	return tx.Tx.SetStatus(ctx, id, status, at)
}

func (s *statusCountingStore) WithTx(ctx context.Context, fn store.TxFunc) error {
	return s.Memory.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, statusCountingTx{Tx: tx, writes: &s.writes})
	})
}

func TestAgentReply_PausesWithOneStatusWrite(t *testing.T) {
	h := newHarness(t)
	counting := &statusCountingStore{Memory: h.store}
	h.svc.Store = counting

	if _, err := h.svc.AgentReply(context.Background(), supervisor, h.convID, "Te ayudo"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if counting.writes != 1 {
		t.Fatalf("expected one status write, got %d", counting.writes)
	}
	if c := h.conversation(t); c.Status != conversation.StatusAwaitingAgent {
		t.Fatalf("expected en_espera_agente, got %s", c.Status)
	}

	if _, err := h.svc.AgentReply(context.Background(), supervisor, h.convID, "Sigo aqui"); err != nil {
		t.Fatalf("second reply: %v", err)
	}
	if counting.writes != 1 {
		t.Fatalf("paused conversation should not be written again, got %d writes", counting.writes)
	}
}

func TestAgentReply_RejectsEmptyAndClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.AgentReply(ctx, supervisor, h.convID, "   "); !errors.Is(err, console.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := h.svc.Close(ctx, supervisor, h.convID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.svc.AgentReply(ctx, supervisor, h.convID, "hola"); !errors.Is(err, console.ErrConversationClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestPauseResume_WritesNotesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.svc.Pause(ctx, supervisor, h.convID, conversation.StatusHumanInLoop)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if c.Status != conversation.StatusHumanInLoop {
		t.Fatalf("expected hitl_activo, got %s", c.Status)
	}
	if got := h.lastText(t); got != "Automation paused by Marta." {
		t.Fatalf("unexpected note %q", got)
	}

	before := len(h.store.Interactions(h.convID))
	if _, err := h.svc.Pause(ctx, supervisor, h.convID, conversation.StatusHumanInLoop); err != nil {
		t.Fatalf("repeat pause: %v", err)
	}
	if after := len(h.store.Interactions(h.convID)); after != before {
		t.Fatalf("repeat pause wrote %d interactions", after-before)
	}

	c, err = h.svc.Resume(ctx, supervisor, h.convID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.Status != conversation.StatusOpen || h.lastText(t) != "Automation resumed by Marta." {
		t.Fatalf("unexpected resume result %+v / %q", c, h.lastText(t))
	}
	if n := len(h.audit.Events()); n != 2 {
		t.Fatalf("expected 2 audit events, got %d", n)
	}
}

func TestPause_RejectsNonPauseMode(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Pause(context.Background(), supervisor, h.convID, conversation.StatusClosed); !errors.Is(err, console.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCloseThenArchiveIsInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Close(ctx, supervisor, h.convID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := h.lastText(t); got != "Conversation closed by Marta." {
		t.Fatalf("unexpected note %q", got)
	}
	if _, err := h.svc.Archive(ctx, supervisor, h.convID); !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := h.svc.Resume(ctx, supervisor, h.convID); !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestAssignUnassign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.svc.Assign(ctx, supervisor, h.convID, "u-9", "Pedro")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if c.AgentID != "u-9" || h.lastText(t) != "Conversation assigned to Pedro by Marta." {
		t.Fatalf("unexpected assign result %+v / %q", c, h.lastText(t))
	}
	if c.Status != conversation.StatusOpen {
		t.Fatalf("assignment must not change status, got %s", c.Status)
	}

	c, err = h.svc.Unassign(ctx, supervisor, h.convID)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if c.AgentID != "" || h.lastText(t) != "Conversation unassigned by Marta." {
		t.Fatalf("unexpected unassign result %+v / %q", c, h.lastText(t))
	}
}

func TestOtherTenantSeesNotFound(t *testing.T) {
	h := newHarness(t)
	intruder := console.Actor{TenantID: "tenant-2", UserID: "x"}
	ctx := context.Background()

	if _, err := h.svc.Pause(ctx, intruder, h.convID, ""); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.svc.Interactions(ctx, intruder, h.convID, conversation.HistoryQuery{}); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if c := h.conversation(t); c.Status != conversation.StatusOpen {
		t.Fatalf("intruder changed status to %s", c.Status)
	}
}

func TestList_ActiveOnlyAndSearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	all, err := h.svc.List(ctx, supervisor, conversation.ListFilter{})
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %v %+v", err, all)
	}
	if all[0].LeadName != "WhatsApp user 1111" {
		t.Fatalf("unexpected lead name %q", all[0].LeadName)
	}
	if got, _ := h.svc.List(ctx, supervisor, conversation.ListFilter{Search: "nobody"}); len(got) != 0 {
		t.Fatalf("expected empty search, got %+v", got)
	}
	if _, err := h.svc.Close(ctx, supervisor, h.convID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got, _ := h.svc.List(ctx, supervisor, conversation.ListFilter{ActiveOnly: true}); len(got) != 0 {
		t.Fatalf("expected no active conversations, got %+v", got)
	}
}

func TestAddNote_StaysInternal(t *testing.T) {
	h := newHarness(t)

	in, err := h.svc.AddNote(context.Background(), supervisor, h.convID, "VIP customer")
	if err != nil {
		t.Fatalf("note: %v", err)
	}
	if in.Role != conversation.RoleSystem || in.AgentID != "u-1" {
		t.Fatalf("unexpected note %+v", in)
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("notes must not reach the customer")
	}
}
