package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convo-engine/internal/capability"
	"convo-engine/internal/channel"
	"convo-engine/internal/channel/webchat"
	"convo-engine/internal/channel/whatsapp"
	"convo-engine/internal/conversation"
	"convo-engine/internal/engine"
	"convo-engine/internal/live"
	"convo-engine/internal/orchestrator"
	"convo-engine/internal/store"
	"convo-engine/internal/store/storetest"
	"convo-engine/internal/task"
)

type scriptedProvider struct {
	mu       sync.Mutex
	resp     orchestrator.Response
	err      error
	block    bool
	during   func()
	calls    int
	requests []orchestrator.Request
}

func (p *scriptedProvider) Generate(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	during := p.during
	p.mu.Unlock()
	if during != nil {
		during()
	}
	if p.block {
		<-ctx.Done()
		return orchestrator.Response{}, ctx.Err()
	}
	return p.resp, p.err
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingSender struct {
	mu      sync.Mutex
	replies []channel.OutboundReply
}

func (s *recordingSender) Send(ctx context.Context, r channel.OutboundReply) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return "wamid.out", nil
}

type countingNudger struct{ n int }

func (c *countingNudger) Nudge() { c.n++ }

type fixture struct {
	store    *store.Memory
	provider *scriptedProvider
	sender   *recordingSender
	relay    *countingNudger
	events   *live.Recorder
	proc     *engine.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storetest.Memory(t),
		provider: &scriptedProvider{resp: orchestrator.Response{Text: "Hola, soy Ana."}},
		sender:   &recordingSender{},
		relay:    &countingNudger{},
		events:   &live.Recorder{},
	}
	reg := channel.NewRegistry()
	reg.Register(whatsapp.NewAdapter())
	reg.Register(webchat.NewAdapter())
	reg.RegisterSender(channel.KindWhatsApp, f.sender)

	f.proc = engine.NewProcessor(f.store, reg, orchestrator.New(f.provider, 50*time.Millisecond), task.NewDispatcher("task.execute"), 20)
	f.proc.Live = f.events
	f.proc.Relay = f.relay
	return f
}

func whatsappMsg(text string) channel.CanonicalMessage {
	return channel.CanonicalMessage{
		Channel:         channel.KindWhatsApp,
		ChannelOriginID: storetest.WhatsAppPhone,
		SenderID:        "5215512345678",
		Text:            text,
		ReceivedAt:      time.Now().UTC(),
	}
}

func roles(items []conversation.Interaction) []conversation.Role {
	out := make([]conversation.Role, 0, len(items))
	for _, it := range items {
		out = append(out, it.Role)
	}
	return out
}

func TestProcess_NewSenderGetsTextReply(t *testing.T) {
	f := newFixture(t)

	out, err := f.proc.Process(context.Background(), whatsappMsg("Hola"))
	require.NoError(t, err)
	require.True(t, out.Automated)
	require.True(t, out.ConversationWasNew)
	require.Equal(t, "Hola, soy Ana.", out.Reply)

	leads := f.store.Leads()
	require.Len(t, leads, 1)
	require.Equal(t, "WhatsApp user 5678", leads[0].Name)
	require.Equal(t, "5215512345678", leads[0].Phone)

	convs := f.store.Conversations()
	require.Len(t, convs, 1)
	require.Equal(t, conversation.StatusOpen, convs[0].Status)

	items := f.store.Interactions(out.ConversationID)
	require.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleAssistant}, roles(items))
	require.Equal(t, int64(1), items[0].Seq)
	require.Equal(t, int64(2), items[1].Seq)

	require.Len(t, f.sender.replies, 1)
	require.Equal(t, storetest.AccessToken, f.sender.replies[0].Credential)
	require.Equal(t, "5215512345678", f.sender.replies[0].To)
	require.Empty(t, f.store.TaskExecutions())
}

func TestProcess_LastActivityStrictlyIncreases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.proc.Process(ctx, whatsappMsg("uno"))
	require.NoError(t, err)
	before := f.store.Conversations()[0].LastActivityAt

	_, err = f.proc.Process(ctx, whatsappMsg("dos"))
	require.NoError(t, err)
	after := f.store.Conversations()[0].LastActivityAt
	require.True(t, after.After(before))

	items := f.store.Interactions(out.ConversationID)
	require.Len(t, items, 4)
}

func TestProcess_AgentReplyPausesAutomation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.proc.Process(ctx, whatsappMsg("Hola"))
	require.NoError(t, err)

	err = f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := conversation.NewLog().Append(ctx, tx, conversation.Interaction{
			ConversationID: out.ConversationID, Role: conversation.RoleAgent, Text: "Te atiendo yo", AgentID: "agent-7",
		})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, conversation.StatusAwaitingAgent, f.store.Conversations()[0].Status)

	callsBefore := f.provider.Calls()
	next, err := f.proc.Process(ctx, whatsappMsg("¿Sigues ahí?"))
	require.NoError(t, err)
	require.False(t, next.Automated)
	require.Empty(t, next.Reply)
	require.Equal(t, callsBefore, f.provider.Calls())

	items := f.store.Interactions(out.ConversationID)
	require.Equal(t, []conversation.Role{
		conversation.RoleUser, conversation.RoleAssistant, conversation.RoleAgent, conversation.RoleUser,
	}, roles(items))
}

func TestProcess_HumanInLoopStoresSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.proc.Process(ctx, whatsappMsg("Hola"))
	require.NoError(t, err)
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetStatus(ctx, out.ConversationID, conversation.StatusHumanInLoop, time.Now().UTC())
	}))

	next, err := f.proc.Process(ctx, whatsappMsg("hola?"))
	require.NoError(t, err)
	require.False(t, next.Automated)
	require.Equal(t, 1, f.provider.Calls())
	for _, it := range f.store.Interactions(out.ConversationID)[2:] {
		require.Equal(t, conversation.RoleUser, it.Role)
	}
}

func TestProcess_ToolCallCreatesTaskExecution(t *testing.T) {
	f := newFixture(t)
	f.provider.resp = orchestrator.Response{Call: &capability.Call{
		Name: storetest.ListServicesFn,
		Args: map[string]any{"negocioId": "x"},
	}}

	out, err := f.proc.Process(context.Background(), whatsappMsg("¿Qué servicios tienen?"))
	require.NoError(t, err)
	require.Equal(t, "Understood. Processing: listarServicios.", out.Reply)
	require.NotEmpty(t, out.TaskExecutionID)
	require.Equal(t, 1, f.relay.n)

	tes := f.store.TaskExecutions()
	require.Len(t, tes, 1)
	te := tes[0]
	require.Equal(t, task.StatusPending, te.Status)
	require.Equal(t, storetest.ListServicesFn, te.Metadata.Function)
	require.Equal(t, map[string]any{"negocioId": "x"}, te.Metadata.Arguments)
	require.Equal(t, map[string]any{"negocioId": "x"}, te.Arguments)
	require.Equal(t, out.ConversationID, te.Metadata.ConversationID)
	require.Equal(t, storetest.AssistantID, te.Metadata.AssistantID)
	require.Equal(t, "whatsapp", te.Metadata.Channel)
	require.Len(t, f.store.Outbox(), 1)

	items := f.store.Interactions(out.ConversationID)
	require.Len(t, items, 2)
	require.Equal(t, storetest.ListServicesFn, items[1].FunctionName)
	require.Equal(t, "Understood. Processing: listarServicios.", items[1].Text)
}

func TestProcess_UnknownToolCallIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.provider.resp = orchestrator.Response{Call: &capability.Call{Name: "inventado", Args: map[string]any{}}}

	out, err := f.proc.Process(context.Background(), whatsappMsg("haz algo"))
	require.NoError(t, err)
	require.True(t, out.Automated)
	require.Empty(t, out.TaskExecutionID)
	require.Empty(t, f.store.TaskExecutions())
	require.Empty(t, f.store.Outbox())
	require.Equal(t, 0, f.relay.n)
}

func TestProcess_TypeMismatchRejectsWithoutPublishing(t *testing.T) {
	f := newFixture(t)
	f.provider.resp = orchestrator.Response{
		Text: "Confirmando tu cita.",
		Call: &capability.Call{Name: storetest.ConfirmFn, Args: map[string]any{"confirmado": "yes"}},
	}

	out, err := f.proc.Process(context.Background(), whatsappMsg("sí, confirmo"))
	require.NoError(t, err)
	require.Equal(t, "Confirmando tu cita.", out.Reply)

	tes := f.store.TaskExecutions()
	require.Len(t, tes, 1)
	require.Equal(t, task.StatusRejected, tes[0].Status)
	require.True(t, tes[0].Issues.Blocking())
	require.Equal(t, []string{"fecha"}, tes[0].Metadata.Missing)
	require.Empty(t, f.store.Outbox())
	require.Equal(t, 0, f.relay.n)
}

func TestProcess_ModelFailureDegradesToApology(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("quota exceeded")

	out, err := f.proc.Process(context.Background(), whatsappMsg("Hola"))
	require.NoError(t, err)
	require.True(t, out.Degraded)
	require.Equal(t, orchestrator.Apology, out.Reply)

	items := f.store.Interactions(out.ConversationID)
	require.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleSystem}, roles(items))
	require.True(t, strings.HasPrefix(items[1].Text, "AI error: "))
	require.Equal(t, conversation.StatusOpen, f.store.Conversations()[0].Status)
	require.Len(t, f.sender.replies, 1)
	require.Equal(t, orchestrator.Apology, f.sender.replies[0].Text)
}

func TestProcess_ModelTimeoutIsAModelFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.block = true

	out, err := f.proc.Process(context.Background(), whatsappMsg("Hola"))
	require.NoError(t, err)
	require.True(t, out.Degraded)

	items := f.store.Interactions(out.ConversationID)
	require.Len(t, items, 2)
	require.Contains(t, items[1].Text, "timed out")
}

func TestProcess_TakeoverDuringModelCallDiscardsReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.during = func() {
		id := f.store.Conversations()[0].ID
		err := f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			c, err := tx.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			_, _, err = conversation.Transition(ctx, tx, c, conversation.StatusHumanInLoop, time.Now().UTC())
			return err
		})
		if err != nil {
			t.Errorf("takeover: %v", err)
		}
	}

	out, err := f.proc.Process(ctx, whatsappMsg("Hola"))
	require.NoError(t, err)
	require.True(t, out.Superseded)
	require.False(t, out.Automated)
	require.Empty(t, out.Reply)
	require.Equal(t, []conversation.Role{conversation.RoleUser}, roles(f.store.Interactions(out.ConversationID)))
	require.Empty(t, f.sender.replies)
}

func TestProcess_HistoryExcludesSystemAndCurrentMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.err = errors.New("boom")
	_, err := f.proc.Process(ctx, whatsappMsg("primero"))
	require.NoError(t, err)

	f.provider.err = nil
	_, err = f.proc.Process(ctx, whatsappMsg("segundo"))
	require.NoError(t, err)

	last := f.provider.requests[len(f.provider.requests)-1]
	require.Equal(t, "segundo", last.Message)
	require.Equal(t, []orchestrator.Turn{{Role: orchestrator.TurnUser, Text: "primero"}}, last.History)
	require.Len(t, last.Capabilities, 2)
	require.Equal(t, "Ana", last.Persona.AssistantName)
}

func TestProcess_ConcurrentDuplicatesShareOneLead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.proc.Process(ctx, whatsappMsg("Hola")); err != nil {
				t.Errorf("process: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, f.store.Leads(), 1)
	convs := f.store.Conversations()
	require.Len(t, convs, 1)
	users := 0
	for _, it := range f.store.Interactions(convs[0].ID) {
		if it.Role == conversation.RoleUser {
			users++
		}
	}
	require.Equal(t, 8, users)
}

type memoryGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (g *memoryGuard) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

func (g *memoryGuard) FirstDelivery(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

func (g *memoryGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}

// flakyStore fails the first n transactions before touching the store.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) WithTx(ctx context.Context, fn store.TxFunc) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("could not serialize access")
	}
	s.mu.Unlock()
	return s.Memory.WithTx(ctx, fn)
}

func TestProcess_RedeliveredProviderMessageIsDropped(t *testing.T) {
	f := newFixture(t)
	f.proc.Guard = &memoryGuard{seen: map[string]bool{}}
	msg := whatsappMsg("Hola")
	msg.ExternalID = "wamid.1"

	_, err := f.proc.Process(context.Background(), msg)
	require.NoError(t, err)
	dup, err := f.proc.Process(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, dup.Duplicate)
	require.Equal(t, 1, f.provider.Calls())
}

func TestProcess_RedeliveryAfterFailureIsProcessed(t *testing.T) {
	f := newFixture(t)
	f.proc.Store = &flakyStore{Memory: f.store, failures: 1}
	f.proc.Guard = &memoryGuard{seen: map[string]bool{}}
	msg := whatsappMsg("Hola")
	msg.ExternalID = "wamid.retry"

	_, err := f.proc.Process(context.Background(), msg)
	require.Error(t, err)
	require.Empty(t, f.store.Leads())

	out, err := f.proc.Process(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	require.NotEmpty(t, out.ConversationID)
	require.Len(t, f.store.Leads(), 1)
	require.Equal(t, 1, f.provider.Calls())

	dup, err := f.proc.Process(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, dup.Duplicate)
}

func TestProcess_UnknownOriginIsNotFound(t *testing.T) {
	f := newFixture(t)
	msg := whatsappMsg("Hola")
	msg.ChannelOriginID = "nobody"

	_, err := f.proc.Process(context.Background(), msg)
	require.Error(t, err)
	require.Empty(t, f.store.Leads())
}

func TestHandleInbound_WebchatRoundTrip(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"channel_origin_id":"site-1","sender_id":"visitor-abcdef123","sender_name":"Luis","text":"hola"}`)

	outs, err := f.proc.HandleInbound(context.Background(), channel.KindWebchat, raw)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, "Hola, soy Ana.", outs[0].Reply)
	require.Empty(t, f.sender.replies)

	leads := f.store.Leads()
	require.Len(t, leads, 1)
	require.Equal(t, "Luis", leads[0].Name)
	require.Equal(t, "visitor-abcdef123", leads[0].Attributes["webchat_user_id"])

	var created int
	for _, ev := range f.events.Events() {
		if ev.Type == live.EventInteractionCreated {
			created++
		}
	}
	require.Equal(t, 2, created)
}

func TestHandleInbound_UnregisteredChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.HandleInbound(context.Background(), channel.Kind("telegram"), []byte(`{}`))
	require.ErrorIs(t, err, channel.ErrUnrecognizedChannel)
}
