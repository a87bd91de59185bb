package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"convo-engine/internal/capability"
	"convo-engine/internal/channel"
	"convo-engine/internal/channel/whatsapp"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/live"
	"convo-engine/internal/store"
	"convo-engine/internal/store/storetest"
	"convo-engine/internal/task"
	"convo-engine/internal/worker"
	"convo-engine/pkg/logger"
)

const leadPhone = "5215500002222"

type recordingSender struct {
	mu   sync.Mutex
	sent []channel.OutboundReply
}

func (s *recordingSender) Send(ctx context.Context, r channel.OutboundReply) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, r)
	return "wamid.task", nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, task.OutboxMessage) error {
	return errors.New("broker unreachable")
}

type fixture struct {
	store    *store.Memory
	sender   *recordingSender
	events   *live.Recorder
	worker   *worker.Worker
	convID   string
	taskExec string
}

func newFixture(t *testing.T, ex worker.Executor) *fixture {
	t.Helper()
	f := &fixture{
		store:  storetest.Memory(t),
		sender: &recordingSender{},
		events: &live.Recorder{},
	}
	reg := channel.NewRegistry()
	reg.Register(whatsapp.NewAdapter())
	reg.RegisterSender(channel.KindWhatsApp, f.sender)

	f.worker = worker.New(f.store, worker.NewExecutors(ex), reg, logger.Discard())
	f.worker.Live = f.events

	d := whatsapp.NewAdapter().Descriptor()
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		res, err := identity.NewResolver().Resolve(ctx, tx, d, channel.CanonicalMessage{
			Channel: channel.KindWhatsApp, ChannelOriginID: storetest.WhatsAppPhone, SenderID: leadPhone, Text: "Que servicios tienen?",
		})
		if err != nil {
			return err
		}
		f.convID = res.Conversation.ID
		caps, err := capability.For(ctx, tx, storetest.AssistantID)
		if err != nil {
			return err
		}
		te, err := task.NewDispatcher("task.execute").Dispatch(ctx, tx, caps,
			capability.Call{Name: storetest.ListServicesFn, Args: map[string]any{"negocioId": "n-1"}},
			task.Correlation{
				TenantID:       storetest.TenantID,
				ConversationID: res.Conversation.ID,
				LeadID:         res.Lead.ID,
				AssistantID:    storetest.AssistantID,
				Channel:        channel.KindWhatsApp,
			})
		if err != nil {
			return err
		}
		f.taskExec = te.ID
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) execution(t *testing.T) task.TaskExecution {
	t.Helper()
	for _, te := range f.store.TaskExecutions() {
		if te.ID == f.taskExec {
			return te
		}
	}
	t.Fatalf("task execution %s not found", f.taskExec)
	return task.TaskExecution{}
}

func (f *fixture) message() task.Message {
	return task.Message{TaskExecutionID: f.taskExec, ConversationID: f.convID, Function: storetest.ListServicesFn}
}

func reply(content string) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, te task.TaskExecution) (worker.Result, error) {
		return worker.Result{Content: content}, nil
	})
}

func TestRelaySweep_PublishesAndMarksDispatched(t *testing.T) {
	f := newFixture(t, reply("ok"))
	q := worker.NewQueue(4)
	relay := worker.NewRelay(f.store, q, 10, logger.Discard())

	n, err := relay.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	te := f.execution(t)
	require.Equal(t, task.StatusDispatched, te.Status)
	require.NotNil(t, te.DispatchedAt)
	for _, m := range f.store.Outbox() {
		require.NotNil(t, m.PublishedAt)
	}

	n, err = relay.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRelaySweep_PublishFailureLeavesRowPending(t *testing.T) {
	f := newFixture(t, reply("ok"))
	relay := worker.NewRelay(f.store, failingPublisher{}, 10, logger.Discard())

	n, err := relay.Sweep(context.Background())
	require.Error(t, err)
	require.Zero(t, n)
	require.Equal(t, task.StatusPending, f.execution(t).Status)
	require.Nil(t, f.store.Outbox()[0].PublishedAt)
}

func TestRelaySweep_FullQueueDefersRows(t *testing.T) {
	f := newFixture(t, reply("ok"))
	q := worker.NewQueue(1)
	require.NoError(t, q.Publish(context.Background(), task.OutboxMessage{ID: "x", Payload: []byte(`{}`)}))

	_, err := worker.NewRelay(f.store, q, 10, logger.Discard()).Sweep(context.Background())
	require.ErrorIs(t, err, worker.ErrQueueFull)
	require.Equal(t, task.StatusPending, f.execution(t).Status)
}

func TestHandle_CompletesAndDeliversResult(t *testing.T) {
	f := newFixture(t, reply("Tenemos limpieza y ortodoncia."))

	require.NoError(t, f.worker.Handle(context.Background(), f.message()))

	te := f.execution(t)
	require.Equal(t, task.StatusCompleted, te.Status)
	require.Equal(t, "Tenemos limpieza y ortodoncia.", te.Result)
	require.NotNil(t, te.FinishedAt)

	items := f.store.Interactions(f.convID)
	last := items[len(items)-1]
	require.Equal(t, conversation.RoleAssistant, last.Role)
	require.Equal(t, "Tenemos limpieza y ortodoncia.", last.Text)

	require.Len(t, f.sender.sent, 1)
	out := f.sender.sent[0]
	require.Equal(t, leadPhone, out.To)
	require.Equal(t, storetest.WhatsAppPhone, out.ChannelOriginID)
	require.Equal(t, storetest.AccessToken, out.Credential)
	require.Equal(t, last.Text, out.Text)

	events := f.events.Events()
	require.Len(t, events, 1)
	require.Equal(t, live.EventInteractionCreated, events[0].Type)
}

func TestHandle_ExecutorErrorFailsWithoutDelivery(t *testing.T) {
	f := newFixture(t, worker.ExecutorFunc(func(context.Context, task.TaskExecution) (worker.Result, error) {
		return worker.Result{}, errors.New("calendar offline")
	}))

	require.NoError(t, f.worker.Handle(context.Background(), f.message()))

	te := f.execution(t)
	require.Equal(t, task.StatusFailed, te.Status)
	require.Equal(t, "calendar offline", te.Error)

	items := f.store.Interactions(f.convID)
	last := items[len(items)-1]
	require.Equal(t, conversation.RoleSystem, last.Role)
	require.Equal(t, "Task listarServicios failed: calendar offline", last.Text)
	require.Zero(t, f.sender.count())
}

func TestHandle_RedeliveryIsNoop(t *testing.T) {
	calls := 0
	f := newFixture(t, worker.ExecutorFunc(func(context.Context, task.TaskExecution) (worker.Result, error) {
		calls++
		return worker.Result{Content: "listo"}, nil
	}))
	ctx := context.Background()

	require.NoError(t, f.worker.Handle(ctx, f.message()))
	before := len(f.store.Interactions(f.convID))
	require.NoError(t, f.worker.Handle(ctx, f.message()))

	require.Equal(t, 1, calls)
	require.Len(t, f.store.Interactions(f.convID), before)
	require.Equal(t, 1, f.sender.count())
}

func TestHandle_PausedConversationKeepsResultInternal(t *testing.T) {
	f := newFixture(t, reply("Tenemos limpieza."))
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetStatus(ctx, f.convID, conversation.StatusHumanInLoop, time.Now())
	})
	require.NoError(t, err)

	require.NoError(t, f.worker.Handle(context.Background(), f.message()))

	require.Equal(t, task.StatusCompleted, f.execution(t).Status)
	items := f.store.Interactions(f.convID)
	require.Equal(t, "Tenemos limpieza.", items[len(items)-1].Text)
	require.Zero(t, f.sender.count())
}

func TestHandle_UnknownExecutionIsDropped(t *testing.T) {
	f := newFixture(t, reply("x"))
	require.NoError(t, f.worker.Handle(context.Background(), task.Message{TaskExecutionID: "missing"}))
}

func TestHandle_NoExecutorFails(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.worker.Handle(context.Background(), f.message()))
	te := f.execution(t)
	require.Equal(t, task.StatusFailed, te.Status)
	require.Contains(t, te.Error, "no executor")
}

func TestReaper_FailsStaleDispatched(t *testing.T) {
	f := newFixture(t, reply("x"))
	relay := worker.NewRelay(f.store, worker.NewQueue(4), 10, logger.Discard())
	relay.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, err := relay.Sweep(context.Background())
	require.NoError(t, err)

	n, err := worker.Reaper{Store: f.store, StaleTimeout: 15 * time.Minute}.Reap(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	te := f.execution(t)
	require.Equal(t, task.StatusFailed, te.Status)
	require.Equal(t, "no result within 15m0s", te.Error)
}

func TestRelayAndQueue_RunEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, reply("Hecho."))
	q := worker.NewQueue(4)
	relay := worker.NewRelay(f.store, q, 10, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = relay.Run(ctx) }()
	go func() { defer wg.Done(); _ = q.Run(ctx, f.worker) }()

	relay.Nudge()
	require.Eventually(t, func() bool {
		return f.execution(t).Status == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	require.Equal(t, 1, f.sender.count())
}

func TestSchedule_RejectsBadCronExpression(t *testing.T) {
	c := cron.New()
	relay := worker.NewRelay(storetest.Memory(t), worker.NewQueue(1), 10, logger.Discard())
	err := worker.Schedule(context.Background(), c, relay, worker.Reaper{}, "every tuesday-ish", "@every 1m", logger.Discard())
	require.Error(t, err)

	require.NoError(t, worker.Schedule(context.Background(), cron.New(), relay, worker.Reaper{}, "@every 5s", "@every 1m", logger.Discard()))
}

func TestHTTPExecutor(t *testing.T) {
	var got map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		if got["function"] == "broken" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"content":"3 services"}`))
	}))
	defer srv.Close()

	ex := worker.NewHTTPExecutor(srv.URL, time.Second)
	te := task.TaskExecution{
		ID:           "te-9",
		FunctionName: storetest.ListServicesFn,
		Arguments:    map[string]any{"negocioId": "n-1"},
		Metadata:     task.Metadata{ConversationID: "c-1", Function: storetest.ListServicesFn},
	}
	res, err := ex.Execute(context.Background(), te)
	require.NoError(t, err)
	require.Equal(t, "3 services", res.Content)
	require.Equal(t, "te-9", key)
	require.Equal(t, "c-1", got["metadata"].(map[string]any)["conversacionId"])

	te.FunctionName = "broken"
	_, err = ex.Execute(context.Background(), te)
	require.ErrorContains(t, err, "status 502")
}
