// Package worker relays task executions out of the outbox, runs them
// against executors and reports results back into the conversation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/live"
	"convo-engine/internal/store"
	"convo-engine/internal/task"
	"convo-engine/pkg/logger"
)

type Worker struct {
	Store     store.Store
	Executors *Executors
	Channels  *channel.Registry
	Live      live.Publisher
	Log       conversation.Log
	// Timeout bounds one executor call.
	Timeout time.Duration
	Now     func() time.Time

	log *slog.Logger
}

func New(s store.Store, executors *Executors, channels *channel.Registry, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		Store:     s,
		Executors: executors,
		Channels:  channels,
		Log:       conversation.NewLog(),
		Timeout:   30 * time.Second,
		Now:       time.Now,
		log:       log.With("component", "task_worker"),
	}
}

type completion struct {
	conv     conversation.Conversation
	appended []conversation.Interaction
	reply    *channel.OutboundReply
}

// Handle runs one task execution. Executor failures finish the execution
// as failed and return nil; only storage errors are returned so the
// delivery can be retried.
func (w *Worker) Handle(ctx context.Context, msg task.Message) error {
	log := w.log.With(slog.String("task_execution_id", msg.TaskExecutionID))
	ctx = logger.With(ctx, log)

	var te task.TaskExecution
	err := w.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		te, err = tx.GetTaskExecution(ctx, msg.TaskExecutionID)
		if err != nil {
			return err
		}
		if te.Status == task.StatusPending {
			return tx.MarkDispatched(ctx, te.ID, w.now())
		}
		return nil
	})
	if errors.Is(err, task.ErrNotFound) {
		log.Warn("task execution not found, dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: load task execution: %w", err)
	}
	if te.Status.Final() {
		log.Info("task execution already finished, skipping", "status", te.Status)
		return nil
	}
	log = log.With(slog.String("function", te.FunctionName), slog.String("conversation_id", te.ConversationID))
	ctx = logger.With(ctx, log)

	res, execErr := w.execute(ctx, te)
	if execErr != nil {
		log.Error("task execution failed", "err", execErr)
	}

	var done completion
	err = w.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		done, err = w.finish(ctx, tx, te.ID, res, execErr)
		return err
	})
	if err != nil {
		return fmt.Errorf("worker: finish task execution: %w", err)
	}

	for _, in := range done.appended {
		w.publish(live.InteractionCreated(done.conv, in))
	}
	if done.reply != nil {
		w.deliver(ctx, *done.reply)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, te task.TaskExecution) (Result, error) {
	ex, err := w.Executors.For(te.FunctionName)
	if err != nil {
		return Result{}, err
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	return ex.Execute(ctx, te)
}

// finish records the outcome. A result for a closed or archived
// conversation is kept on the execution only; a result for a conversation
// a human holds is logged but not pushed to the lead.
func (w *Worker) finish(ctx context.Context, tx store.Tx, id string, res Result, execErr error) (completion, error) {
	var done completion
	te, err := tx.GetTaskExecution(ctx, id)
	if err != nil {
		return done, err
	}
	if te.Status.Final() {
		return done, nil
	}
	now := w.now()
	if execErr != nil {
		if err := tx.FinishTaskExecution(ctx, id, task.StatusFailed, "", execErr.Error(), now); err != nil {
			return done, err
		}
	} else if err := tx.FinishTaskExecution(ctx, id, task.StatusCompleted, res.Content, "", now); err != nil {
		return done, err
	}

	conv, err := tx.GetConversation(ctx, te.ConversationID)
	if err != nil {
		return done, err
	}
	done.conv = conv
	if conv.Status.Terminal() {
		return done, nil
	}

	if execErr != nil {
		note, err := w.Log.AppendSystem(ctx, tx, conv.ID, fmt.Sprintf("Task %s failed: %v", te.FunctionName, execErr))
		if err != nil {
			return done, err
		}
		done.appended = append(done.appended, note)
		return done, nil
	}

	text := strings.TrimSpace(res.Content)
	if text == "" {
		return done, nil
	}
	in, err := w.Log.Append(ctx, tx, conversation.Interaction{
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		Text:           text,
		Channel:        conv.Channel,
	})
	if err != nil {
		return done, err
	}
	done.appended = append(done.appended, in)

	if !conv.Status.AllowsAutomation() {
		return done, nil
	}
	if _, ok := w.Channels.Sender(conv.Channel); !ok {
		return done, nil
	}
	target, err := identity.ReplyTarget(ctx, tx, conv)
	if err != nil {
		return done, err
	}
	target.Text = text
	done.reply = &target
	return done, nil
}

func (w *Worker) deliver(ctx context.Context, r channel.OutboundReply) {
	sender, ok := w.Channels.Sender(r.Channel)
	if !ok {
		return
	}
	id, err := sender.Send(ctx, r)
	if err != nil {
		logger.From(ctx).Error("task result delivery failed", "err", err)
		return
	}
	logger.From(ctx).Debug("task result delivered", "provider_message_id", id)
}

func (w *Worker) publish(ev live.Event) {
	if w.Live != nil {
		w.Live.Publish(ev)
	}
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}
