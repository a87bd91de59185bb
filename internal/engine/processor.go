package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"convo-engine/internal/capability"
	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/live"
	"convo-engine/internal/orchestrator"
	"convo-engine/internal/store"
	"convo-engine/internal/task"
	"convo-engine/pkg/logger"
)

// Nudger wakes the outbox relay after a task execution commits.
type Nudger interface {
	Nudge()
}

// Outcome is what the transport needs to answer its caller.
type Outcome struct {
	ConversationID     string `json:"conversation_id"`
	LeadID             string `json:"lead_id"`
	ConversationWasNew bool   `json:"conversation_was_new"`
	// Automated is false when a human holds the conversation.
	Automated bool   `json:"automated"`
	Reply     string `json:"reply,omitempty"`
	// Degraded marks an apology sent in place of a model reply.
	Degraded        bool   `json:"degraded,omitempty"`
	TaskExecutionID string `json:"task_execution_id,omitempty"`
	// Superseded is set when the conversation left automation while the
	// model was answering; the reply was discarded.
	Superseded bool `json:"superseded,omitempty"`
	Duplicate  bool `json:"duplicate,omitempty"`
}

// Processor runs one inbound message through resolve, gate, respond and
// dispatch. The model call happens between two short transactions.
type Processor struct {
	Store        store.Store
	Channels     *channel.Registry
	Resolver     identity.Resolver
	Log          conversation.Log
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   task.Dispatcher
	HistoryLimit int

	Guard Guard
	Live  live.Publisher
	Relay Nudger
}

func NewProcessor(s store.Store, channels *channel.Registry, orch *orchestrator.Orchestrator, dispatcher task.Dispatcher, historyLimit int) *Processor {
	return &Processor{
		Store:        s,
		Channels:     channels,
		Resolver:     identity.NewResolver(),
		Log:          conversation.NewLog(),
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		HistoryLimit: historyLimit,
		Guard:        NopGuard{},
	}
}

// HandleInbound normalizes a raw transport payload and processes every
// message it carries. Outcomes are returned for the messages that succeeded.
func (p *Processor) HandleInbound(ctx context.Context, kind channel.Kind, raw []byte) ([]Outcome, error) {
	msgs, err := p.Channels.Normalize(kind, raw)
	if err != nil {
		return nil, err
	}
	var outs []Outcome
	var errs []error
	for _, msg := range msgs {
		out, err := p.Process(ctx, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outs = append(outs, out)
	}
	return outs, errors.Join(errs...)
}

// turn is the state carried from the first transaction to the last.
type turn struct {
	msg     channel.CanonicalMessage
	res     identity.Resolution
	user    conversation.Interaction
	caps    []capability.Capability
	history []conversation.Interaction
	open    bool
}

// Process runs one canonical message through the engine. A provider message
// id counts as seen only when Process returns without error, so a redelivery
// of a failed message is processed again.
func (p *Processor) Process(ctx context.Context, msg channel.CanonicalMessage) (_ Outcome, err error) {
	d, err := p.Channels.Descriptor(msg.Channel)
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(msg.Text) == "" && msg.MediaRef == "" {
		return Outcome{}, channel.Invalid(msg.Channel, "message has neither text nor media")
	}
	log := logger.From(ctx).With(
		slog.String("channel", string(msg.Channel)),
		slog.String("origin", msg.ChannelOriginID),
	)
	ctx = logger.With(ctx, log)

	guard := p.guard()
	if msg.ExternalID != "" {
		first, merr := guard.FirstDelivery(ctx, dedupeKey(msg))
		if merr != nil {
			log.Warn("inbound dedupe unavailable", "err", merr)
		} else if !first {
			log.Info("duplicate delivery dropped", "external_id", msg.ExternalID)
			return Outcome{Duplicate: true}, nil
		} else {
			defer func() {
				if err == nil {
					return
				}
				if ferr := guard.Forget(ctx, dedupeKey(msg)); ferr != nil {
					log.Warn("inbound dedupe mark not cleared", "external_id", msg.ExternalID, "err", ferr)
				}
			}()
		}
	}
	release, err := guard.Acquire(ctx, senderKey(msg))
	if err != nil {
		log.Warn("sender lock unavailable, continuing unserialized", "err", err)
	}
	if release != nil {
		defer release()
	}

	t := turn{msg: msg}
	if err := p.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return p.receive(ctx, tx, d, &t)
	}); err != nil {
		return Outcome{}, err
	}

	conv := t.res.Conversation
	log = log.With(slog.String("conversation_id", conv.ID))
	ctx = logger.With(ctx, log)
	p.publish(live.InteractionCreated(conv, t.user))
	if t.res.ConversationWasNew {
		p.publish(live.ConversationUpdated(conv))
	}

	out := Outcome{
		ConversationID:     conv.ID,
		LeadID:             t.res.Lead.ID,
		ConversationWasNew: t.res.ConversationWasNew,
	}
	if !t.open {
		log.Info("automation paused, message stored")
		return out, nil
	}

	resp, modelErr := p.Orchestrator.Respond(ctx, orchestrator.Request{
		History: orchestrator.BuildHistory(t.history),
		Message: msg.Text,
		Persona: orchestrator.Persona{
			AssistantName: t.res.Assistant.Name,
			BusinessName:  t.res.Assistant.BusinessName,
			Description:   t.res.Assistant.Persona,
		},
		Capabilities: t.caps,
	})
	if modelErr != nil {
		log.Error("model call failed", "err", modelErr)
	}

	settled, err := p.settle(ctx, &t, resp, modelErr, true)
	var dispatchErr *task.DispatchError
	if errors.As(err, &dispatchErr) {
		log.Error("task dispatch failed, keeping reply", "err", err)
		settled, err = p.settle(ctx, &t, resp, modelErr, false)
	}
	if err != nil {
		return out, err
	}

	if settled.superseded {
		log.Info("conversation left automation during model call, reply discarded")
		out.Superseded = true
		return out, nil
	}
	out.Automated = true
	for _, in := range settled.appended {
		p.publish(live.InteractionCreated(conv, in))
	}
	if settled.task != nil {
		out.TaskExecutionID = settled.task.ID
		if settled.task.Status == task.StatusPending && p.Relay != nil {
			p.Relay.Nudge()
		}
	}
	if modelErr != nil {
		out.Reply = orchestrator.Apology
		out.Degraded = true
	} else {
		out.Reply = orchestrator.ReplyText(resp)
	}
	p.deliver(ctx, t, out.Reply)
	return out, nil
}

// receive is the first transaction: resolve, persist the user message and
// read the gate. History and capabilities are loaded only for open
// conversations.
func (p *Processor) receive(ctx context.Context, tx store.Tx, d channel.Descriptor, t *turn) error {
	res, err := p.Resolver.Resolve(ctx, tx, d, t.msg)
	if err != nil {
		return err
	}
	user, err := p.Log.Append(ctx, tx, conversation.Interaction{
		ConversationID: res.Conversation.ID,
		Role:           conversation.RoleUser,
		Text:           t.msg.Text,
		MediaRef:       t.msg.MediaRef,
		Channel:        t.msg.Channel,
	})
	if err != nil {
		return fmt.Errorf("engine: append user message: %w", err)
	}
	conv, err := tx.GetConversation(ctx, res.Conversation.ID)
	if err != nil {
		return err
	}
	res.Conversation = conv
	t.res, t.user = res, user
	t.open = conv.Status.AllowsAutomation()
	if !t.open {
		return nil
	}

	if t.caps, err = capability.For(ctx, tx, res.Assistant.ID); err != nil {
		return err
	}
	t.history, err = tx.ListInteractions(ctx, conv.ID, conversation.HistoryQuery{
		BeforeSeq:    user.Seq,
		Limit:        p.HistoryLimit,
		ExcludeRoles: orchestrator.HistoryExcludedRoles,
	})
	return err
}

type settlement struct {
	appended   []conversation.Interaction
	task       *task.TaskExecution
	superseded bool
}

// settle is the last transaction. It re-reads the gate so a takeover that
// happened during the model call wins over the model's reply.
func (p *Processor) settle(ctx context.Context, t *turn, resp orchestrator.Response, modelErr error, withDispatch bool) (settlement, error) {
	var s settlement
	convID := t.res.Conversation.ID
	err := p.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s = settlement{}
		conv, err := tx.GetConversation(ctx, convID)
		if err != nil {
			return err
		}
		if !conv.Status.AllowsAutomation() {
			s.superseded = true
			return nil
		}

		if modelErr != nil {
			note, err := p.Log.AppendSystem(ctx, tx, convID, orchestrator.FailureNote(modelErr))
			if err != nil {
				return err
			}
			s.appended = append(s.appended, note)
			return nil
		}

		reply := conversation.Interaction{
			ConversationID: convID,
			Role:           conversation.RoleAssistant,
			Text:           orchestrator.ReplyText(resp),
			Channel:        t.msg.Channel,
		}
		if resp.Call != nil {
			reply.FunctionName = resp.Call.Name
			reply.FunctionArgs = resp.Call.Args
		}
		saved, err := p.Log.Append(ctx, tx, reply)
		if err != nil {
			return err
		}
		s.appended = append(s.appended, saved)

		if resp.Call == nil || !withDispatch {
			return nil
		}
		te, err := p.Dispatcher.Dispatch(ctx, tx, t.caps, *resp.Call, task.Correlation{
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			LeadID:         conv.LeadID,
			AssistantID:    conv.AssistantID,
			Channel:        t.msg.Channel,
		})
		if err != nil {
			return &task.DispatchError{Err: err}
		}
		s.task = te
		return nil
	})
	return s, err
}

// deliver pushes the reply out-of-band for channels that do not answer inline.
func (p *Processor) deliver(ctx context.Context, t turn, text string) {
	sender, ok := p.Channels.Sender(t.msg.Channel)
	if !ok || text == "" {
		return
	}
	id, err := sender.Send(ctx, channel.OutboundReply{
		Channel:         t.msg.Channel,
		ChannelOriginID: t.msg.ChannelOriginID,
		To:              t.res.Lead.Identifier,
		Text:            text,
		Credential:      t.res.Binding.AccessToken,
	})
	if err != nil {
		logger.From(ctx).Error("outbound reply failed", "err", err)
		return
	}
	logger.From(ctx).Debug("outbound reply sent", "provider_message_id", id)
}

func (p *Processor) publish(ev live.Event) {
	if p.Live != nil {
		p.Live.Publish(ev)
	}
}

func (p *Processor) guard() Guard {
	if p.Guard == nil {
		return NopGuard{}
	}
	return p.Guard
}

func dedupeKey(msg channel.CanonicalMessage) string {
	return "convo:inbound:" + string(msg.Channel) + ":" + msg.ChannelOriginID + ":" + msg.ExternalID
}

func senderKey(msg channel.CanonicalMessage) string {
	return "convo:sender:" + string(msg.Channel) + ":" + msg.ChannelOriginID + ":" + msg.SenderID
}
