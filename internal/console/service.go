package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"convo-engine/internal/audit"
	"convo-engine/internal/channel"
	"convo-engine/internal/conversation"
	"convo-engine/internal/identity"
	"convo-engine/internal/live"
	"convo-engine/internal/store"
	"convo-engine/internal/task"
	"convo-engine/pkg/logger"
)

var (
	ErrInvalidInput       = errors.New("console: invalid input")
	ErrConversationClosed = errors.New("console: conversation is closed")
)

// Actor is the authenticated operator. TenantID comes from the token, never
// from the request body.
type Actor struct {
	TenantID string
	UserID   string
	Name     string
	Role     string
	IP       string
}

func (a Actor) display() string {
	if a.Name != "" {
		return a.Name
	}
	return a.UserID
}

func (a Actor) audit() audit.Actor {
	return audit.Actor{UserID: a.UserID, Name: a.Name, Role: a.Role, IP: a.IP}
}

// Service implements the operator actions of the agent console. Every
// mutation leaves a system note in the conversation and an audit event.
type Service struct {
	Store    store.Store
	Log      conversation.Log
	Channels *channel.Registry
	Audit    *audit.Service
	Live     live.Publisher
	Now      func() time.Time
}

func NewService(s store.Store, channels *channel.Registry, auditSvc *audit.Service, pub live.Publisher) *Service {
	return &Service{
		Store:    s,
		Log:      conversation.NewLog(),
		Channels: channels,
		Audit:    auditSvc,
		Live:     pub,
		Now:      time.Now,
	}
}

// change is what a mutation produced, for post-commit fan-out.
type change struct {
	before   conversation.Conversation
	after    conversation.Conversation
	appended []conversation.Interaction
	outbound *channel.OutboundReply
}

func (s *Service) mutate(ctx context.Context, actor Actor, convID string, fn func(ctx context.Context, tx store.Tx, ch *change) error) (change, error) {
	var ch change
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ch = change{}
		c, err := s.load(ctx, tx, actor, convID)
		if err != nil {
			return err
		}
		ch.before, ch.after = c, c
		if err := fn(ctx, tx, &ch); err != nil {
			return err
		}
		ch.after, err = tx.GetConversation(ctx, convID)
		return err
	})
	if err != nil {
		return change{}, err
	}
	s.fanOut(ctx, ch)
	return ch, nil
}

func (s *Service) load(ctx context.Context, tx store.Tx, actor Actor, convID string) (conversation.Conversation, error) {
	if actor.TenantID == "" || convID == "" {
		return conversation.Conversation{}, ErrInvalidInput
	}
	c, err := tx.GetConversation(ctx, convID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	// Another tenant's conversation is reported as missing.
	if c.TenantID != actor.TenantID {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (s *Service) fanOut(ctx context.Context, ch change) {
	if s.Live != nil {
		for _, in := range ch.appended {
			s.Live.Publish(live.InteractionCreated(ch.after, in))
		}
		if ch.before.Status != ch.after.Status || ch.before.AgentID != ch.after.AgentID {
			s.Live.Publish(live.ConversationUpdated(ch.after))
		}
	}
	if ch.outbound == nil || s.Channels == nil {
		return
	}
	sender, ok := s.Channels.Sender(ch.outbound.Channel)
	if !ok {
		return
	}
	if _, err := sender.Send(ctx, *ch.outbound); err != nil {
		logger.From(ctx).Error("agent reply delivery failed", "err", err, "conversation_id", ch.after.ID)
	}
}

func (s *Service) note(ctx context.Context, tx store.Tx, ch *change, actor Actor, text string) error {
	in, err := s.Log.Append(ctx, tx, conversation.Interaction{
		ConversationID: ch.before.ID,
		Role:           conversation.RoleSystem,
		Text:           text,
		AgentID:        actor.UserID,
	})
	if err != nil {
		return err
	}
	ch.appended = append(ch.appended, in)
	return nil
}

func (s *Service) record(ctx context.Context, typ audit.EventType, actor Actor, convID, message string, meta map[string]string) {
	if s.Audit == nil {
		return
	}
	var metadata string
	if len(meta) > 0 {
		b, _ := json.Marshal(meta)
		metadata = string(b)
	}
	if err := s.Audit.LogConversationAction(ctx, typ, actor.TenantID, convID, actor.audit(), message, metadata); err != nil {
		logger.From(ctx).Warn("audit append failed", "err", err, "type", typ)
	}
}

// AgentReply sends an operator message to the customer. It pauses an open
// conversation and claims it for the operator when nobody holds it.
func (s *Service) AgentReply(ctx context.Context, actor Actor, convID, text string) (conversation.Interaction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Interaction{}, fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	ch, err := s.mutate(ctx, actor, convID, func(ctx context.Context, tx store.Tx, ch *change) error {
		c := ch.before
		if c.Status.Terminal() {
			return ErrConversationClosed
		}
		in, err := s.Log.Append(ctx, tx, conversation.Interaction{
			ConversationID: c.ID,
			Role:           conversation.RoleAgent,
			Text:           text,
			AgentID:        actor.UserID,
			Channel:        c.Channel,
		})
		if err != nil {
			return err
		}
		ch.appended = append(ch.appended, in)
		if c.AgentID == "" {
			if err := tx.SetAgent(ctx, c.ID, actor.UserID, s.now()); err != nil {
				return err
			}
		}
		if s.Channels != nil {
			if _, ok := s.Channels.Sender(c.Channel); ok {
				target, err := identity.ReplyTarget(ctx, tx, c)
				if err != nil {
					return err
				}
				target.Text = text
				ch.outbound = &target
			}
		}
		return nil
	})
	if err != nil {
		return conversation.Interaction{}, err
	}
	s.record(ctx, audit.EventTypeAgentReply, actor, convID, "agent replied", nil)
	return ch.appended[0], nil
}

// AddNote leaves an operator-visible note. Notes never reach the customer
// or the model.
func (s *Service) AddNote(ctx context.Context, actor Actor, convID, text string) (conversation.Interaction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Interaction{}, fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	ch, err := s.mutate(ctx, actor, convID, func(ctx context.Context, tx store.Tx, ch *change) error {
		return s.note(ctx, tx, ch, actor, text)
	})
	if err != nil {
		return conversation.Interaction{}, err
	}
	s.record(ctx, audit.EventTypeNote, actor, convID, "note added", nil)
	return ch.appended[0], nil
}

func (s *Service) Assign(ctx context.Context, actor Actor, convID, agentID, agentName string) (conversation.Conversation, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return conversation.Conversation{}, fmt.Errorf("%w: agent_id is required", ErrInvalidInput)
	}
	if agentName == "" {
		agentName = agentID
	}
	ch, err := s.mutate(ctx, actor, convID, func(ctx context.Context, tx store.Tx, ch *change) error {
		c := ch.before
		if c.Status.Terminal() {
			return ErrConversationClosed
		}
		if c.AgentID == agentID {
			return nil
		}
		if err := tx.SetAgent(ctx, c.ID, agentID, s.now()); err != nil {
			return err
		}
		return s.note(ctx, tx, ch, actor, fmt.Sprintf("Conversation assigned to %s by %s.", agentName, actor.display()))
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	if ch.before.AgentID != ch.after.AgentID {
		s.record(ctx, audit.EventTypeAssignment, actor, convID, "conversation assigned",
			map[string]string{"from": ch.before.AgentID, "to": agentID})
	}
	return ch.after, nil
}

func (s *Service) Unassign(ctx context.Context, actor Actor, convID string) (conversation.Conversation, error) {
	ch, err := s.mutate(ctx, actor, convID, func(ctx context.Context, tx store.Tx, ch *change) error {
		if ch.before.AgentID == "" {
			return nil
		}
		if err := tx.SetAgent(ctx, ch.before.ID, "", s.now()); err != nil {
			return err
		}
		return s.note(ctx, tx, ch, actor, fmt.Sprintf("Conversation unassigned by %s.", actor.display()))
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	if ch.before.AgentID != "" {
		s.record(ctx, audit.EventTypeAssignment, actor, convID, "conversation unassigned",
			map[string]string{"from": ch.before.AgentID})
	}
	return ch.after, nil
}

// Pause hands the conversation to humans. mode defaults to en_espera_agente;
// hitl_activo marks an operator actively typing.
func (s *Service) Pause(ctx context.Context, actor Actor, convID string, mode conversation.Status) (conversation.Conversation, error) {
	if mode == "" {
		mode = conversation.StatusAwaitingAgent
	}
	if !mode.Paused() {
		return conversation.Conversation{}, fmt.Errorf("%w: %q is not a pause mode", ErrInvalidInput, mode)
	}
	return s.transition(ctx, actor, convID, mode, "Automation paused by %s.")
}

func (s *Service) Resume(ctx context.Context, actor Actor, convID string) (conversation.Conversation, error) {
	return s.transition(ctx, actor, convID, conversation.StatusOpen, "Automation resumed by %s.")
}

func (s *Service) Close(ctx context.Context, actor Actor, convID string) (conversation.Conversation, error) {
	return s.transition(ctx, actor, convID, conversation.StatusClosed, "Conversation closed by %s.")
}

func (s *Service) Archive(ctx context.Context, actor Actor, convID string) (conversation.Conversation, error) {
	return s.transition(ctx, actor, convID, conversation.StatusArchived, "Conversation archived by %s.")
}

// transition is idempotent: asking for the current status writes nothing.
func (s *Service) transition(ctx context.Context, actor Actor, convID string, to conversation.Status, noteFormat string) (conversation.Conversation, error) {
	ch, err := s.mutate(ctx, actor, convID, func(ctx context.Context, tx store.Tx, ch *change) error {
		_, changed, err := conversation.Transition(ctx, tx, ch.before, to, s.now())
		if err != nil || !changed {
			return err
		}
		return s.note(ctx, tx, ch, actor, fmt.Sprintf(noteFormat, actor.display()))
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	if ch.before.Status != ch.after.Status {
		s.record(ctx, audit.EventTypeStatusChange, actor, convID, "status changed",
			map[string]string{"from": string(ch.before.Status), "to": string(ch.after.Status)})
	}
	return ch.after, nil
}

func (s *Service) List(ctx context.Context, actor Actor, f conversation.ListFilter) ([]conversation.Summary, error) {
	if actor.TenantID == "" {
		return nil, ErrInvalidInput
	}
	var out []conversation.Summary
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListConversations(ctx, actor.TenantID, f)
		return err
	})
	return out, err
}

// Interactions pages the full log, system notes included, oldest first.
func (s *Service) Interactions(ctx context.Context, actor Actor, convID string, q conversation.HistoryQuery) ([]conversation.Interaction, error) {
	if q.Limit <= 0 || q.Limit > conversation.MaxListLimit {
		q.Limit = conversation.MaxListLimit
	}
	var out []conversation.Interaction
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.load(ctx, tx, actor, convID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListInteractions(ctx, convID, q)
		return err
	})
	return out, err
}

func (s *Service) Tasks(ctx context.Context, actor Actor, f task.ListFilter) ([]task.TaskExecution, error) {
	if actor.TenantID == "" {
		return nil, ErrInvalidInput
	}
	if f.Limit <= 0 || f.Limit > conversation.MaxListLimit {
		f.Limit = conversation.MaxListLimit
	}
	var out []task.TaskExecution
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListTaskExecutions(ctx, actor.TenantID, f)
		return err
	})
	return out, err
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
