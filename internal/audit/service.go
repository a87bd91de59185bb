package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information. Records are not exposed to
// tenant users.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who performed a console action.
type Actor struct {
	UserID string
	Name   string
	Role   string
	IP     string
}

// LogConversationAction records an operator action on a conversation.
func (s *Service) LogConversationAction(ctx context.Context, typ EventType, tenantID, conversationID string, actor Actor, message, metadata string) error {
	return s.Append(ctx, Event{
		TenantID:       tenantID,
		Type:           typ,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		ConversationID: conversationID,
		Message:        message,
		Metadata:       metadata,
	})
}
