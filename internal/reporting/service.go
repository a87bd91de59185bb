package reporting

import (
	"context"
	"errors"
	"time"

	"convo-engine/internal/conversation"
	"convo-engine/internal/task"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository counts rows created within [from, to). Implementations must
// filter by tenant.
type Repository interface {
	CountConversationsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Status]int, error)
	CountInteractionsByRole(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Role]int, error)
	CountTaskExecutionsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[task.Status]int, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.TenantID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("reporting: repository not configured")
	}

	convs, err := s.repo.CountConversationsByStatus(ctx, req.TenantID, req.Range.From, req.Range.To)
	if err != nil {
		return Summary{}, err
	}
	inters, err := s.repo.CountInteractionsByRole(ctx, req.TenantID, req.Range.From, req.Range.To)
	if err != nil {
		return Summary{}, err
	}
	tasks, err := s.repo.CountTaskExecutionsByStatus(ctx, req.TenantID, req.Range.From, req.Range.To)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{
		TenantID:      req.TenantID,
		Range:         req.Range,
		Conversations: convs,
		Interactions:  inters,
		Tasks:         tasks,
	}
	for _, n := range convs {
		out.TotalConversations += n
	}
	for _, n := range inters {
		out.TotalInteractions += n
	}
	for _, n := range tasks {
		out.TotalTasks += n
	}
	if u := inters[conversation.RoleUser]; u > 0 {
		out.AutomatedReplyRate = float64(inters[conversation.RoleAssistant]) / float64(u)
	}
	finished := tasks[task.StatusCompleted] + tasks[task.StatusFailed] + tasks[task.StatusRejected]
	if finished > 0 {
		out.TaskSuccessRate = float64(tasks[task.StatusCompleted]) / float64(finished)
	}
	return out, nil
}
