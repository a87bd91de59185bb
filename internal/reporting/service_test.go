package reporting

import (
	"context"
	"testing"
	"time"

	"convo-engine/internal/conversation"
	"convo-engine/internal/task"
)

type fixedRepo struct{ tenant string }

func (f fixedRepo) CountConversationsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Status]int, error) {
	if tenantID != f.tenant {
		return map[conversation.Status]int{}, nil
	}
	return map[conversation.Status]int{conversation.StatusOpen: 3, conversation.StatusClosed: 1}, nil
}

func (f fixedRepo) CountInteractionsByRole(ctx context.Context, tenantID string, from, to time.Time) (map[conversation.Role]int, error) {
	if tenantID != f.tenant {
		return map[conversation.Role]int{}, nil
	}
	return map[conversation.Role]int{conversation.RoleUser: 10, conversation.RoleAssistant: 8, conversation.RoleSystem: 1}, nil
}

func (f fixedRepo) CountTaskExecutionsByStatus(ctx context.Context, tenantID string, from, to time.Time) (map[task.Status]int, error) {
	if tenantID != f.tenant {
		return map[task.Status]int{}, nil
	}
	return map[task.Status]int{task.StatusCompleted: 3, task.StatusFailed: 1, task.StatusPending: 2}, nil
}

func TestSummary_ValidatesRequest(t *testing.T) {
	svc := NewService(fixedRepo{tenant: "t1"})
	now := time.Now()

	if _, err := svc.Summary(context.Background(), SummaryRequest{Range: TimeRange{From: now.Add(-time.Hour), To: now}}); err == nil {
		t.Fatalf("expected error without tenant")
	}
	if _, err := svc.Summary(context.Background(), SummaryRequest{TenantID: "t1", Range: TimeRange{From: now, To: now.Add(-time.Hour)}}); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestSummary_Aggregates(t *testing.T) {
	svc := NewService(fixedRepo{tenant: "t1"})
	now := time.Now()

	s, err := svc.Summary(context.Background(), SummaryRequest{TenantID: "t1", Range: TimeRange{From: now.Add(-24 * time.Hour), To: now}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.TotalConversations != 4 || s.TotalInteractions != 19 || s.TotalTasks != 6 {
		t.Fatalf("unexpected totals %+v", s)
	}
	if s.AutomatedReplyRate != 0.8 {
		t.Fatalf("expected reply rate 0.8, got %v", s.AutomatedReplyRate)
	}
	if s.TaskSuccessRate != 0.75 {
		t.Fatalf("expected success rate 0.75, got %v", s.TaskSuccessRate)
	}
}
