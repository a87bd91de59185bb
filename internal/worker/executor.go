package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"convo-engine/internal/task"
)

// ErrNoExecutor is returned when no executor serves a function and no
// fallback is configured.
var ErrNoExecutor = errors.New("worker: no executor for function")

// Result is what an executor hands back to the conversation.
type Result struct {
	// Content is sent to the lead as an assistant message when non-empty.
	Content string `json:"content"`
}

type Executor interface {
	Execute(ctx context.Context, te task.TaskExecution) (Result, error)
}

type ExecutorFunc func(ctx context.Context, te task.TaskExecution) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, te task.TaskExecution) (Result, error) {
	return f(ctx, te)
}

// Executors maps function names to executors, with an optional fallback.
type Executors struct {
	mu       sync.RWMutex
	byName   map[string]Executor
	fallback Executor
}

func NewExecutors(fallback Executor) *Executors {
	return &Executors{byName: map[string]Executor{}, fallback: fallback}
}

func (e *Executors) Register(function string, ex Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byName[function] = ex
}

func (e *Executors) For(function string) (Executor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ex, ok := e.byName[function]; ok {
		return ex, nil
	}
	if e.fallback != nil {
		return e.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, function)
}

// HTTPExecutor posts the task execution to an external service and reads
// a Result back.
type HTTPExecutor struct {
	URL    string
	Client *http.Client
}

func NewHTTPExecutor(url string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{URL: url, Client: &http.Client{Timeout: timeout}}
}

type executeRequest struct {
	TaskExecutionID string         `json:"task_execution_id"`
	Function        string         `json:"function"`
	Arguments       map[string]any `json:"arguments"`
	Metadata        task.Metadata  `json:"metadata"`
}

func (h *HTTPExecutor) Execute(ctx context.Context, te task.TaskExecution) (Result, error) {
	body, err := json.Marshal(executeRequest{
		TaskExecutionID: te.ID,
		Function:        te.FunctionName,
		Arguments:       te.Arguments,
		Metadata:        te.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", te.ID)

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("executor: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("executor: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("executor: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out Result
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("executor: decode response: %w", err)
	}
	return out, nil
}
