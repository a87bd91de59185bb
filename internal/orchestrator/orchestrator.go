package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"convo-engine/internal/capability"
)

var (
	ErrEmptyResponse = errors.New("model returned neither text nor a tool call")
	ErrBlocked       = errors.New("model response blocked by safety filters")
	ErrTimeout       = errors.New("model call timed out")
)

// ModelError covers every failure of the model call. It is absorbed by the
// engine and never reaches the channel.
type ModelError struct {
	Op  string
	Err error
}

func (e *ModelError) Error() string { return fmt.Sprintf("model %s: %v", e.Op, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// Persona is the assistant context handed to the model.
type Persona struct {
	AssistantName string
	BusinessName  string
	Description   string
}

type TurnRole string

const (
	TurnUser  TurnRole = "user"
	TurnModel TurnRole = "model"
)

type Turn struct {
	Role TurnRole
	Text string
}

type Request struct {
	History      []Turn
	Message      string
	Persona      Persona
	Capabilities []capability.Capability
}

// Response carries text, a tool call, both, or (from a misbehaving provider) neither.
type Response struct {
	Text         string
	Call         *capability.Call
	FinishReason string
}

// Provider is the language-model collaborator.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

type Orchestrator struct {
	Provider Provider
	Timeout  time.Duration
}

func New(p Provider, timeout time.Duration) *Orchestrator {
	return &Orchestrator{Provider: p, Timeout: timeout}
}

// Respond calls the provider under a bounded timeout and normalizes its output.
// Every failure is returned as a *ModelError.
func (o *Orchestrator) Respond(ctx context.Context, req Request) (Response, error) {
	callCtx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	resp, err := o.Provider.Generate(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, &ModelError{Op: "generate", Err: fmt.Errorf("%w after %s", ErrTimeout, o.Timeout)}
		}
		var me *ModelError
		if errors.As(err, &me) {
			return Response{}, err
		}
		return Response{}, &ModelError{Op: "generate", Err: err}
	}

	if resp.Call == nil {
		if call, rest, ok := ExtractFencedCall(resp.Text); ok {
			resp.Call = &call
			resp.Text = rest
		}
	}
	resp.Text = strings.TrimSpace(resp.Text)
	if resp.Call != nil && strings.TrimSpace(resp.Call.Name) == "" {
		resp.Call = nil
	}
	if resp.Text == "" && resp.Call == nil {
		return Response{}, &ModelError{Op: "interpret", Err: ErrEmptyResponse}
	}
	return resp, nil
}

// Apology is what the customer sees when the model failed.
const Apology = "Sorry, I can't answer right now. Please try again in a moment."

// Placeholder acknowledges a tool call that came without text.
func Placeholder(function string) string {
	return fmt.Sprintf("Understood. Processing: %s.", function)
}

// ReplyText is the assistant message persisted for resp.
func ReplyText(resp Response) string {
	if resp.Text != "" {
		return resp.Text
	}
	if resp.Call != nil {
		return Placeholder(resp.Call.Name)
	}
	return ""
}

// FailureNote is the system interaction recorded for a model failure.
func FailureNote(err error) string {
	return "AI error: " + err.Error()
}
