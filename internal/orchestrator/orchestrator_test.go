package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convo-engine/internal/capability"
	"convo-engine/internal/conversation"
)

type providerFunc func(ctx context.Context, req Request) (Response, error)

func (f providerFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

func TestRespond_TextReply(t *testing.T) {
	o := New(providerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: "  Hola, ¿en qué te ayudo?  "}, nil
	}), time.Second)

	resp, err := o.Respond(context.Background(), Request{Message: "Hola"})
	require.NoError(t, err)
	require.Equal(t, "Hola, ¿en qué te ayudo?", resp.Text)
	require.Equal(t, resp.Text, ReplyText(resp))
}

func TestRespond_ToolCallWithoutTextUsesPlaceholder(t *testing.T) {
	o := New(providerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Call: &capability.Call{Name: "listarServicios", Args: map[string]any{"negocioId": "x"}}}, nil
	}), time.Second)

	resp, err := o.Respond(context.Background(), Request{})
	require.NoError(t, err)
	require.NotNil(t, resp.Call)
	require.Equal(t, "Understood. Processing: listarServicios.", ReplyText(resp))
}

func TestRespond_TimeoutIsModelError(t *testing.T) {
	o := New(providerFunc(func(ctx context.Context, req Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}), 10*time.Millisecond)

	_, err := o.Respond(context.Background(), Request{})
	var me *ModelError
	require.ErrorAs(t, err, &me)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRespond_ProviderFailureAndEmptyResponse(t *testing.T) {
	boom := errors.New("upstream 503")
	o := New(providerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, boom
	}), time.Second)
	_, err := o.Respond(context.Background(), Request{})
	var me *ModelError
	require.ErrorAs(t, err, &me)
	require.ErrorIs(t, err, boom)

	empty := New(providerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: "   "}, nil
	}), time.Second)
	_, err = empty.Respond(context.Background(), Request{})
	require.ErrorIs(t, err, ErrEmptyResponse)
	require.Contains(t, FailureNote(err), "AI error:")
}

func TestRespond_RecoversFencedToolCall(t *testing.T) {
	o := New(providerFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: "Claro.\n```json\n{\"functionCall\": {\"name\": \"agendarCita\", \"args\": {\"fecha\": \"2026-01-01\"}}}\n```"}, nil
	}), time.Second)

	resp, err := o.Respond(context.Background(), Request{})
	require.NoError(t, err)
	require.NotNil(t, resp.Call)
	require.Equal(t, "agendarCita", resp.Call.Name)
	require.Equal(t, map[string]any{"fecha": "2026-01-01"}, resp.Call.Args)
	require.Equal(t, "Claro.", resp.Text)
}

func TestExtractFencedCall_IgnoresOrdinaryJSON(t *testing.T) {
	_, rest, ok := ExtractFencedCall("```json\n{\"precio\": 10}\n```")
	require.False(t, ok)
	require.Contains(t, rest, "precio")
}

func TestBuildHistory_DropsSystemAndMapsAgent(t *testing.T) {
	items := []conversation.Interaction{
		{Seq: 1, Role: conversation.RoleUser, Text: "Hola"},
		{Seq: 2, Role: conversation.RoleAssistant, Text: "¡Hola!"},
		{Seq: 3, Role: conversation.RoleSystem, Text: "Automation paused by Ana."},
		{Seq: 4, Role: conversation.RoleAgent, Text: "Soy Ana, te ayudo."},
		{Seq: 5, Role: conversation.RoleUser, Text: "  "},
	}
	got := BuildHistory(items)
	require.Equal(t, []Turn{
		{Role: TurnUser, Text: "Hola"},
		{Role: TurnModel, Text: "¡Hola!"},
		{Role: TurnModel, Text: "Soy Ana, te ayudo."},
	}, got)
}
