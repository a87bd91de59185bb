// Package storetest seeds an in-memory store with one tenant, one assistant
// bound to every channel, and a small task catalog.
package storetest

import (
	"context"
	"testing"

	"convo-engine/internal/capability"
	"convo-engine/internal/channel"
	"convo-engine/internal/identity"
	"convo-engine/internal/store"
)

const (
	TenantID      = "tenant-1"
	AssistantID   = "asst-1"
	WhatsAppPhone = "5550001"
	TwilioNumber  = "+15550002"
	WebchatOrigin = "site-1"
	AccessToken   = "graph-token"

	ListServicesTask = "task-list"
	ConfirmTask      = "task-confirm"
	ListServicesFn   = "listarServicios"
	ConfirmFn        = "confirmarCita"
)

func Memory(t testing.TB) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	err := m.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertAssistant(ctx, identity.Assistant{
			ID:           AssistantID,
			TenantID:     TenantID,
			Name:         "Ana",
			BusinessName: "Clinica Sol",
			Persona:      "Friendly receptionist.",
		}); err != nil {
			return err
		}
		bindings := []identity.Binding{
			{AssistantID: AssistantID, Channel: channel.KindWhatsApp, OriginID: WhatsAppPhone, AccessToken: AccessToken},
			{AssistantID: AssistantID, Channel: channel.KindTwilio, OriginID: TwilioNumber},
			{AssistantID: AssistantID, Channel: channel.KindWebchat, OriginID: WebchatOrigin},
		}
		for _, b := range bindings {
			if err := tx.UpsertBinding(ctx, b); err != nil {
				return err
			}
		}
		tasks := []store.TaskDefinition{
			{
				ID: ListServicesTask, TenantID: TenantID, Name: "List services", Active: true,
				Function: &store.FunctionDefinition{
					ID: "fn-list", Name: ListServicesFn, Description: "Lists the business services",
					Params: []capability.ParamRecord{{Name: "negocioId", Type: "string", Required: true}},
				},
			},
			{
				ID: ConfirmTask, TenantID: TenantID, Name: "Confirm appointment", Active: true,
				Function: &store.FunctionDefinition{
					ID: "fn-confirm", Name: ConfirmFn,
					Params: []capability.ParamRecord{
						{Name: "confirmado", Type: "boolean", Required: true},
						{Name: "fecha", Type: "string", Required: true},
					},
				},
			},
		}
		for _, d := range tasks {
			if err := tx.UpsertTask(ctx, d); err != nil {
				return err
			}
			if err := tx.UpsertSubscription(ctx, AssistantID, d.ID, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed memory store: %v", err)
	}
	return m
}
