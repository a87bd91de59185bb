package store

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"convo-engine/internal/capability"
	"convo-engine/internal/channel"
	"convo-engine/internal/identity"
)

// SeedFile is the YAML document loaded by `convoctl seed`. It carries the
// configuration normally owned by the surrounding platform: assistants,
// their channel bindings, and the task catalog they subscribe to.
type SeedFile struct {
	Assistants []SeedAssistant `yaml:"assistants"`
	Tasks      []SeedTask      `yaml:"tasks"`
}

type SeedAssistant struct {
	ID            string        `yaml:"id"`
	TenantID      string        `yaml:"tenant_id"`
	Name          string        `yaml:"name"`
	BusinessName  string        `yaml:"business_name"`
	Persona       string        `yaml:"persona"`
	Status        string        `yaml:"status"`
	Bindings      []SeedBinding `yaml:"bindings"`
	Subscriptions []string      `yaml:"subscriptions"`
}

type SeedBinding struct {
	Channel     string `yaml:"channel"`
	OriginID    string `yaml:"origin_id"`
	AccessToken string `yaml:"access_token"`
}

type SeedTask struct {
	ID           string        `yaml:"id"`
	TenantID     string        `yaml:"tenant_id"`
	Name         string        `yaml:"name"`
	Description  string        `yaml:"description"`
	Instruction  string        `yaml:"instruction"`
	Active       *bool         `yaml:"active"`
	Function     *SeedFunction `yaml:"function"`
	CustomFields []SeedField   `yaml:"custom_fields"`
}

type SeedFunction struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Params      []SeedField `yaml:"params"`
}

type SeedField struct {
	Name        string `yaml:"name"`
	FieldName   string `yaml:"field_name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

func ParseSeed(r io.Reader) (SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return SeedFile{}, fmt.Errorf("seed: decode: %w", err)
	}
	return f, f.validate()
}

func (f SeedFile) validate() error {
	tasks := map[string]bool{}
	for _, t := range f.Tasks {
		if t.ID == "" || t.TenantID == "" || t.Name == "" {
			return fmt.Errorf("seed: task %q needs id, tenant_id and name", t.Name)
		}
		tasks[t.ID] = true
	}
	for _, a := range f.Assistants {
		if a.ID == "" || a.TenantID == "" || a.Name == "" {
			return fmt.Errorf("seed: assistant %q needs id, tenant_id and name", a.Name)
		}
		for _, b := range a.Bindings {
			switch channel.Kind(b.Channel) {
			case channel.KindWhatsApp, channel.KindTwilio, channel.KindWebchat:
			default:
				return fmt.Errorf("seed: assistant %s: unknown channel %q", a.ID, b.Channel)
			}
			if b.OriginID == "" {
				return fmt.Errorf("seed: assistant %s: binding without origin_id", a.ID)
			}
		}
		for _, id := range a.Subscriptions {
			if !tasks[id] {
				return fmt.Errorf("seed: assistant %s subscribes to unknown task %s", a.ID, id)
			}
		}
	}
	return nil
}

// Seed writes the whole file in one transaction.
func Seed(ctx context.Context, s Store, f SeedFile) error {
	return s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, t := range f.Tasks {
			if err := tx.UpsertTask(ctx, t.definition()); err != nil {
				return fmt.Errorf("seed: task %s: %w", t.ID, err)
			}
		}
		for _, a := range f.Assistants {
			err := tx.UpsertAssistant(ctx, identity.Assistant{
				ID:           a.ID,
				TenantID:     a.TenantID,
				Name:         a.Name,
				BusinessName: a.BusinessName,
				Persona:      a.Persona,
				Status:       a.Status,
			})
			if err != nil {
				return fmt.Errorf("seed: assistant %s: %w", a.ID, err)
			}
			for _, b := range a.Bindings {
				err := tx.UpsertBinding(ctx, identity.Binding{
					AssistantID: a.ID,
					Channel:     channel.Kind(b.Channel),
					OriginID:    b.OriginID,
					AccessToken: b.AccessToken,
				})
				if err != nil {
					return fmt.Errorf("seed: binding %s/%s: %w", b.Channel, b.OriginID, err)
				}
			}
			for _, taskID := range a.Subscriptions {
				if err := tx.UpsertSubscription(ctx, a.ID, taskID, true); err != nil {
					return fmt.Errorf("seed: subscription %s: %w", taskID, err)
				}
			}
		}
		return nil
	})
}

func (t SeedTask) definition() TaskDefinition {
	d := TaskDefinition{
		ID:          t.ID,
		TenantID:    t.TenantID,
		Name:        t.Name,
		Description: t.Description,
		Instruction: t.Instruction,
		Active:      t.Active == nil || *t.Active,
	}
	for _, f := range t.CustomFields {
		d.CustomFields = append(d.CustomFields, capability.FieldRecord{
			Name:        f.Name,
			FieldName:   f.FieldName,
			Type:        f.Type,
			Description: f.Description,
			Required:    f.Required,
		})
	}
	if t.Function != nil {
		fn := &FunctionDefinition{ID: t.Function.ID, Name: t.Function.Name, Description: t.Function.Description}
		for _, p := range t.Function.Params {
			fn.Params = append(fn.Params, capability.ParamRecord{
				Name:        p.Name,
				Type:        p.Type,
				Description: p.Description,
				Required:    p.Required,
			})
		}
		d.Function = fn
	}
	return d
}
