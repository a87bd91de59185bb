package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
)

// NormalizeType maps a declared type onto the tool schema types; anything
// unrecognized becomes string.
func NormalizeType(s string) ParamType {
	switch ParamType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeNumber:
		return TypeNumber
	case TypeInteger:
		return TypeInteger
	case TypeBoolean:
		return TypeBoolean
	case TypeArray:
		return TypeArray
	default:
		return TypeString
	}
}

type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
}

// Capability is an invokable function exposed to the model for one assistant.
type Capability struct {
	TaskID      string  `json:"task_id"`
	Name        string  `json:"name"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Instruction string  `json:"instruction,omitempty"`
	Params      []Param `json:"params"`
}

// Records as read from the store: one per active subscription of an active task.
type TaskRecord struct {
	TaskID       string
	TaskName     string
	Description  string
	Instruction  string
	Function     *FunctionRecord
	CustomFields []FieldRecord
}

type FunctionRecord struct {
	ID          string
	Name        string
	Description string
	Params      []ParamRecord
}

type ParamRecord struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// FieldRecord is a custom-field requirement. FieldName, when set, is the
// key the model must use; Name is the human label.
type FieldRecord struct {
	Name        string
	FieldName   string
	Type        string
	Description string
	Required    bool
}

type Repository interface {
	ListSubscribedTasks(ctx context.Context, assistantID string) ([]TaskRecord, error)
}

// For recomputes the catalog on every call; subscriptions are read live.
func For(ctx context.Context, repo Repository, assistantID string) ([]Capability, error) {
	recs, err := repo.ListSubscribedTasks(ctx, assistantID)
	if err != nil {
		return nil, fmt.Errorf("capability: list subscriptions: %w", err)
	}
	return Build(ctx, recs), nil
}

// Build flattens task records into capabilities. Tasks without a function
// descriptor are not invokable and are skipped.
func Build(ctx context.Context, recs []TaskRecord) []Capability {
	out := make([]Capability, 0, len(recs))
	seen := map[string]bool{}
	for _, r := range recs {
		if r.Function == nil || strings.TrimSpace(r.Function.Name) == "" {
			slog.DebugContext(ctx, "task has no function descriptor", "task_id", r.TaskID)
			continue
		}
		name := strings.TrimSpace(r.Function.Name)
		if seen[name] {
			slog.WarnContext(ctx, "duplicate function name in catalog", "function", name, "task_id", r.TaskID)
			continue
		}
		seen[name] = true

		desc := r.Function.Description
		if desc == "" {
			desc = r.Description
		}
		c := Capability{
			TaskID:      r.TaskID,
			Name:        name,
			Label:       r.TaskName,
			Description: desc,
			Instruction: r.Instruction,
		}
		declared := map[string]bool{}
		for _, p := range r.Function.Params {
			if p.Name == "" {
				continue
			}
			declared[p.Name] = true
			c.Params = append(c.Params, Param{Name: p.Name, Type: NormalizeType(p.Type), Description: p.Description, Required: p.Required})
		}
		for _, f := range r.CustomFields {
			key := f.FieldName
			if key == "" {
				key = f.Name
			}
			if key == "" || declared[key] {
				continue
			}
			declared[key] = true
			d := f.Description
			if d == "" {
				d = f.Name
			}
			c.Params = append(c.Params, Param{Name: key, Type: NormalizeType(f.Type), Description: d, Required: f.Required})
		}
		out = append(out, c)
	}
	return out
}

// Find matches by internal function name.
func Find(caps []Capability, name string) (Capability, bool) {
	for _, c := range caps {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// Call is a model's request to invoke a capability.
type Call struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}
