package capability

import (
	"fmt"
	"math"
	"sort"
)

type IssueKind string

const (
	IssueMissing IssueKind = "missing"
	IssueType    IssueKind = "type"
)

type Issue struct {
	Param  string    `json:"param"`
	Kind   IssueKind `json:"kind"`
	Detail string    `json:"detail"`
}

type Issues []Issue

// Blocking reports type mismatches. Missing required parameters are left to
// the executor, which can ask the customer for them.
func (is Issues) Blocking() bool {
	for _, i := range is {
		if i.Kind == IssueType {
			return true
		}
	}
	return false
}

func (is Issues) Missing() []string {
	var out []string
	for _, i := range is {
		if i.Kind == IssueMissing {
			out = append(out, i.Param)
		}
	}
	return out
}

// ValidateArgs checks args against the declared parameters. Undeclared
// arguments are tolerated.
func ValidateArgs(c Capability, args map[string]any) Issues {
	var out Issues
	for _, p := range c.Params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				out = append(out, Issue{Param: p.Name, Kind: IssueMissing, Detail: "required parameter not provided"})
			}
			continue
		}
		if !matches(p.Type, v) {
			out = append(out, Issue{Param: p.Name, Kind: IssueType, Detail: fmt.Sprintf("expected %s, got %T", p.Type, v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Param < out[j].Param })
	return out
}

func matches(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeNumber:
		_, ok := number(v)
		return ok
	case TypeInteger:
		f, ok := number(v)
		return ok && f == math.Trunc(f)
	default:
		return true
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
