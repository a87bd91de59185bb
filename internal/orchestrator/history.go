package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	"convo-engine/internal/capability"
	"convo-engine/internal/conversation"
)

// HistoryExcludedRoles applies on every entry path.
var HistoryExcludedRoles = []conversation.Role{conversation.RoleSystem}

// BuildHistory maps interactions (oldest first) to model turns. Agent
// replies are business-side turns.
func BuildHistory(items []conversation.Interaction) []Turn {
	out := make([]Turn, 0, len(items))
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		switch it.Role {
		case conversation.RoleUser:
			out = append(out, Turn{Role: TurnUser, Text: text})
		case conversation.RoleAssistant, conversation.RoleAgent:
			out = append(out, Turn{Role: TurnModel, Text: text})
		}
	}
	return out
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

type fencedCall struct {
	FunctionCall *capability.Call `json:"functionCall"`
	Name         string           `json:"name"`
	Args         map[string]any   `json:"args"`
}

// ExtractFencedCall recovers a tool call the model wrote as a fenced JSON
// block instead of a structured call. rest is the text with the block removed.
func ExtractFencedCall(text string) (capability.Call, string, bool) {
	loc := fencedJSON.FindStringSubmatchIndex(text)
	if loc == nil {
		return capability.Call{}, text, false
	}
	var fc fencedCall
	if err := json.Unmarshal([]byte(text[loc[2]:loc[3]]), &fc); err != nil {
		return capability.Call{}, text, false
	}
	call := capability.Call{Name: fc.Name, Args: fc.Args}
	if fc.FunctionCall != nil {
		call = *fc.FunctionCall
	}
	if strings.TrimSpace(call.Name) == "" {
		return capability.Call{}, text, false
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	rest := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	return call, rest, true
}
