package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"convo-engine/internal/capability"
	"convo-engine/internal/orchestrator"
)

// contentGenerator is the slice of the genai client the provider uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey          string
	Model           string
	Temperature     float64
	MaxOutputTokens int
}

// Provider implements orchestrator.Provider on the Gemini API.
type Provider struct {
	models contentGenerator
	cfg    Config
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{models: client.Models, cfg: cfg}, nil
}

func (p *Provider) Generate(ctx context.Context, req orchestrator.Request) (orchestrator.Response, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		role := genai.RoleUser
		if t.Role == orchestrator.TurnModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, genai.Role(role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(req.Persona, req.Capabilities), genai.RoleUser),
		Temperature:       genai.Ptr(float32(p.cfg.Temperature)),
		MaxOutputTokens:   int32(p.cfg.MaxOutputTokens),
	}
	if decls := FunctionDeclarations(req.Capabilities); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := p.models.GenerateContent(ctx, p.cfg.Model, contents, cfg)
	if err != nil {
		return orchestrator.Response{}, err
	}
	return interpret(resp)
}

func interpret(resp *genai.GenerateContentResponse) (orchestrator.Response, error) {
	if resp == nil {
		return orchestrator.Response{}, orchestrator.ErrEmptyResponse
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return orchestrator.Response{}, fmt.Errorf("%w: prompt %s", orchestrator.ErrBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return orchestrator.Response{}, orchestrator.ErrEmptyResponse
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return orchestrator.Response{}, orchestrator.ErrBlocked
	}

	out := orchestrator.Response{FinishReason: string(cand.FinishReason)}
	if cand.Content != nil {
		var b strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil && out.Call == nil {
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				out.Call = &capability.Call{Name: part.FunctionCall.Name, Args: args}
				continue
			}
			if part.Text != "" && !part.Thought {
				b.WriteString(part.Text)
			}
		}
		out.Text = b.String()
	}
	return out, nil
}

// FunctionDeclarations exposes capabilities as model tools.
func FunctionDeclarations(caps []capability.Capability) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(caps))
	for _, c := range caps {
		schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		for _, p := range c.Params {
			ps := &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
			if p.Type == capability.TypeArray {
				ps.Items = &genai.Schema{Type: genai.TypeString}
			}
			schema.Properties[p.Name] = ps
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		desc := c.Description
		if c.Instruction != "" {
			desc = strings.TrimSpace(desc + "\n" + c.Instruction)
		}
		out = append(out, &genai.FunctionDeclaration{Name: c.Name, Description: desc, Parameters: schema})
	}
	return out
}

func schemaType(t capability.ParamType) genai.Type {
	switch t {
	case capability.TypeNumber:
		return genai.TypeNumber
	case capability.TypeInteger:
		return genai.TypeInteger
	case capability.TypeBoolean:
		return genai.TypeBoolean
	case capability.TypeArray:
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}

// SystemPrompt renders the persona and the tool-use rules.
func SystemPrompt(p orchestrator.Persona, caps []capability.Capability) string {
	var b strings.Builder
	name := p.AssistantName
	if name == "" {
		name = "a virtual assistant"
	}
	fmt.Fprintf(&b, "You are %s", name)
	if p.BusinessName != "" {
		fmt.Fprintf(&b, " for %s", p.BusinessName)
	}
	b.WriteString(". Answer in the customer's language, briefly and politely.\n")
	if p.Description != "" {
		b.WriteString(p.Description)
		b.WriteString("\n")
	}
	if len(caps) > 0 {
		b.WriteString("\nYou can perform these actions by calling the matching function:\n")
		for _, c := range caps {
			label := c.Label
			if label == "" {
				label = c.Name
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name, label, c.Description)
		}
		b.WriteString("Only call a function when the customer clearly asks for that action. " +
			"If required details are missing, ask for them before calling. Never invent function names.\n")
	}
	return b.String()
}
