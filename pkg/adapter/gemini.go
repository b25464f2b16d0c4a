package adapter

import (
	"context"

	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// GeminiModels is the subset of genai.Models used by Gemini
type GeminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Gemini struct {
	models          GeminiModels
	generativeModel string
	thinkingBudget  int32
}

type GeminiOption func(*Gemini)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.generativeModel = model
	}
}

// WithThinkingBudget sets the thinking token budget, 0 disables thinking
func WithThinkingBudget(budget int32) GeminiOption {
	return func(g *Gemini) {
		g.thinkingBudget = budget
	}
}

// WithGeminiModels replaces the genai model service, mainly for tests
func WithGeminiModels(models GeminiModels) GeminiOption {
	return func(g *Gemini) {
		g.models = models
	}
}

// NewGemini creates a Vertex AI backed Gemini client. When WithGeminiModels
// is given no genai client is created.
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*Gemini, error) {
	g := &Gemini{
		generativeModel: "gemini-2.5-flash",
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.models != nil {
		return g, nil
	}

	if projectID == "" {
		return nil, goerr.New("gemini project id is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}
	g.models = client.Models
	return g, nil
}

func (g *Gemini) Complete(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResponse, error) {
	contents, system := toGeminiContents(req.Messages)

	budget := g.thinkingBudget
	config := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &budget,
		},
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, "")
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			params, err := convertJSONSchemaToGenai(spec.Parameters)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert tool schema", goerr.V("tool", spec.Name))
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := g.models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, goerr.New("empty response from Gemini", goerr.V("model", g.generativeModel))
	}

	out := &model.CompletionResponse{}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		if part.Text != "" {
			out.Text += part.Text
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: args,
			})
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// toGeminiContents maps the transcript onto user/model turns. Consecutive
// messages of the same role are merged into one content.
func toGeminiContents(messages []model.Message) ([]*genai.Content, string) {
	var system string
	var contents []*genai.Content

	push := func(role string, part *genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}

	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			system = m.Content
		case model.RoleUser:
			push(genai.RoleUser, &genai.Part{Text: m.Content})
		case model.RoleAssistant:
			if m.Content != "" {
				push(genai.RoleModel, &genai.Part{Text: m.Content})
			}
		case model.RoleToolCall:
			if m.ToolCall == nil {
				continue
			}
			push(genai.RoleModel, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   m.ToolCall.ID,
				Name: m.ToolCall.Name,
				Args: m.ToolCall.Args,
			}})
		case model.RoleToolResult:
			if m.ToolResult == nil {
				continue
			}
			push(genai.RoleUser, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolResult.CallID,
				Name:     m.ToolResult.Name,
				Response: m.ToolResult.Data,
			}})
		}
	}
	return contents, system
}

// convertJSONSchemaToGenai converts JSON Schema to Gemini genai.Schema
func convertJSONSchemaToGenai(schema *jsonschema.Schema) (*genai.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	genaiSchema := &genai.Schema{
		Description: schema.Description,
	}

	switch schema.Type {
	case "object":
		genaiSchema.Type = genai.TypeObject
	case "string":
		genaiSchema.Type = genai.TypeString
	case "integer":
		genaiSchema.Type = genai.TypeInteger
	case "number":
		genaiSchema.Type = genai.TypeNumber
	case "boolean":
		genaiSchema.Type = genai.TypeBoolean
	case "array":
		genaiSchema.Type = genai.TypeArray
	default:
		if schema.Type != "" {
			return nil, goerr.New("unsupported schema type", goerr.V("type", schema.Type))
		}
	}

	if len(schema.Enum) > 0 {
		genaiSchema.Enum = make([]string, 0, len(schema.Enum))
		for _, v := range schema.Enum {
			if s, ok := v.(string); ok {
				genaiSchema.Enum = append(genaiSchema.Enum, s)
			}
		}
	}

	if len(schema.Properties) > 0 {
		genaiSchema.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, propSchema := range schema.Properties {
			converted, err := convertJSONSchemaToGenai(propSchema)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema", goerr.V("property", name))
			}
			genaiSchema.Properties[name] = converted
		}
	}

	if len(schema.Required) > 0 {
		genaiSchema.Required = schema.Required
	}

	if schema.Items != nil {
		converted, err := convertJSONSchemaToGenai(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		genaiSchema.Items = converted
	}

	return genaiSchema, nil
}
