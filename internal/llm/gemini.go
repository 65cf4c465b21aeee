package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider implements ToolProvider on the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini provider with an API key.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.generate(ctx, req, nil)
}

// CompleteWithTools exposes tools as function declarations.
func (p *GeminiProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition) (*CompletionResponse, error) {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  geminiSchema(t),
		})
	}
	return p.generate(ctx, req, []*genai.Tool{{FunctionDeclarations: decls}})
}

func (p *GeminiProvider) generate(ctx context.Context, req CompletionRequest, tools []*genai.Tool) (*CompletionResponse, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{Tools: tools}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		pe := &ProviderError{Message: err.Error(), Provider: p.Name()}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.Code
		}
		return nil, pe
	}

	out := &CompletionResponse{
		Content: resp.Text(),
		Model:   model,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	for i, fc := range resp.FunctionCalls() {
		input, err := json.Marshal(fc.Args)
		if err != nil {
			input = []byte("{}")
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Input: input})
	}
	return out, nil
}

// geminiSchema converts the JSON-schema properties of a tool into genai's
// schema type. Only the subset the tool registry emits is handled.
func geminiSchema(t ToolDefinition) *genai.Schema {
	s := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(t.InputSchema)),
		Required:   t.Required,
	}
	for name, raw := range t.InputSchema {
		prop, _ := raw.(map[string]any)
		ps := &genai.Schema{Type: genai.TypeString}
		switch prop["type"] {
		case "integer":
			ps.Type = genai.TypeInteger
		case "number":
			ps.Type = genai.TypeNumber
		case "boolean":
			ps.Type = genai.TypeBoolean
		}
		if d, ok := prop["description"].(string); ok {
			ps.Description = d
		}
		if enum, ok := prop["enum"].([]string); ok {
			ps.Enum = enum
		}
		s.Properties[name] = ps
	}
	return s
}

// WebSource is one page a grounded answer cites.
type WebSource struct {
	Title string
	URL   string
}

// SearchWeb answers query using Google Search grounding and returns the
// synthesized text with the cited pages.
func (p *GeminiProvider) SearchWeb(ctx context.Context, query string) (string, []WebSource, error) {
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(query), cfg)
	if err != nil {
		pe := &ProviderError{Message: err.Error(), Provider: p.Name()}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.Code
		}
		return "", nil, pe
	}

	var sources []WebSource
	if len(resp.Candidates) > 0 && resp.Candidates[0].GroundingMetadata != nil {
		for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			sources = append(sources, WebSource{Title: chunk.Web.Title, URL: chunk.Web.URI})
		}
	}
	return resp.Text(), sources, nil
}
