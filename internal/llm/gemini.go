package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature *float32
	// JSONOutput asks the API for an application/json response body.
	JSONOutput bool
}

// Gemini implements model.ChatModel on top of google.golang.org/genai.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini creates a Gemini chat model.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Temperature: g.cfg.Temperature}, opts...)

	system, dialogue := splitSystem(input)
	contents := geminiContents(dialogue)
	if len(contents) == 0 {
		return nil, errors.New("gemini: no dialogue content to send")
	}

	genCfg := &genai.GenerateContentConfig{Temperature: options.Temperature}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if g.cfg.JSONOutput {
		genCfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return schema.AssistantMessage(resp.Text(), nil), nil
}

// Stream falls back to a single chunk; callers only need the final text.
func (g *Gemini) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := g.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return singleChunk(msg), nil
}

func (g *Gemini) BindTools(_ []*schema.ToolInfo) error {
	return ErrToolsUnsupported
}

// geminiContents maps assistant turns to the model role and everything else to the user role.
func geminiContents(dialogue []*schema.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(dialogue))
	for _, msg := range dialogue {
		role := genai.Role(genai.RoleUser)
		if msg.Role == schema.Assistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}
