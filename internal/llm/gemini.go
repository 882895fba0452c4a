package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tbourn/persona-relay/internal/domain"
)

const defaultGeminiModel = "gemini-2.0-flash"

// contentGenerator is the part of genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini completes transcripts with the Gemini API through genai.
type Gemini struct {
	models    contentGenerator
	model     string
	maxTokens int
}

// NewGemini creates a genai client for the Gemini API backend.
func NewGemini(ctx context.Context, apiKey, model string, maxTokens int) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newGemini(client.Models, model, maxTokens), nil
}

func newGemini(models contentGenerator, model string, maxTokens int) *Gemini {
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{models: models, model: model, maxTokens: maxTokens}
}

// Complete implements Completer.
func (g *Gemini) Complete(ctx context.Context, turns []domain.Turn, systemPrompt string) (string, error) {
	conv := conversation(turns)
	if len(conv) == 0 {
		return "", ErrNoUserTurn
	}
	contents := make([]*genai.Content, len(conv))
	for i, t := range conv {
		var role genai.Role = genai.RoleUser
		if t.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents[i] = genai.NewContentFromText(t.Content, role)
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.maxTokens)
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyTransport("gemini", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
