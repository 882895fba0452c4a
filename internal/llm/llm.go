// Package llm provides the completion backends the dispatcher talks to.
//
// A Completer turns a persona's system prompt and the cached transcript into
// one assistant reply. Backends classify their failures: anything worth
// retrying wraps ErrTransient, everything else is returned as is.
package llm

import (
	"context"
	"fmt"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/domain"
)

// Completer produces the next assistant turn for a transcript.
type Completer interface {
	Complete(ctx context.Context, turns []domain.Turn, systemPrompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, turns []domain.Turn, systemPrompt string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, turns []domain.Turn, systemPrompt string) (string, error) {
	return f(ctx, turns, systemPrompt)
}

// Provider names accepted in LLM_PROVIDER.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// New builds the backend selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case ProviderAnthropic, "":
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			BaseURL:   cfg.AnthropicBaseURL,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.MaxTokens,
		})
	case ProviderGemini:
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// conversation drops leading assistant turns and folds consecutive turns of
// the same role into one, so the result starts with a user turn and
// alternates. Empty turns are skipped.
func conversation(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		if len(out) == 0 && t.Role != domain.RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	return out
}
