package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/persona-relay/internal/domain"
)

const (
	anthropicVersion        = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-3-5-sonnet-latest"
)

// AnthropicConfig configures the Messages API backend.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Anthropic completes transcripts with the Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropic validates cfg and returns a client.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Anthropic{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Completer.
func (c *Anthropic) Complete(ctx context.Context, turns []domain.Turn, systemPrompt string) (string, error) {
	conv := conversation(turns)
	if len(conv) == 0 {
		return "", ErrNoUserTurn
	}
	msgs := make([]anthropicMessage, len(conv))
	for i, t := range conv {
		msgs[i] = anthropicMessage{Role: string(t.Role), Content: t.Content}
	}
	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages:  msgs,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyTransport("anthropic", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", classifyTransport("anthropic", err)
	}

	if res.StatusCode != http.StatusOK {
		se := &StatusError{Provider: "anthropic", StatusCode: res.StatusCode}
		var ae anthropicError
		if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
			se.Type, se.Message = ae.Error.Type, ae.Error.Message
		} else {
			se.Message = strings.TrimSpace(string(raw))
		}
		if retryableStatus(res.StatusCode) {
			return "", fmt.Errorf("%w: %w", ErrTransient, se)
		}
		return "", se
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	log.Debug().
		Str("model", c.model).
		Int("input_tokens", out.Usage.InputTokens).
		Int("output_tokens", out.Usage.OutputTokens).
		Str("stop_reason", out.StopReason).
		Dur("latency", time.Since(start)).
		Msg("anthropic completion")
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
