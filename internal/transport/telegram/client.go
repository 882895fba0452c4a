// Package telegram implements transport.Sender and an update poller over the
// Telegram Bot API (HTTPS + JSON). Outbound calls are paced with a token
// bucket to stay under the API's flood limits, and failures are classified
// into domain.ErrTransientNetwork and domain.ErrFormatting so the delivery
// layer can retry or degrade.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tbourn/persona-relay/internal/domain"
	"github.com/tbourn/persona-relay/internal/sysutil"
	"github.com/tbourn/persona-relay/internal/transport"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Client talks to the Bot API for one bot token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Limiter    *rate.Limiter // nil disables pacing
}

// NewClient returns a Client pacing sends at rps with the given burst.
func NewClient(baseURL, token string, rps float64, burst int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	var lim *rate.Limiter
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Limiter:    lim,
	}
}

// APIError is a non-OK Bot API response.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

// RetryDelay is the retry_after the Bot API sent with a 429, or zero.
func (e *APIError) RetryDelay() time.Duration { return e.RetryAfter }

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.StatusCode, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call POSTs params as JSON to method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Strip the URL (it carries the token) from transport errors.
		return fmt.Errorf("telegram %s: %w: %v", method, domain.ErrTransientNetwork, redact(err, c.Token))
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w: %v", method, domain.ErrTransientNetwork, err)
	}

	var ar apiResponse
	if jerr := json.Unmarshal(raw, &ar); jerr != nil {
		if res.StatusCode >= 500 {
			return fmt.Errorf("telegram %s: %w: status %d", method, domain.ErrTransientNetwork, res.StatusCode)
		}
		return fmt.Errorf("telegram %s: decode response (status %d): %w", method, res.StatusCode, jerr)
	}
	if !ar.OK {
		apiErr := &APIError{Method: method, StatusCode: res.StatusCode, Description: ar.Description}
		if ar.ErrorCode != 0 {
			apiErr.StatusCode = ar.ErrorCode
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return classify(apiErr)
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// classify wraps API errors with the domain kinds callers branch on.
func classify(e *APIError) error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, e)
	case e.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Description), "can't parse entities"):
		return fmt.Errorf("%w: %w", domain.ErrFormatting, e)
	default:
		return e
	}
}

func redact(err error, token string) string {
	if token == "" {
		return err.Error()
	}
	return strings.ReplaceAll(err.Error(), token, "<token>")
}

func (c *Client) wait(ctx context.Context) error {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter.Wait(ctx)
}

type inlineKeyboard struct {
	InlineKeyboard transport.Keyboard `json:"inline_keyboard"`
}

type sendMessageParams struct {
	ChatID      int64           `json:"chat_id"`
	Text        string          `json:"text"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

// SendMessage implements transport.Sender.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, mode transport.ParseMode, kb transport.Keyboard) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	p := sendMessageParams{ChatID: chatID, Text: text, ParseMode: string(mode)}
	if len(kb) > 0 {
		p.ReplyMarkup = &inlineKeyboard{InlineKeyboard: kb}
	}
	return c.call(ctx, "sendMessage", p, nil)
}

// SendTyping implements transport.Sender.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"}, nil)
}

// AnswerCallback implements transport.Sender.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	p := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		p["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", p, nil)
}

// User is the subset of the Bot API user object the relay reads.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// GetMe returns the bot's own account; used as a startup credential check.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", struct{}{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

type chat struct {
	ID int64 `json:"id"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      chat   `json:"chat"`
	Text      string `json:"text"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *message `json:"message"`
	Data    string   `json:"data"`
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]transport.Update, int64, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var raw []update
	if err := c.call(ctx, "getUpdates", params, &raw); err != nil {
		return nil, offset, err
	}
	out := make([]transport.Update, 0, len(raw))
	next := offset
	for _, u := range raw {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		if tu, ok := convert(u); ok {
			out = append(out, tu)
		}
	}
	return out, next, nil
}

func convert(u update) (transport.Update, bool) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		tu := transport.Update{
			ID:           u.UpdateID,
			UserID:       strconv.FormatInt(cq.From.ID, 10),
			Username:     displayName(cq.From),
			CallbackID:   cq.ID,
			CallbackData: cq.Data,
		}
		if cq.Message != nil {
			tu.ChatID = cq.Message.Chat.ID
		} else {
			tu.ChatID = cq.From.ID
		}
		return tu, true
	case u.Message != nil && u.Message.From != nil && u.Message.Text != "":
		m := u.Message
		return transport.Update{
			ID:       u.UpdateID,
			UserID:   strconv.FormatInt(m.From.ID, 10),
			ChatID:   m.Chat.ID,
			Username: displayName(*m.From),
			Text:     m.Text,
		}, true
	}
	return transport.Update{}, false
}

func displayName(u User) string { return sysutil.FirstNonEmpty(u.Username, u.FirstName) }

// IsAPIError reports whether err carries a Bot API error with the given code.
func IsAPIError(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
