// Package transport defines the chat-transport boundary: the inbound update
// shape, outbound message options and the Sender interface the delivery and
// dispatch layers program against. Concrete transports live in subpackages.
package transport

import "context"

// ParseMode selects how the transport renders message text.
type ParseMode string

const (
	ParsePlain      ParseMode = ""
	ParseMarkdownV2 ParseMode = "MarkdownV2"
)

// Button is one inline keyboard button; Data is echoed back in a callback.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Keyboard is an inline keyboard, one slice per row.
type Keyboard [][]Button

// Update is one inbound event: either a text message or a button press.
type Update struct {
	ID           int64
	UserID       string
	ChatID       int64
	Username     string
	Text         string
	CallbackID   string
	CallbackData string
}

// IsCallback reports whether the update is a button press.
func (u Update) IsCallback() bool { return u.CallbackID != "" }

// Sender is the outbound half of a chat transport.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, mode ParseMode, kb Keyboard) error
	SendTyping(ctx context.Context, chatID int64) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Handler consumes inbound updates.
type Handler interface {
	Handle(ctx context.Context, u Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u Update)

// Handle calls f(ctx, u).
func (f HandlerFunc) Handle(ctx context.Context, u Update) { f(ctx, u) }
