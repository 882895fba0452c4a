package services

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/persona-relay/internal/domain"
	"github.com/tbourn/persona-relay/internal/transport"
)

const commandList = "🌟 Available commands:\n" +
	"/start - Begin a fresh conversation\n" +
	"/help - Show this help message\n" +
	"/clear - Reset your conversation history (use with caution!)\n" +
	"/scenario - Change who you're talking to"

const (
	replyCleared      = "All your conversation histories across all scenarios have been reset."
	replySlow         = "I'm thinking deeply about this. Please give me a moment..."
	replyUnknownCmd   = "Sorry, I don't know that command. Try /help to see what I can do."
	menuHeader        = "Choose who you'd like to talk to:\n\n"
	menuFooter        = "\nSelect an option to change who you're talking to:"
	menuButtonsPerRow = 2
)

// personaLabel turns "guidance_counselor" into "Guidance Counselor". A
// Caser is stateful, so each call gets its own.
func personaLabel(p domain.Persona) string {
	return cases.Title(language.English).String(strings.ReplaceAll(p.String(), "_", " "))
}

// replies renders the user-facing texts, addressing the user by name.
type replies struct {
	name string
}

func (r replies) askSecret() string {
	return fmt.Sprintf("Greetings, %s! 🌟 To start chatting please provide the secret code. What's the password?", r.name)
}

func (r replies) authRequired() string {
	return fmt.Sprintf("I'm sorry, %s, but I can only assist authenticated users. Please provide the secret code first.", r.name)
}

func (r replies) authenticated(p domain.Persona, firstTime bool) string {
	if firstTime {
		return fmt.Sprintf("You're now authenticated, %s! Your current scenario is %s. You can start chatting now.\n\n%s",
			r.name, personaLabel(p), commandList)
	}
	return fmt.Sprintf("Welcome back, %s! You're authenticated again and still chatting with your %s. "+
		"Your conversation picks up where you left off.\n\n%s", r.name, personaLabel(p), commandList)
}

func (r replies) welcomeBack(p domain.Persona) string {
	return fmt.Sprintf("Welcome back, %s! 🎭\n\n"+
		"You're currently chatting with your '%s'. Ready for some engaging conversation?\n\n"+
		"Remember, you can change who you're talking to anytime with /scenario.\n\n"+
		"%s\n\n"+
		"Now, what would you like to chat about with your %s? 😃",
		r.name, p, commandList, personaLabel(p))
}

func (r replies) help() string {
	return "Here are the available commands:\n" +
		"/start - Begin a fresh conversation\n" +
		"/help - Show this help message\n" +
		"/clear - Warning: This will reset all your conversation histories across all scenarios\n" +
		"/scenario - Change who you're talking to\n\n" +
		"You can also send me any message, and I'll respond based on the current scenario!"
}

func (r replies) switched(from, to domain.Persona) string {
	return fmt.Sprintf("You've switched from talking to your %s to your %s\n\n"+
		"Your conversation history has been updated to match. Enjoy chatting!", from, to.SwitchDescription())
}

func (r replies) failure(kind failureKind) string {
	switch kind {
	case failTimeout:
		return fmt.Sprintf("I'm sorry, %s, but it's taking me longer than usual to respond. Please try again in a moment.", r.name)
	case failNetwork:
		return fmt.Sprintf("I apologize, %s, but I've encountered an error while processing your request. "+
			"There was a network error. Please check your connection and try again.", r.name)
	default:
		return fmt.Sprintf("I apologize, %s, but I've encountered an error while processing your request. "+
			"Please try again later.", r.name)
	}
}

func (r replies) panicked() string {
	return fmt.Sprintf("Sorry, %s, something went wrong. Please try again later.", r.name)
}

func (r replies) historyStatus(n int) string {
	return fmt.Sprintf("History window: the last %d exchange(s) are sent with each message.", n)
}

func (r replies) historySet(n int) string {
	return fmt.Sprintf("History window updated: the last %d exchange(s) will be sent with each message.", n)
}

// scenarioMenu lists every persona and returns the matching keyboard.
func scenarioMenu() (string, transport.Keyboard) {
	var sb strings.Builder
	sb.WriteString(menuHeader)
	var kb transport.Keyboard
	var row []transport.Button
	for _, p := range domain.Personas() {
		fmt.Fprintf(&sb, "%s %s: %s\n", p.Emoji(), personaLabel(p), p.Summary())
		row = append(row, transport.Button{Text: personaLabel(p), Data: p.String()})
		if len(row) == menuButtonsPerRow {
			kb = append(kb, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	sb.WriteString(menuFooter)
	return sb.String(), kb
}
