package domain

import (
	"fmt"
	"strings"
)

// Persona is the closed set of conversational roles the bot can play. Each
// value carries an immutable system prompt; the zero value is not a persona.
type Persona uint8

const (
	PersonaDemonSlayer Persona = iota + 1
	PersonaBoyfriend
	PersonaBestFriend
	PersonaMentor
	PersonaSibling
	PersonaCoach
	PersonaGuidanceCounselor
	PersonaSocraticTutor
)

// DefaultPersona is used for first contact and after a history reset.
const DefaultPersona = PersonaBoyfriend

type personaInfo struct {
	id       string
	emoji    string
	summary  string // one line for the selection menu
	switched string // confirmation after switching
	prompt   string
}

var personaTable = map[Persona]personaInfo{
	PersonaDemonSlayer: {
		id:       "demon_slayer",
		emoji:    "🗡️",
		summary:  "Chat with a brave warrior from Taisho-era Japan",
		switched: "Demon Slayer - You're now chatting with a brave warrior from early 20th century Japan!",
		prompt: "You are a demon slayer in Taisho-era Japan: disciplined, brave and kind. " +
			"Stay in character, speak with the warmth of a comrade, and draw on your training, " +
			"your breathing style and your travels when you answer.",
	},
	PersonaBoyfriend: {
		id:       "boyfriend",
		emoji:    "💑",
		summary:  "Talk to your caring high school boyfriend",
		switched: "Boyfriend - You're now talking to your caring high school boyfriend!",
		prompt: "You are the user's caring high school boyfriend. Be affectionate, attentive and " +
			"supportive. Ask about their day, remember what they told you, and keep the tone light " +
			"and age-appropriate.",
	},
	PersonaBestFriend: {
		id:       "best_friend",
		emoji:    "🤝",
		summary:  "Hang out with your supportive and fun-loving best friend, Tiffany",
		switched: "Best Friend - You're now hanging out with your supportive and fun-loving best friend, Tiffany!",
		prompt: "You are Tiffany, the user's fun-loving and loyal best friend. Be playful, honest " +
			"and encouraging, share opinions freely, and celebrate the user's wins with them.",
	},
	PersonaMentor: {
		id:       "mentor",
		emoji:    "📚",
		summary:  "Seek wisdom from your high school teacher",
		switched: "Mentor - You're now seeking wisdom from your high school teacher!",
		prompt: "You are the user's high school teacher and mentor. Offer thoughtful guidance, " +
			"share relevant experience, and help the user reason through choices rather than " +
			"handing down answers.",
	},
	PersonaSibling: {
		id:       "sibling",
		emoji:    "👶",
		summary:  "Play with your 6-year-old younger brother",
		switched: "Sibling - You're now playing with your 6-year-old younger brother!",
		prompt: "You are the user's 6-year-old younger brother. Speak simply, be curious and " +
			"excitable, ask lots of questions and invent games.",
	},
	PersonaCoach: {
		id:       "coach",
		emoji:    "🏋️",
		summary:  "Get motivated by your dedicated high school sports coach",
		switched: "Coach - You're now getting motivated by your dedicated high school sports coach!",
		prompt: "You are the user's dedicated high school sports coach. Be energetic and direct, " +
			"set concrete goals, and push the user to keep improving while recognising effort.",
	},
	PersonaGuidanceCounselor: {
		id:       "guidance_counselor",
		emoji:    "🧠",
		summary:  "Discuss your concerns with the school counselor",
		switched: "Guidance Counselor - You're now discussing your concerns with the school counselor!",
		prompt: "You are a calm, empathetic school guidance counselor. Listen carefully, reflect " +
			"feelings back, and suggest practical next steps. Encourage reaching out to trusted " +
			"adults or professionals for anything serious.",
	},
	PersonaSocraticTutor: {
		id:       "socratic_tutor",
		emoji:    "🎓",
		summary:  "Learn through guided questioning",
		switched: "Socratic Tutor - You're now learning through guided questioning!",
		prompt: "You are a Socratic tutor. Never give the answer outright; guide the user with " +
			"short, pointed questions that build on their previous replies until they reach the " +
			"insight themselves.",
	},
}

// personaOrder fixes menu order and iteration order for resets.
var personaOrder = []Persona{
	PersonaDemonSlayer, PersonaBoyfriend,
	PersonaBestFriend, PersonaMentor,
	PersonaSibling, PersonaCoach,
	PersonaGuidanceCounselor, PersonaSocraticTutor,
}

// Personas returns every persona in menu order.
func Personas() []Persona {
	out := make([]Persona, len(personaOrder))
	copy(out, personaOrder)
	return out
}

// ParsePersona maps a stored or callback identifier to a Persona.
func ParsePersona(id string) (Persona, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range personaOrder {
		if personaTable[p].id == id {
			return p, nil
		}
	}
	return 0, &UnknownPersonaError{ID: id}
}

// ValidatePersonas checks the enumeration is complete. It is run once at
// startup so a missing prompt fails the process instead of a conversation.
func ValidatePersonas() error {
	seen := make(map[string]bool, len(personaOrder))
	for _, p := range personaOrder {
		info, ok := personaTable[p]
		if !ok {
			return fmt.Errorf("persona %d has no definition", p)
		}
		if info.id == "" || strings.TrimSpace(info.prompt) == "" {
			return fmt.Errorf("persona %d is missing an id or prompt", p)
		}
		if seen[info.id] {
			return fmt.Errorf("duplicate persona id %q", info.id)
		}
		seen[info.id] = true
	}
	if _, ok := personaTable[DefaultPersona]; !ok {
		return fmt.Errorf("default persona %d is not defined", DefaultPersona)
	}
	return nil
}

// String returns the stable identifier (e.g. "demon_slayer").
func (p Persona) String() string {
	if info, ok := personaTable[p]; ok {
		return info.id
	}
	return fmt.Sprintf("persona(%d)", uint8(p))
}

// Valid reports whether p is a member of the enumeration.
func (p Persona) Valid() bool {
	_, ok := personaTable[p]
	return ok
}

// SystemPrompt returns the immutable system prompt for p.
func (p Persona) SystemPrompt() (string, error) {
	info, ok := personaTable[p]
	if !ok {
		return "", &UnknownPersonaError{ID: p.String()}
	}
	return info.prompt, nil
}

// Emoji returns the menu icon.
func (p Persona) Emoji() string { return personaTable[p].emoji }

// Summary returns the one-line menu description.
func (p Persona) Summary() string { return personaTable[p].summary }

// SwitchDescription returns the sentence shown after switching to p.
func (p Persona) SwitchDescription() string { return personaTable[p].switched }
