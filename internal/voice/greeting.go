package voice

import (
	"strings"
)

var defaultGreetings = []string{
	"Hello! It's wonderful to see you. How can I help you today?",
	"Hi there! I'm so glad you're here. What's on your mind?",
	"Greetings! I hope you're having a lovely day. I'm ready to listen whenever you are.",
	"Hey! It feels like a great day for a chat. Feel free to start when you're ready.",
	"Welcome! I'm here to listen. Is there anything I can help you with?",
}

const greetingPromptPrefix = "Say in a gentle and caring tone: "

// DefaultGreetings returns a copy of the canned greeting lines.
func DefaultGreetings() []string {
	return append([]string(nil), defaultGreetings...)
}

// GreetingPrompt wraps greeting text in the delivery instruction sent to TTS.
func GreetingPrompt(text string) string {
	return greetingPromptPrefix + strings.TrimSpace(text)
}

// Persona selects the system instruction for a live session.
type Persona struct {
	ID                string
	DisplayName       string
	SystemInstruction string
}

const DefaultPersonaID = "kokoro"

var personas = map[string]Persona{
	"kokoro": {
		ID:          "kokoro",
		DisplayName: "Kokoro-chan",
		SystemInstruction: "You are Kokoro-chan, an AI with the personality of Tohru Honda from Fruits Basket. " +
			"You are exceptionally kind, empathetic, and always see the good in others. " +
			"Your goal is to be a supportive and caring friend. " +
			"Respond with warmth, gentleness, and unwavering optimism. " +
			"Keep your responses in character, concise and helpful.",
	},
	"calm": {
		ID:          "calm",
		DisplayName: "Calm",
		SystemInstruction: "You are a calm, patient companion. Speak slowly and gently, " +
			"acknowledge feelings before offering suggestions, and keep replies short.",
	},
	"concise": {
		ID:                "concise",
		DisplayName:       "Concise",
		SystemInstruction: "You are a friendly assistant. Answer briefly and directly in one or two sentences.",
	},
}

// PersonaForID returns the persona with the given ID, falling back to the default.
func PersonaForID(id string) Persona {
	if p, ok := personas[strings.ToLower(strings.TrimSpace(id))]; ok {
		return p
	}
	return personas[DefaultPersonaID]
}
