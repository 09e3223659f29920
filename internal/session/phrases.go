package session

import "strings"

// Fixed phrase lists for implicit mode-switch detection. A free-text message
// containing one of these short-circuits normal sending and switches mode
// instead.
var voiceIntentPhrases = []string{
	"switch to voice",
	"voice mode",
	"talk to you",
	"speak to you",
	"let's talk",
	"use voice",
	"voice chat",
	"can we talk",
}

var textIntentPhrases = []string{
	"switch to text",
	"text mode",
	"type instead",
	"let's type",
	"use text",
	"text chat",
	"stop talking",
	"back to typing",
}

// detectModeIntent scans a message against both phrase lists. Text intent is
// checked first so "stop talking and switch to text" resolves to text.
func detectModeIntent(message string) (Mode, bool) {
	m := strings.ToLower(message)
	for _, p := range textIntentPhrases {
		if strings.Contains(m, p) {
			return ModeText, true
		}
	}
	for _, p := range voiceIntentPhrases {
		if strings.Contains(m, p) {
			return ModeVoice, true
		}
	}
	return "", false
}
