package convo

import (
	"strings"

	"bot-danfe/internal/nfe"
)

// Intent is the coarse classification of an inbound message.
type Intent int

const (
	IntentUnknown Intent = iota
	IntentStatus
	IntentHelp
	IntentAccessKey
)

func (i Intent) String() string {
	switch i {
	case IntentStatus:
		return "status"
	case IntentHelp:
		return "help"
	case IntentAccessKey:
		return "access_key"
	default:
		return "unknown"
	}
}

// Classify maps free text to an intent. For IntentAccessKey the returned
// payload is the normalized digit string; digit-shaped input of any
// length counts as a key attempt so the user gets a validation error
// instead of the generic help text.
func Classify(text string) (Intent, string) {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return IntentUnknown, ""
	}

	switch trimmed {
	case "status":
		return IntentStatus, ""
	case "ajuda", "help", "menu", "oi", "ola", "olá":
		return IntentHelp, ""
	}

	digits := nfe.Normalize(trimmed)
	if digits != "" && looksLikeKeyAttempt(trimmed) {
		return IntentAccessKey, digits
	}
	return IntentUnknown, ""
}

// looksLikeKeyAttempt accepts text that is digits possibly broken up by
// spaces, dots or dashes, the ways keys get pasted from invoices.
func looksLikeKeyAttempt(text string) bool {
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
		case r == ' ' || r == '.' || r == '-':
		default:
			return false
		}
	}
	return true
}
