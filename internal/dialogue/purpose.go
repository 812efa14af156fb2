package dialogue

import (
	"regexp"
	"strings"

	"callline-platform/internal/calls"
)

// ParsePurpose turns the user's free-text intent plus gathered key/value info
// into the immutable call purpose. Info values win over anything extracted
// from the intent text. A purpose with missing pieces is still usable: the
// utterance templates fall back to safe generic phrasing rather than failing
// the call.
func ParsePurpose(intent string, info map[string]string) calls.Purpose {
	p := calls.Purpose{
		CallerName:    strings.TrimSpace(info["caller_name"]),
		RecipientName: strings.TrimSpace(info["recipient_name"]),
		Message:       strings.TrimSpace(info["message"]),
		Question:      strings.TrimSpace(info["question"]),
	}

	intent = strings.TrimSpace(intent)
	if intent == "" {
		return p
	}

	if m := birthdayRe.FindStringSubmatch(intent); m != nil {
		if p.RecipientName == "" {
			p.RecipientName = properName(m[1])
		}
		if p.Message == "" {
			p.Message = "wish you a happy birthday"
		}
		return p
	}
	if m := tellRe.FindStringSubmatch(intent); m != nil {
		if p.RecipientName == "" {
			p.RecipientName = properName(m[1])
		}
		if p.Message == "" {
			p.Message = "let you know that " + strings.TrimSpace(m[2])
		}
	}
	if m := askRe.FindStringSubmatch(intent); m != nil {
		if p.RecipientName == "" {
			p.RecipientName = properName(m[1])
		}
		if p.Question == "" {
			p.Question = strings.TrimSpace(m[2])
		}
	}
	if p.RecipientName == "" {
		if m := callRe.FindStringSubmatch(intent); m != nil {
			p.RecipientName = properName(m[1])
		}
	}
	return p
}

var (
	birthdayRe = regexp.MustCompile(`(?i)wish\s+(\w+)\s+(?:a\s+)?happy\s+birthday`)
	tellRe     = regexp.MustCompile(`(?i)tell\s+(\w+)\s+(?:that\s+)?(.+)`)
	askRe      = regexp.MustCompile(`(?i)ask\s+(\w+)\s+(?:if\s+|whether\s+)?(.+)`)
	callRe     = regexp.MustCompile(`(?i)call\s+(\w+)`)
)

func properName(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// RewordQuestion replaces intrusive phrasings with a safer equivalent before
// the agent speaks them to a stranger. Unrecognized questions pass through
// verbatim; nothing is ever invented.
func RewordQuestion(q string) string {
	norm := strings.ToLower(q)
	for _, r := range questionRewordings {
		if strings.Contains(norm, r.contains) {
			return r.reworded
		}
	}
	return q
}

var questionRewordings = []struct {
	contains string
	reworded string
}{
	{"time will you be home", "what time works best to reach you"},
	{"when will you be home", "what time works best to reach you"},
	{"when are you home", "what time works best to reach you"},
	{"where are you", "when would be a good time to talk"},
	{"are you alone", "is now a good time to talk"},
}

// ExtractTimeExpression pulls an explicit clock time or a coarse day-part from
// an utterance, for the confirm state's echo. Returns "" when nothing matches.
func ExtractTimeExpression(norm string) string {
	if m := clockRe.FindString(norm); m != "" {
		return strings.Join(strings.Fields(m), " ")
	}
	for _, part := range dayParts {
		if strings.Contains(norm, part) {
			return part
		}
	}
	return ""
}

var clockRe = regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s*(am|pm|oclock)\b|\b\d{1,2}:\d{2}\b`)

var dayParts = []string{"morning", "afternoon", "evening", "tonight", "noon", "midnight"}
