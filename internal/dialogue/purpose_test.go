package dialogue

import (
	"testing"
)

func TestParsePurposeBirthday(t *testing.T) {
	p := ParsePurpose("wish Sarah happy birthday", map[string]string{"caller_name": "David"})
	if p.RecipientName != "Sarah" {
		t.Fatalf("recipient: %q", p.RecipientName)
	}
	if p.CallerName != "David" {
		t.Fatalf("caller: %q", p.CallerName)
	}
	if p.Message != "wish you a happy birthday" {
		t.Fatalf("message: %q", p.Message)
	}
	if p.Question != "" {
		t.Fatalf("unexpected question: %q", p.Question)
	}
}

func TestParsePurposeTell(t *testing.T) {
	p := ParsePurpose("tell mike that dinner moved to 8", nil)
	if p.RecipientName != "Mike" {
		t.Fatalf("recipient: %q", p.RecipientName)
	}
	if p.Message != "let you know that dinner moved to 8" {
		t.Fatalf("message: %q", p.Message)
	}
}

func TestParsePurposeAsk(t *testing.T) {
	p := ParsePurpose("ask Sarah what time will you be home", nil)
	if p.RecipientName != "Sarah" {
		t.Fatalf("recipient: %q", p.RecipientName)
	}
	if p.Question != "what time will you be home" {
		t.Fatalf("question: %q", p.Question)
	}
}

func TestParsePurposeInfoWins(t *testing.T) {
	p := ParsePurpose("wish sarah happy birthday", map[string]string{
		"recipient_name": "Dr. Chen",
		"message":        "congratulate you on the new clinic",
	})
	if p.RecipientName != "Dr. Chen" {
		t.Fatalf("gathered info must win over extraction: %q", p.RecipientName)
	}
	if p.Message != "congratulate you on the new clinic" {
		t.Fatalf("message: %q", p.Message)
	}
}

func TestParsePurposeUnparseableIsUsable(t *testing.T) {
	p := ParsePurpose("??? gibberish with no structure", nil)
	if p.RecipientName != "" || p.Message != "" || p.Question != "" {
		t.Fatalf("expected empty purpose, got %+v", p)
	}
	// The machine must still produce a greeting from it.
	d := Decide(nil, p, TurnInput{IsOpeningTurn: true})
	if d.Utterance == "" || d.EndCall {
		t.Fatalf("empty purpose must not break the opening turn: %+v", d)
	}
}

func TestRewordQuestion(t *testing.T) {
	cases := []struct{ in, want string }{
		{"what time will you be home", "what time works best to reach you"},
		{"When will you be home tonight?", "what time works best to reach you"},
		{"where are you right now", "when would be a good time to talk"},
		{"did the package arrive", "did the package arrive"}, // harmless, untouched
	}
	for _, c := range cases {
		if got := RewordQuestion(c.in); got != c.want {
			t.Fatalf("RewordQuestion(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExtractTimeExpression(t *testing.T) {
	cases := []struct{ in, want string }{
		{"probably around 6pm", "6pm"},
		{"maybe 6:30 pm", "6:30 pm"},
		{"ill be back at 10:15", "10:15"},
		{"sometime in the evening", "evening"},
		{"early in the morning", "morning"},
		{"hard to say", ""},
	}
	for _, c := range cases {
		if got := ExtractTimeExpression(c.in); got != c.want {
			t.Fatalf("ExtractTimeExpression(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
