package dialogue

import (
	"fmt"
	"strings"

	"callline-platform/internal/calls"
)

// State names the dialogue machine's position in the call. The state is not
// stored: it is re-derived each turn from the transcript so a restarted
// process resumes mid-call without extra bookkeeping.
type State string

const (
	StateGreeting       State = "greeting"
	StateIdentify       State = "identify"
	StateDeliverMessage State = "deliver_message"
	StateAskQuestion    State = "ask_question"
	StateConfirm        State = "confirm"
	StateClosing        State = "closing"
	StateChallenged     State = "challenged"
)

// TurnInput is one dialogue trigger: a final transcript, the opening turn, or
// a silence reprompt.
type TurnInput struct {
	TranscriptText string
	IsOpeningTurn  bool
	IsReprompt     bool
}

// Decision is the machine's entire output for one turn: exactly one short
// utterance, whether the call should end, and the state it spoke from.
type Decision struct {
	Utterance string `json:"utterance"`
	EndCall   bool   `json:"end_call"`
	State     State  `json:"state"`
}

const (
	repromptUtterance    = "I'm sorry, I didn't catch that. Could you say that again?"
	forcedExitUtterance  = "I'm sorry, I'm having trouble hearing you. I'll try again another time. Goodbye!"
	challengedUtterance  = "I'm sorry to have bothered you. I'll let you go now. Have a great day!"
	wrongNumberUtterance = "I'm sorry, I must have the wrong number. Sorry to bother you. Goodbye!"
	closingUtterance     = "Thanks so much! Take care, bye!"
)

// Decide is a pure function of the conversation so far, the call purpose and
// the turn trigger. No hidden state: identical inputs always produce the
// identical decision.
//
// Challenge and farewell detection win over everything else; the machine
// never argues with a suspicious callee.
func Decide(history []calls.ConversationTurn, purpose calls.Purpose, in TurnInput) Decision {
	if in.IsReprompt {
		return Decision{Utterance: repromptUtterance, EndCall: false, State: progressState(history, purpose)}
	}

	human := normalize(in.TranscriptText)
	if human == "" {
		human = lastHumanText(history)
	}

	if human != "" && !in.IsOpeningTurn {
		if isChallenge(human) {
			return Decision{Utterance: challengedUtterance, EndCall: true, State: StateChallenged}
		}
		if isFarewell(human) {
			return Decision{Utterance: closingUtterance, EndCall: true, State: StateClosing}
		}
		if greetingAsked(history) && !identityGiven(history) && isDenial(human) {
			return Decision{Utterance: wrongNumberUtterance, EndCall: true, State: StateClosing}
		}
	}

	state := progressState(history, purpose)
	switch state {
	case StateGreeting:
		return Decision{Utterance: greetingUtterance(purpose), State: StateGreeting}
	case StateIdentify:
		return Decision{Utterance: identifyUtterance(purpose), State: StateIdentify}
	case StateDeliverMessage:
		return Decision{Utterance: deliverUtterance(purpose), State: StateDeliverMessage}
	case StateAskQuestion:
		return Decision{Utterance: askUtterance(purpose), State: StateAskQuestion}
	case StateConfirm:
		return Decision{Utterance: confirmUtterance(human), State: StateConfirm}
	default:
		return Decision{Utterance: closingUtterance, EndCall: true, State: StateClosing}
	}
}

// ForcedExit is the decision for the third consecutive silent turn.
func ForcedExit() Decision {
	return Decision{Utterance: forcedExitUtterance, EndCall: true, State: StateClosing}
}

// progressState walks the fixed progression using textual evidence of what
// the agent has already said. States with no purpose component are skipped;
// once everything applicable has been said, the call closes.
func progressState(history []calls.ConversationTurn, p calls.Purpose) State {
	switch {
	case !greetingAsked(history):
		return StateGreeting
	case !identityGiven(history):
		return StateIdentify
	case p.Message != "" && !agentSaid(history, p.Message):
		return StateDeliverMessage
	case p.Question != "" && !agentSaid(history, RewordQuestion(p.Question)):
		return StateAskQuestion
	case p.Question != "" && !agentSaid(history, "got it"):
		return StateConfirm
	default:
		return StateClosing
	}
}

func greetingAsked(history []calls.ConversationTurn) bool {
	return agentSaid(history, "is this")
}

func identityGiven(history []calls.ConversationTurn) bool {
	return agentSaid(history, "assistant") || agentSaid(history, "calling on behalf")
}

func agentSaid(history []calls.ConversationTurn, phrase string) bool {
	phrase = strings.ToLower(phrase)
	for _, t := range history {
		if t.Speaker == calls.SpeakerAgent && strings.Contains(strings.ToLower(t.Text), phrase) {
			return true
		}
	}
	return false
}

func lastHumanText(history []calls.ConversationTurn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Speaker == calls.SpeakerHuman {
			return normalize(history[i].Text)
		}
	}
	return ""
}

func greetingUtterance(p calls.Purpose) string {
	if p.RecipientName == "" {
		return "Hi, is this the right number to reach you with a quick message?"
	}
	return fmt.Sprintf("Hi, is this %s?", p.RecipientName)
}

func identifyUtterance(p calls.Purpose) string {
	who := "an assistant"
	if p.CallerName != "" {
		who = p.CallerName + "'s assistant"
	}
	what := "a quick message"
	if p.Message == "" && p.Question != "" {
		what = "a quick question"
	}
	return fmt.Sprintf("Hi! This is %s calling with %s. Is now a good time?", who, what)
}

func deliverUtterance(p calls.Purpose) string {
	if p.CallerName == "" {
		return fmt.Sprintf("I was asked to %s!", p.Message)
	}
	return fmt.Sprintf("%s wanted to %s!", p.CallerName, p.Message)
}

func askUtterance(p calls.Purpose) string {
	q := strings.TrimSuffix(RewordQuestion(p.Question), "?")
	if p.CallerName == "" {
		return fmt.Sprintf("One quick question: %s?", q)
	}
	return fmt.Sprintf("%s also wanted to ask: %s?", p.CallerName, q)
}

func confirmUtterance(lastHuman string) string {
	if expr := ExtractTimeExpression(lastHuman); expr != "" {
		return fmt.Sprintf("Got it, %s. Thank you!", expr)
	}
	return "Got it, thank you!"
}

var challengePhrases = []string{
	"who is this",
	"who are you",
	"why are you calling",
	"is this a scam",
	"is this a robot",
	"are you a robot",
	"how did you get this number",
	"stop calling",
}

func isChallenge(norm string) bool {
	for _, p := range challengePhrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

var farewellPhrases = []string{
	"goodbye",
	"see you",
	"take care",
	"talk to you later",
	"gotta go",
	"have to go",
}

func isFarewell(norm string) bool {
	// "bye" needs a word boundary: "maybe" is not a farewell.
	if hasWord(norm, "bye") {
		return true
	}
	for _, p := range farewellPhrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

func isDenial(norm string) bool {
	if strings.Contains(norm, "wrong number") || strings.Contains(norm, "nobody by that name") {
		return true
	}
	words := strings.Fields(norm)
	return len(words) > 0 && (words[0] == "no" || words[0] == "nope")
}

// normalize lowercases and strips punctuation so phrase matching is not
// defeated by "Bye!" vs "bye".
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == ':':
			b.WriteRune(r)
		case r == '\t', r == '\n':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func hasWord(norm, word string) bool {
	for _, w := range strings.Fields(norm) {
		if w == word {
			return true
		}
	}
	return false
}
