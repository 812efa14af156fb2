package telephony

import (
	"net/http"
	"strings"

	"callline-platform/internal/calls"
)

// TwilioStatusForm captures the subset of voice status-callback fields we
// care about. Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
//
// Provider-adapter-only: no status-transition decisions are made here.

type TwilioStatusForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	CallStatus string
	Direction  string
	Duration   string

	// InternalCallID is our session id, round-tripped via the callback URL.
	InternalCallID string
}

func ParseTwilioStatus(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	return TwilioStatusForm{
		CallSid:        r.PostFormValue("CallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		From:           strings.TrimSpace(r.PostFormValue("From")),
		To:             strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:     r.PostFormValue("CallStatus"),
		Direction:      r.PostFormValue("Direction"),
		Duration:       r.PostFormValue("CallDuration"),
		InternalCallID: r.URL.Query().Get("call_id"),
	}, nil
}

// SessionStatus maps Twilio's CallStatus vocabulary onto the session's
// forward-only enum. Terminal provider statuses (completed, busy, no-answer,
// failed, canceled) all collapse to ended.
func (f TwilioStatusForm) SessionStatus() (calls.Status, bool) {
	switch f.CallStatus {
	case "queued", "initiated":
		return calls.StatusPending, true
	case "ringing":
		return calls.StatusRinging, true
	case "in-progress", "answered":
		return calls.StatusAnswered, true
	case "completed", "busy", "no-answer", "failed", "canceled":
		return calls.StatusEnded, true
	default:
		return "", false
	}
}

// TwilioTranscriptionForm captures a final speech-to-text result callback.
type TwilioTranscriptionForm struct {
	CallSid        string
	TranscriptText string
	IsFinal        bool

	InternalCallID string
}

func ParseTwilioTranscription(r *http.Request) (TwilioTranscriptionForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioTranscriptionForm{}, err
	}
	text := r.PostFormValue("TranscriptionText")
	if text == "" {
		text = r.PostFormValue("SpeechResult")
	}
	return TwilioTranscriptionForm{
		CallSid:        r.PostFormValue("CallSid"),
		TranscriptText: strings.TrimSpace(text),
		IsFinal:        r.PostFormValue("TranscriptionStatus") != "in-progress",
		InternalCallID: r.URL.Query().Get("call_id"),
	}, nil
}
