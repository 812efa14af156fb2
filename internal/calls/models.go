package calls

import "time"

// CallSession is the durable record of one phone call: provider-reported
// status, dialogue bookkeeping, and the post-call recap lifecycle.
//
// The row is the single source of truth. Webhook handlers, the dialogue turn
// service and the consistency engine all write to it through narrow,
// field-scoped patches (see Patch), never whole-record overwrites.
//
// NOTE: Provider-specific identifiers (like a Twilio CallSid) live in
// ProviderCallID; the core model stays provider-agnostic.

type CallSession struct {
	ID        string    `json:"id" db:"id"`
	Direction Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Status Status `json:"status" db:"status"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	// EndedAt is set exactly once, when Status becomes ended.
	EndedAt *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	ClosingState ClosingState `json:"closing_state" db:"closing_state"`

	// Purpose is parsed once when the call is placed and never changes.
	Purpose Purpose `json:"purpose" db:"purpose"`

	RecapStatus        RecapStatus `json:"recap_status,omitempty" db:"recap_status"`
	RecapAttemptCount  int         `json:"recap_attempt_count" db:"recap_attempt_count"`
	RecapErrorCode     string      `json:"recap_error_code,omitempty" db:"recap_error_code"`
	RecapLastAttemptAt *time.Time  `json:"recap_last_attempt_at,omitempty" db:"recap_last_attempt_at"`

	LastActivityAt   *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`
	SilenceStartedAt *time.Time `json:"silence_started_at,omitempty" db:"silence_started_at"`
	RepromptCount    int        `json:"reprompt_count" db:"reprompt_count"`

	// PipelineCheckpoints maps a named milestone (first_tts_started,
	// first_asr_final, call_ended, ...) to the time it was first reached.
	// Write-once per key, diagnostic only: control logic never reads it.
	PipelineCheckpoints map[string]time.Time `json:"pipeline_checkpoints,omitempty" db:"pipeline_checkpoints"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Status is forward-only in the order pending < ringing < answered < ended.
// The only permitted skip is pending -> ended (call never answered).
type Status string

const (
	StatusPending  Status = "pending"
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusEnded    Status = "ended"
)

func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusRinging:
		return 1
	case StatusAnswered:
		return 2
	case StatusEnded:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from -> to respects the forward-only
// ordering. Equal statuses are allowed (idempotent webhook redelivery).
func CanTransition(from, to Status) bool {
	fr, tr := statusRank(from), statusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr >= fr
}

// ClosingState records agent intent to end the call, distinct from the
// provider-confirmed termination carried by Status.
type ClosingState string

const (
	ClosingStateActive ClosingState = "active"
	// ClosingStateSaid is set the instant the dialogue machine decides to
	// end the call, before the provider actually hangs up.
	ClosingStateSaid ClosingState = "closing_said"
)

// RecapStatus is empty until a recap has been requested for the call.
type RecapStatus string

const (
	RecapPending         RecapStatus = "recap_pending"
	RecapReady           RecapStatus = "recap_ready"
	RecapFailedTransient RecapStatus = "recap_failed_transient"
	RecapFailedPermanent RecapStatus = "recap_failed_permanent"
)

// Terminal reports whether the recap lifecycle is finished for this status.
// recap_failed_transient is not terminal: the user may retry.
func (s RecapStatus) Terminal() bool {
	return s == RecapReady || s == RecapFailedPermanent
}

// Ended reports provider-confirmed termination.
func (c CallSession) Ended() bool {
	return c.Status == StatusEnded || c.EndedAt != nil
}

// Resolved reports that the session is logically immutable: the call ended
// and the recap reached a terminal state.
func (c CallSession) Resolved() bool {
	return c.Ended() && c.RecapStatus.Terminal()
}

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerHuman Speaker = "human"
)

// ConversationTurn is one utterance on the call. The timestamp-ordered
// sequence of turns is the dialogue machine's only input besides the purpose.
type ConversationTurn struct {
	CallID    string    `json:"call_id" db:"call_id"`
	Speaker   Speaker   `json:"speaker" db:"speaker"`
	Text      string    `json:"text" db:"text"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Purpose is what the user asked the agent to accomplish, parsed once from
// the free-text intent. Immutable for the life of the call.
type Purpose struct {
	CallerName    string `json:"caller_name"`
	RecipientName string `json:"recipient_name"`
	Message       string `json:"message,omitempty"`
	Question      string `json:"question,omitempty"`
}

// Well-known pipeline checkpoint keys.
const (
	CheckpointCallPlaced      = "call_placed"
	CheckpointFirstTTSStarted = "first_tts_started"
	CheckpointFirstASRFinal   = "first_asr_final"
	CheckpointClosingSaid     = "closing_said"
	CheckpointCallEnded       = "call_ended"
	CheckpointRecapRequested  = "recap_requested"
)
