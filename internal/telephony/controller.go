package telephony

import (
	"context"
)

// Controller is the provider-agnostic call-control surface used by business
// logic.
//
// Rules:
// - No provider SDK or HTTP calls outside telephony adapters.
// - Speak is fire-and-forget: the provider owns audio delivery.
// - Hangup is issued only by the provider-facing layer once end-of-call
//   semantics are confirmed; the dialogue machine records intent instead.
type Controller interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// PlaceCall starts an outbound call and returns the provider's call id.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)

	// Speak asks the provider to say text on the live call.
	Speak(ctx context.Context, callID, text string) error

	Hangup(ctx context.Context, callID string) error
}

// PlaceCallRequest carries everything the provider needs to originate a call.
type PlaceCallRequest struct {
	// CallID is our internal call session id; the provider passes it back
	// on every webhook so events can be correlated.
	CallID string `json:"call_id"`

	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`

	// StatusCallbackURL receives call progress webhooks.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`
}

type PlaceCallResult struct {
	// ProviderCallID is the provider's unique identifier for this call.
	ProviderCallID string `json:"provider_call_id"`
}
