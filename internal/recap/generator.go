package recap

import (
	"context"
	"errors"
)

// ErrPermanent marks a recap failure with no retry path: the generator has
// decided this call can never produce a recap (no transcript, no salvageable
// data). Everything else is treated as transient.
var ErrPermanent = errors.New("recap: permanently unavailable for this call")

// Recap is the structured post-call summary.
type Recap struct {
	CallID     string   `json:"call_id"`
	Outcome    string   `json:"outcome"`
	Takeaways  []string `json:"takeaways,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Generator is the external recap job. Generate starts (or restarts) recap
// production for an ended call; completion is written to the call record
// store by the generator's worker and observed there, so a nil error only
// means the request was accepted.
//
// A synchronous error is either ErrPermanent (wrapped) or transient.
type Generator interface {
	Generate(ctx context.Context, callID string, isRetry bool) error
}
