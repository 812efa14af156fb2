package telephony

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"callline-platform/internal/calls"
	"callline-platform/internal/dialogue"
	"callline-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WebhookHandler applies Twilio voice webhooks to the call record store and
// feeds final transcripts into the dialogue turn service.
//
// Status writes go through the store's forward-only guard, so late or
// re-delivered callbacks can never regress a session. Delivery here is
// at-least-once but not exactly-once; the consistency engine reconciles
// whatever this handler misses.
type WebhookHandler struct {
	Store calls.Store
	Turns *dialogue.TurnService

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (h *WebhookHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// HandleStatus processes a call progress callback.
func (h *WebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioStatus(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook"})
		return
	}
	if form.InternalCallID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing call_id"})
		return
	}
	status, ok := form.SessionStatus()
	if !ok {
		log.Warn("unknown provider call status", "call_status", form.CallStatus, "call_id", form.InternalCallID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	now := h.now()
	patch := calls.Patch{Status: &status}
	if form.CallSid != "" {
		patch.ProviderCallID = &form.CallSid
	}
	switch status {
	case calls.StatusAnswered:
		patch.StartedAt = &now
	case calls.StatusEnded:
		patch.EndedAt = &now
	}

	updated, err := h.Store.Update(c.Request.Context(), form.InternalCallID, patch)
	if err != nil {
		h.writeStatusError(c, log, form, status, err)
		return
	}
	if status == calls.StatusEnded {
		_ = h.Store.SetCheckpoint(c.Request.Context(), form.InternalCallID, calls.CheckpointCallEnded, now)
	}

	// The answered transition starts the conversation: the agent speaks the
	// opening turn.
	if status == calls.StatusAnswered && updated.Status == calls.StatusAnswered {
		go h.openingTurn(log, form.InternalCallID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *WebhookHandler) writeStatusError(c *gin.Context, log *slog.Logger, form TwilioStatusForm, status calls.Status, err error) {
	switch err {
	case calls.ErrStaleStatus:
		// Late delivery; the session already moved past this. Drop it.
		log.Info("ignoring stale status webhook", "call_id", form.InternalCallID, "status", status)
		c.JSON(http.StatusOK, gin.H{"status": "stale"})
	case calls.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown call"})
	default:
		log.Error("status webhook write failed", "call_id", form.InternalCallID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store write failed"})
	}
}

func (h *WebhookHandler) openingTurn(log *slog.Logger, callID string) {
	// Detached from the webhook request: Twilio's timeout must not bound
	// the first utterance.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := h.Turns.HandleTurn(ctx, callID, dialogue.TurnInput{IsOpeningTurn: true}); err != nil {
		log.Error("opening turn failed", "call_id", callID, "err", err)
	}
}

// HandleTranscription processes a speech-to-text callback. Only final
// transcripts drive a dialogue turn.
func (h *WebhookHandler) HandleTranscription(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioTranscription(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook"})
		return
	}
	if form.InternalCallID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing call_id"})
		return
	}
	if !form.IsFinal {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	// A final result with no text is the provider's gather timing out on a
	// silent callee; it drives the reprompt budget as a silent turn.
	d, err := h.Turns.HandleTurn(c.Request.Context(), form.InternalCallID, dialogue.TurnInput{
		TranscriptText: form.TranscriptText,
	})
	if err != nil {
		log.Warn("transcript turn failed", "call_id", form.InternalCallID, "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "dropped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": d.State, "end_call": d.EndCall})
}
