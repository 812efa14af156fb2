package telephony

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callline-platform/internal/calls"
	"callline-platform/internal/dialogue"
)

type recordingController struct {
	mu     sync.Mutex
	spoken []string
}

func (r *recordingController) Name() string                         { return "recording" }
func (r *recordingController) HealthCheck(context.Context) error    { return nil }
func (r *recordingController) Hangup(context.Context, string) error { return nil }

func (r *recordingController) PlaceCall(context.Context, PlaceCallRequest) (PlaceCallResult, error) {
	return PlaceCallResult{ProviderCallID: "CAfake"}, nil
}

func (r *recordingController) Speak(_ context.Context, _ string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spoken = append(r.spoken, text)
	return nil
}

func (r *recordingController) spokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spoken)
}

func webhookFixture(t *testing.T) (*calls.MemoryStore, *recordingController, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := calls.NewMemoryStore()
	ctrl := &recordingController{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &WebhookHandler{
		Store: store,
		Turns: dialogue.NewTurnService(store, ctrl, log),
		Now:   func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	r := gin.New()
	r.POST("/webhooks/twilio/voice/status", h.HandleStatus)
	r.POST("/webhooks/twilio/voice/transcription", h.HandleTranscription)
	return store, ctrl, r
}

func postWebhook(r *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seedCall(t *testing.T, store *calls.MemoryStore, status calls.Status) {
	t.Helper()
	err := store.Create(context.Background(), calls.CallSession{
		ID:     "call-1",
		Status: status,
		Purpose: calls.Purpose{
			CallerName:    "David",
			RecipientName: "Sarah",
			Message:       "wish you a happy birthday",
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStatusWebhookAnswered(t *testing.T) {
	store, ctrl, r := webhookFixture(t)
	seedCall(t, store, calls.StatusRinging)

	w := postWebhook(r, "/webhooks/twilio/voice/status?call_id=call-1", url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"in-progress"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	s, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != calls.StatusAnswered {
		t.Fatalf("session status = %q, want answered", s.Status)
	}
	if s.StartedAt == nil {
		t.Fatal("StartedAt not stamped on answered")
	}
	if s.ProviderCallID != "CA123" {
		t.Fatalf("provider call id = %q, want CA123", s.ProviderCallID)
	}

	// The opening turn is spoken from a detached goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.spokenCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("opening turn never spoken")
		}
		time.Sleep(5 * time.Millisecond)
	}
	turns, _ := store.ListTurns(context.Background(), "call-1")
	if len(turns) == 0 || turns[0].Speaker != calls.SpeakerAgent {
		t.Fatalf("turns = %+v, want agent opening first", turns)
	}
}

func TestStatusWebhookStaleIsDropped(t *testing.T) {
	store, _, r := webhookFixture(t)
	seedCall(t, store, calls.StatusAnswered)

	w := postWebhook(r, "/webhooks/twilio/voice/status?call_id=call-1", url.Values{
		"CallStatus": {"ringing"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("stale webhook status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "stale") {
		t.Fatalf("body = %s, want stale marker", w.Body.String())
	}

	s, _ := store.Get(context.Background(), "call-1")
	if s.Status != calls.StatusAnswered {
		t.Fatalf("status regressed to %q", s.Status)
	}
}

func TestStatusWebhookEnded(t *testing.T) {
	store, _, r := webhookFixture(t)
	seedCall(t, store, calls.StatusAnswered)

	w := postWebhook(r, "/webhooks/twilio/voice/status?call_id=call-1", url.Values{
		"CallStatus": {"completed"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	s, _ := store.Get(context.Background(), "call-1")
	if s.Status != calls.StatusEnded || s.EndedAt == nil {
		t.Fatalf("session = status %q ended_at %v, want ended+stamped", s.Status, s.EndedAt)
	}
	if _, ok := s.PipelineCheckpoints[calls.CheckpointCallEnded]; !ok {
		t.Fatal("call_ended checkpoint missing")
	}
}

func TestStatusWebhookValidation(t *testing.T) {
	store, _, r := webhookFixture(t)
	seedCall(t, store, calls.StatusPending)

	w := postWebhook(r, "/webhooks/twilio/voice/status", url.Values{"CallStatus": {"ringing"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing call_id status = %d, want 400", w.Code)
	}

	w = postWebhook(r, "/webhooks/twilio/voice/status?call_id=nope", url.Values{"CallStatus": {"ringing"}})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown call status = %d, want 404", w.Code)
	}

	w = postWebhook(r, "/webhooks/twilio/voice/status?call_id=call-1", url.Values{"CallStatus": {"mystery"}})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ignored") {
		t.Fatalf("unknown provider status = %d %s, want ignored", w.Code, w.Body.String())
	}
}

func TestTranscriptionWebhookDrivesTurn(t *testing.T) {
	store, ctrl, r := webhookFixture(t)
	seedCall(t, store, calls.StatusAnswered)

	w := postWebhook(r, "/webhooks/twilio/voice/transcription?call_id=call-1", url.Values{
		"SpeechResult": {"yes this is sarah"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ctrl.spokenCount() != 1 {
		t.Fatalf("spoken %d utterances, want 1", ctrl.spokenCount())
	}
	turns, _ := store.ListTurns(context.Background(), "call-1")
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want human + agent", len(turns))
	}
}

func TestTranscriptionWebhookEmptyFinalIsSilentTurn(t *testing.T) {
	store, ctrl, r := webhookFixture(t)
	seedCall(t, store, calls.StatusAnswered)

	// Gather timed out on a silent callee: final callback, no text.
	w := postWebhook(r, "/webhooks/twilio/voice/transcription?call_id=call-1", url.Values{
		"CallSid": {"CA123"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	s, _ := store.Get(context.Background(), "call-1")
	if s.RepromptCount != 1 {
		t.Fatalf("reprompt count = %d, want 1", s.RepromptCount)
	}
	if s.SilenceStartedAt == nil {
		t.Fatal("silence timer not started")
	}
	if ctrl.spokenCount() != 1 {
		t.Fatalf("spoken %d utterances, want one reprompt", ctrl.spokenCount())
	}
}

func TestTranscriptionWebhookIgnoresPartials(t *testing.T) {
	store, ctrl, r := webhookFixture(t)
	seedCall(t, store, calls.StatusAnswered)

	w := postWebhook(r, "/webhooks/twilio/voice/transcription?call_id=call-1", url.Values{
		"SpeechResult":        {"yes this"},
		"TranscriptionStatus": {"in-progress"},
	})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ignored") {
		t.Fatalf("partial = %d %s, want ignored", w.Code, w.Body.String())
	}
	if ctrl.spokenCount() != 0 {
		t.Fatal("partial transcript triggered a turn")
	}
}
