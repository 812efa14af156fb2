package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callline-platform/internal/calls"
)

// Speaker is the consumer-side slice of the telephony controller the turn
// service actually uses; telephony's controllers satisfy it.
type Speaker interface {
	Speak(ctx context.Context, callID, text string) error
}

// MaxReprompts is how many "please repeat" turns are allowed before the agent
// gives up on a silent line. The third consecutive silent turn force-exits.
const MaxReprompts = 2

// TurnService drives the dialogue machine against the call record store and
// the call controller. Turns for one call are strictly sequential: a per-call
// lock serializes them, so the machine always sees the transcript that
// includes its own previous utterance.
//
// The service records end-call intent (closing_state) but never hangs up; the
// provider confirms termination on its own and reports it via webhook.
type TurnService struct {
	store calls.Store
	ctrl  Speaker
	log   *slog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	// SilenceTimeout arms a watchdog after each agent utterance: if no
	// callee speech arrives for this long, a silent turn is injected,
	// consuming the reprompt budget. Zero disables the watchdog and leaves
	// silence detection to empty provider transcription callbacks.
	SilenceTimeout time.Duration

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	timers map[string]*time.Timer
	seq    map[string]int
}

func NewTurnService(store calls.Store, ctrl Speaker, log *slog.Logger) *TurnService {
	return &TurnService{
		store:  store,
		ctrl:   ctrl,
		log:    log,
		Now:    time.Now,
		locks:  map[string]*sync.Mutex{},
		timers: map[string]*time.Timer{},
		seq:    map[string]int{},
	}
}

// HandleTurn processes one dialogue trigger for a call: new final transcript
// text, the opening turn, or a silence timeout (empty transcript). It returns
// the decision that was spoken.
func (s *TurnService) HandleTurn(ctx context.Context, callID string, in TurnInput) (Decision, error) {
	lock := s.callLock(callID)
	lock.Lock()
	defer lock.Unlock()
	s.disarmSilence(callID)
	return s.handleTurnLocked(ctx, callID, in)
}

// handleTurnLocked is the turn body; callers hold the per-call lock.
func (s *TurnService) handleTurnLocked(ctx context.Context, callID string, in TurnInput) (Decision, error) {
	session, err := s.store.Get(ctx, callID)
	if err != nil {
		return Decision{}, fmt.Errorf("dialogue: load session: %w", err)
	}
	if session.Ended() || session.ClosingState == calls.ClosingStateSaid {
		return Decision{}, fmt.Errorf("dialogue: call %s is no longer active", callID)
	}

	now := s.Now()
	log := s.log.With("call_id", callID)

	if in.TranscriptText != "" {
		if err := s.onSpeech(ctx, &session, in.TranscriptText, now); err != nil {
			return Decision{}, err
		}
	} else if !in.IsOpeningTurn {
		forced, err := s.onSilence(ctx, &session, &in, now)
		if err != nil {
			return Decision{}, err
		}
		if forced {
			log.Info("silence budget exhausted, forcing exit", "reprompt_count", session.RepromptCount)
			return s.speakDecision(ctx, session, ForcedExit(), now)
		}
	}

	history, err := s.store.ListTurns(ctx, callID)
	if err != nil {
		return Decision{}, fmt.Errorf("dialogue: load turns: %w", err)
	}

	d := Decide(history, session.Purpose, in)
	log.Debug("turn decided", "state", d.State, "end_call", d.EndCall, "reprompt", in.IsReprompt)
	return s.speakDecision(ctx, session, d, now)
}

// onSpeech records the human turn and resets the silence budget.
func (s *TurnService) onSpeech(ctx context.Context, session *calls.CallSession, text string, now time.Time) error {
	if err := s.store.AppendTurn(ctx, calls.ConversationTurn{
		CallID:    session.ID,
		Speaker:   calls.SpeakerHuman,
		Text:      text,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("dialogue: append human turn: %w", err)
	}
	zero := 0
	if _, err := s.store.Update(ctx, session.ID, calls.Patch{
		RepromptCount:         &zero,
		ClearSilenceStartedAt: true,
		LastActivityAt:        &now,
	}); err != nil {
		return fmt.Errorf("dialogue: reset silence state: %w", err)
	}
	session.RepromptCount = 0
	session.SilenceStartedAt = nil
	_ = s.store.SetCheckpoint(ctx, session.ID, calls.CheckpointFirstASRFinal, now)
	return nil
}

// onSilence bumps the reprompt counter. Counts 0 and 1 produce a reprompt
// turn; at MaxReprompts the caller force-exits instead.
func (s *TurnService) onSilence(ctx context.Context, session *calls.CallSession, in *TurnInput, now time.Time) (forced bool, err error) {
	if session.RepromptCount >= MaxReprompts {
		return true, nil
	}
	next := session.RepromptCount + 1
	patch := calls.Patch{RepromptCount: &next}
	if session.SilenceStartedAt == nil {
		patch.SilenceStartedAt = &now
	}
	if _, err := s.store.Update(ctx, session.ID, patch); err != nil {
		return false, fmt.Errorf("dialogue: bump reprompt count: %w", err)
	}
	session.RepromptCount = next
	in.IsReprompt = true
	return false, nil
}

// speakDecision appends the agent turn, records closing intent when the
// machine decided to end, and hands the utterance to the provider.
func (s *TurnService) speakDecision(ctx context.Context, session calls.CallSession, d Decision, now time.Time) (Decision, error) {
	if err := s.store.AppendTurn(ctx, calls.ConversationTurn{
		CallID:    session.ID,
		Speaker:   calls.SpeakerAgent,
		Text:      d.Utterance,
		Timestamp: now,
	}); err != nil {
		return Decision{}, fmt.Errorf("dialogue: append agent turn: %w", err)
	}
	_ = s.store.SetCheckpoint(ctx, session.ID, calls.CheckpointFirstTTSStarted, now)

	if d.EndCall {
		closing := calls.ClosingStateSaid
		if _, err := s.store.Update(ctx, session.ID, calls.Patch{ClosingState: &closing}); err != nil {
			return Decision{}, fmt.Errorf("dialogue: record closing intent: %w", err)
		}
		_ = s.store.SetCheckpoint(ctx, session.ID, calls.CheckpointClosingSaid, now)
	}

	// Fire-and-forget: the provider owns delivery. A failed speak is logged
	// and the call carries on; the silence path will recover the turn.
	if err := s.ctrl.Speak(ctx, session.ID, d.Utterance); err != nil {
		s.log.Warn("speak failed", "call_id", session.ID, "err", err)
	}
	if !d.EndCall {
		s.armSilence(session.ID)
	}
	return d, nil
}

// armSilence (re)starts the silence watchdog for a call. The sequence number
// invalidates a timer that was replaced or disarmed after firing but before
// taking the call lock.
func (s *TurnService) armSilence(callID string) {
	if s.SilenceTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
	}
	s.seq[callID]++
	seq := s.seq[callID]
	s.timers[callID] = time.AfterFunc(s.SilenceTimeout, func() {
		lock := s.callLock(callID)
		lock.Lock()
		defer lock.Unlock()

		// Re-check under the call lock: a speech turn that beat us to the
		// lock has already disarmed this timer.
		s.mu.Lock()
		live := s.seq[callID] == seq
		s.mu.Unlock()
		if !live {
			return
		}
		s.disarmSilence(callID)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.handleTurnLocked(ctx, callID, TurnInput{}); err != nil {
			s.log.Debug("silence turn not taken", "call_id", callID, "err", err)
		}
	})
}

func (s *TurnService) disarmSilence(callID string) {
	if s.SilenceTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[callID]++
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

func (s *TurnService) callLock(callID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[callID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[callID] = l
	return l
}
