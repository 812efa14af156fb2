package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callline-platform/internal/calls"
	"callline-platform/internal/recap"
)

var (
	ErrRecapNotRetryable = errors.New("engine: recap is not in a retryable state")
	ErrRecapInFlight     = errors.New("engine: recap request already in flight")
)

// Error codes persisted in recap_error_code. Raw provider messages are kept
// in logs only, never in the session row.
const (
	errCodeTimeout   = "TIMEOUT"
	errCodeGenerator = "GENERATOR_ERROR"
	errCodePermanent = "GENERATOR_PERMANENT"
)

// Config bounds the engine's retry, polling and reconciliation behavior.
// Zero values take the defaults below; deployments tune them via env config.
type Config struct {
	// PollSchedule is the fixed backoff between recap status polls. Past
	// the end of the schedule, PollSteady applies.
	PollSchedule []time.Duration
	PollSteady   time.Duration
	// MaxPollAttempts caps the polls per recap request (~45s total with
	// the default schedule).
	MaxPollAttempts int

	// ReconcileInterval is the staleness-check tick while a call is active.
	ReconcileInterval time.Duration
	// StaleAfter triggers a direct read when no feed event arrived for
	// this long.
	StaleAfter time.Duration
	// AnsweredTooLong triggers a direct read when a call has sat in
	// answered for this long.
	AnsweredTooLong time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if len(out.PollSchedule) == 0 {
		out.PollSchedule = []time.Duration{2 * time.Second, 3 * time.Second, 5 * time.Second, 8 * time.Second, 10 * time.Second}
	}
	if out.PollSteady <= 0 {
		out.PollSteady = 10 * time.Second
	}
	if out.MaxPollAttempts <= 0 {
		out.MaxPollAttempts = 10
	}
	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = 10 * time.Second
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 30 * time.Second
	}
	if out.AnsweredTooLong <= 0 {
		out.AnsweredTooLong = 120 * time.Second
	}
	return out
}

// SessionEngine owns the in-memory view of one call session and keeps it
// from permanently diverging from the store.
//
// It is the single writer-of-intent for its call: the recap single-flight
// guard is a per-call flag under the engine's lock, valid because nothing
// else initiates recaps. Three concerns run while the session is live: the
// change-feed subscription, the recap poll loop (only while recap_pending)
// and the staleness reconciler (only while the call appears active). All of
// them stop together when the session resolves or the engine is closed.
type SessionEngine struct {
	callID  string
	store   calls.Store
	gen     recap.Generator
	log     *slog.Logger
	metrics *Metrics
	cfg     Config

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	mu             sync.Mutex
	local          calls.CallSession
	recapInitiated bool
	genInFlight    bool
	lastEventAt    time.Time
	recapStartedAt time.Time

	pollCancel context.CancelFunc
	pollSeq    int
}

func NewSessionEngine(callID string, store calls.Store, gen recap.Generator, cfg Config, log *slog.Logger, metrics *Metrics) *SessionEngine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &SessionEngine{
		callID:  callID,
		store:   store,
		gen:     gen,
		log:     log.With("call_id", callID),
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		Now:     time.Now,
	}
}

// Snapshot returns the engine's current view of the session. The view may be
// momentarily ahead of the store (optimistic recap_pending) or carry a local
// TIMEOUT failure the store never saw.
func (e *SessionEngine) Snapshot() calls.CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Run drives the engine until the session resolves or ctx is canceled. It
// performs the initial authoritative read, then consumes the change feed with
// the reconciler covering dropped events.
func (e *SessionEngine) Run(ctx context.Context) error {
	s, err := e.store.Get(ctx, e.callID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.local = s
	e.lastEventAt = e.Now()
	e.mu.Unlock()
	e.react(ctx)

	feed, err := e.store.Subscribe(ctx, e.callID)
	if err != nil {
		e.log.Warn("change feed unavailable, reconciliation only", "err", err)
		feed = nil
	}

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	defer e.stopPoll()

	for {
		if e.Snapshot().Resolved() {
			e.log.Info("session resolved, engine stopping")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-feed:
			if !ok {
				// Feed dropped; reconciliation carries the session
				// until resubscribe succeeds.
				feed = nil
				continue
			}
			e.Observe(ctx, ev)
		case <-ticker.C:
			if feed == nil {
				if f, err := e.store.Subscribe(ctx, e.callID); err == nil {
					feed = f
				}
			}
			e.Reconcile(ctx)
		}
	}
}

// Observe applies one change-feed event to the local view.
func (e *SessionEngine) Observe(ctx context.Context, ev calls.ChangeEvent) {
	e.metrics.FeedEvents.Inc()
	e.mu.Lock()
	e.lastEventAt = e.Now()
	if ev.Kind == calls.ChangeSession && ev.Session != nil {
		e.adoptLocked(*ev.Session, "feed")
	}
	e.mu.Unlock()
	e.react(ctx)
}

// adoptLocked merges an incoming full record into the local view. A record
// whose status would regress the forward ordering is dropped: the engine must
// never un-answer an answered call, whatever the feed delivers.
func (e *SessionEngine) adoptLocked(s calls.CallSession, source string) bool {
	if !calls.CanTransition(e.local.Status, s.Status) {
		e.metrics.StaleEventsDropped.Inc()
		e.log.Warn("dropping stale record", "source", source,
			"local_status", e.local.Status, "incoming_status", s.Status)
		return false
	}
	// A feed event that still says recap_pending must not clobber a local
	// TIMEOUT; only a real resolution (or an explicit retry) clears it.
	if source == "feed" &&
		e.local.RecapStatus == calls.RecapFailedTransient &&
		e.local.RecapErrorCode == errCodeTimeout && s.RecapStatus == calls.RecapPending {
		s.RecapStatus = e.local.RecapStatus
		s.RecapErrorCode = e.local.RecapErrorCode
	}
	e.local = s
	return true
}

// react runs the transition-driven side effects: recap initiation on end,
// poll shutdown on resolution.
func (e *SessionEngine) react(ctx context.Context) {
	e.mu.Lock()
	ended := e.local.Ended()
	initiated := e.recapInitiated
	status := e.local.RecapStatus
	started := e.recapStartedAt
	e.mu.Unlock()

	// Initiate only when the recap lifecycle has never started. A non-empty
	// status means some engine already requested it: an engine freshly
	// started for an old call must never restart a resolved (or failed)
	// recap on its own.
	if ended && !initiated && status == "" {
		if err := e.requestRecap(ctx, false); err != nil && !errors.Is(err, ErrRecapInFlight) {
			e.log.Error("recap initiation failed", "err", err)
		}
		return
	}
	if status != calls.RecapPending && status != "" {
		e.stopPoll()
		if status.Terminal() && !started.IsZero() {
			e.metrics.RecapResolveSeconds.Observe(e.Now().Sub(started).Seconds())
			e.mu.Lock()
			e.recapStartedAt = time.Time{}
			e.mu.Unlock()
		}
	}
}

// requestRecap optimistically marks recap_pending, bumps the attempt count
// and invokes the generator. Generator completion is observed via the feed or
// the poll loop, never awaited here.
func (e *SessionEngine) requestRecap(ctx context.Context, isRetry bool) error {
	e.mu.Lock()
	if e.genInFlight || e.local.RecapStatus == calls.RecapPending {
		e.mu.Unlock()
		return ErrRecapInFlight
	}
	// Terminal recap states are immutable; nothing may flip them back to
	// pending.
	if e.local.RecapStatus.Terminal() {
		e.mu.Unlock()
		return ErrRecapNotRetryable
	}
	e.recapInitiated = true
	e.genInFlight = true
	attempt := e.local.RecapAttemptCount + 1
	if e.recapStartedAt.IsZero() {
		e.recapStartedAt = e.Now()
	}
	e.mu.Unlock()

	now := e.Now()
	pending := calls.RecapPending
	noErr := ""
	updated, err := e.store.Update(ctx, e.callID, calls.Patch{
		RecapStatus:        &pending,
		RecapAttemptCount:  &attempt,
		RecapErrorCode:     &noErr,
		RecapLastAttemptAt: &now,
	})
	if err != nil {
		// The optimistic write never landed; release the guard so the
		// next observed transition can initiate again.
		e.mu.Lock()
		e.genInFlight = false
		e.recapInitiated = false
		e.mu.Unlock()
		return err
	}
	_ = e.store.SetCheckpoint(ctx, e.callID, calls.CheckpointRecapRequested, now)

	e.mu.Lock()
	e.adoptLocked(updated, "recap_request")
	e.mu.Unlock()

	e.metrics.RecapAttempts.Inc()
	e.log.Info("recap requested", "attempt", attempt, "retry", isRetry)

	err = e.gen.Generate(ctx, e.callID, isRetry)
	e.mu.Lock()
	e.genInFlight = false
	e.mu.Unlock()
	if err != nil {
		e.failRecap(ctx, err)
		return nil
	}
	e.startPoll(ctx)
	return nil
}

// failRecap converts a generator error into a typed recap state. The raw
// error stays in logs; the session only carries the code.
func (e *SessionEngine) failRecap(ctx context.Context, genErr error) {
	status := calls.RecapFailedTransient
	code := errCodeGenerator
	if errors.Is(genErr, recap.ErrPermanent) {
		status = calls.RecapFailedPermanent
		code = errCodePermanent
	}
	e.log.Warn("recap generation failed", "code", code, "err", genErr)

	updated, err := e.store.Update(ctx, e.callID, calls.Patch{
		RecapStatus:    &status,
		RecapErrorCode: &code,
	})
	e.mu.Lock()
	if err != nil {
		// Store write failed; keep the failure visible locally at least.
		e.local.RecapStatus = status
		e.local.RecapErrorCode = code
	} else {
		e.adoptLocked(updated, "recap_failure")
	}
	e.mu.Unlock()
	e.react(ctx)
}

// startPoll launches the bounded recap poll loop, replacing any previous one
// (retry resets the budget).
func (e *SessionEngine) startPoll(ctx context.Context) {
	e.mu.Lock()
	if e.pollCancel != nil {
		e.pollCancel()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	e.pollCancel = cancel
	e.pollSeq++
	seq := e.pollSeq
	e.mu.Unlock()

	go e.pollLoop(pollCtx, seq)
}

func (e *SessionEngine) stopPoll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pollCancel != nil {
		e.pollCancel()
		e.pollCancel = nil
	}
}

// pollLoop re-reads the session on the fixed backoff schedule until the recap
// resolves or the attempt budget runs out. Budget exhaustion is a local
// client-side timeout: recap_failed_transient/TIMEOUT on the local view only,
// independent of what the generator eventually writes.
func (e *SessionEngine) pollLoop(ctx context.Context, seq int) {
	for attempt := 0; attempt < e.cfg.MaxPollAttempts; attempt++ {
		wait := e.cfg.PollSteady
		if attempt < len(e.cfg.PollSchedule) {
			wait = e.cfg.PollSchedule[attempt]
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if e.Snapshot().RecapStatus != calls.RecapPending {
			return
		}
		s, err := e.store.Get(ctx, e.callID)
		if err != nil {
			e.log.Warn("recap poll read failed", "attempt", attempt+1, "err", err)
			continue
		}
		e.mu.Lock()
		stale := seq != e.pollSeq
		if !stale {
			e.lastEventAt = e.Now()
			e.adoptLocked(s, "poll")
		}
		resolved := e.local.RecapStatus != calls.RecapPending
		e.mu.Unlock()
		if stale {
			return
		}
		if resolved {
			e.react(ctx)
			return
		}
	}

	e.mu.Lock()
	if seq == e.pollSeq && e.local.RecapStatus == calls.RecapPending {
		e.local.RecapStatus = calls.RecapFailedTransient
		e.local.RecapErrorCode = errCodeTimeout
		e.metrics.PollTimeouts.Inc()
		e.log.Warn("recap poll budget exhausted", "attempts", e.cfg.MaxPollAttempts)
	}
	e.mu.Unlock()
}

// Reconcile heals the local view against the store. Active only while the
// call appears unterminated; a read failure is logged and retried on the next
// tick.
func (e *SessionEngine) Reconcile(ctx context.Context) {
	e.mu.Lock()
	local := e.local
	last := e.lastEventAt
	e.mu.Unlock()

	if local.Ended() {
		return
	}
	now := e.Now()
	stale := now.Sub(last) > e.cfg.StaleAfter
	longAnswered := local.Status == calls.StatusAnswered &&
		local.StartedAt != nil && now.Sub(*local.StartedAt) > e.cfg.AnsweredTooLong
	if !stale && !longAnswered {
		return
	}

	e.metrics.ReconcileReads.Inc()
	fresh, err := e.store.Get(ctx, e.callID)
	if err != nil {
		e.log.Warn("reconcile read failed", "err", err)
		return
	}

	e.mu.Lock()
	e.lastEventAt = now
	healed := (fresh.Ended() && !local.Ended()) || fresh.Status != local.Status
	e.adoptLocked(fresh, "reconcile")
	e.mu.Unlock()

	if healed {
		e.metrics.ReconcileHeals.Inc()
		e.log.Info("reconciliation adopted missed state",
			"was", local.Status, "now", fresh.Status)
	}
	e.react(ctx)
}

// Retry re-enters recap generation after a transient failure, resetting the
// poll budget. It is the only path out of recap_failed_transient and there is
// none out of recap_failed_permanent.
func (e *SessionEngine) Retry(ctx context.Context) error {
	e.mu.Lock()
	local := e.local
	e.mu.Unlock()

	// A just-started engine may not have completed its initial read yet
	// (retrying an old call after a restart); consult the store rather than
	// judging an empty local view.
	if local.ID == "" {
		s, err := e.store.Get(ctx, e.callID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.local.ID == "" {
			e.local = s
			e.lastEventAt = e.Now()
		}
		local = e.local
		e.mu.Unlock()
	}

	if local.RecapStatus != calls.RecapFailedTransient {
		return ErrRecapNotRetryable
	}
	return e.requestRecap(ctx, true)
}
