package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callline-platform/internal/calls"
	"callline-platform/internal/recap"
)

func testConfig() Config {
	return Config{
		PollSchedule:      []time.Duration{time.Millisecond, time.Millisecond},
		PollSteady:        time.Millisecond,
		MaxPollAttempts:   4,
		ReconcileInterval: 5 * time.Millisecond,
		StaleAfter:        30 * time.Second,
		AnsweredTooLong:   120 * time.Second,
	}
}

func testEngine(t *testing.T, cfg Config) (*SessionEngine, *calls.MemoryStore, *recap.MemoryGenerator) {
	t.Helper()
	store := calls.NewMemoryStore()
	gen := recap.NewMemoryGenerator()
	if err := store.Create(context.Background(), calls.CallSession{
		ID:        "c1",
		Status:    calls.StatusAnswered,
		Direction: calls.DirectionOutbound,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	e := NewSessionEngine("c1", store, gen, cfg, slog.Default(), NewMetrics(nil))
	s, err := store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	e.local = s
	e.lastEventAt = e.Now()
	return e, store, gen
}

// endCall commits the terminal transition to the store and returns the row as
// a feed subscriber would see it.
func endCall(t *testing.T, store *calls.MemoryStore) calls.CallSession {
	t.Helper()
	now := time.Now()
	st := calls.StatusEnded
	s, err := store.Update(context.Background(), "c1", calls.Patch{Status: &st, EndedAt: &now})
	if err != nil {
		t.Fatalf("end call: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndedInitiatesRecapExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e, store, gen := testEngine(t, testConfig())

	ended := endCall(t, store)
	// Redelivered terminal events must collapse into one recap request.
	for i := 0; i < 3; i++ {
		e.Observe(ctx, calls.ChangeEvent{Kind: calls.ChangeSession, Session: &ended})
	}

	inv := gen.Invocations()
	if len(inv) != 1 {
		t.Fatalf("expected exactly one recap invocation, got %d", len(inv))
	}
	if inv[0].IsRetry {
		t.Fatalf("initial invocation must not be a retry")
	}

	s, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.RecapStatus != calls.RecapPending || s.RecapAttemptCount != 1 {
		t.Fatalf("unexpected store state: %s attempts=%d", s.RecapStatus, s.RecapAttemptCount)
	}
}

func TestStatusRegressionIsIgnored(t *testing.T) {
	ctx := context.Background()
	e, _, _ := testEngine(t, testConfig())

	regressed := e.Snapshot()
	regressed.Status = calls.StatusRinging
	e.Observe(ctx, calls.ChangeEvent{Kind: calls.ChangeSession, Session: &regressed})

	if got := e.Snapshot().Status; got != calls.StatusAnswered {
		t.Fatalf("engine un-answered the call: %s", got)
	}
}

func TestGeneratorPermanentFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	e, store, gen := testEngine(t, testConfig())
	gen.Queue("c1", fmt.Errorf("no transcript: %w", recap.ErrPermanent))

	ended := endCall(t, store)
	e.Observe(ctx, calls.ChangeEvent{Kind: calls.ChangeSession, Session: &ended})

	snap := e.Snapshot()
	if snap.RecapStatus != calls.RecapFailedPermanent {
		t.Fatalf("expected permanent failure, got %s", snap.RecapStatus)
	}
	if snap.RecapErrorCode != errCodePermanent {
		t.Fatalf("unexpected error code %q", snap.RecapErrorCode)
	}
	if err := e.Retry(ctx); !errors.Is(err, ErrRecapNotRetryable) {
		t.Fatalf("permanent failure must be a dead end, got %v", err)
	}
	s, _ := store.Get(ctx, "c1")
	if s.RecapStatus != calls.RecapFailedPermanent {
		t.Fatalf("store not updated: %s", s.RecapStatus)
	}
}

func TestGeneratorTransientFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	e, store, gen := testEngine(t, testConfig())
	gen.Queue("c1", errors.New("connection refused"))

	ended := endCall(t, store)
	e.Observe(ctx, calls.ChangeEvent{Kind: calls.ChangeSession, Session: &ended})

	if got := e.Snapshot().RecapStatus; got != calls.RecapFailedTransient {
		t.Fatalf("expected transient failure, got %s", got)
	}

	// Second attempt succeeds; have the worker resolve the recap so the
	// poll loop can observe it.
	if err := e.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	ready := calls.RecapReady
	if _, err := store.Update(ctx, "c1", calls.Patch{RecapStatus: &ready}); err != nil {
		t.Fatalf("resolve recap: %v", err)
	}
	waitFor(t, "recap_ready", func() bool {
		return e.Snapshot().RecapStatus == calls.RecapReady
	})

	inv := gen.Invocations()
	if len(inv) != 2 || !inv[1].IsRetry {
		t.Fatalf("expected initial + retry invocations, got %+v", inv)
	}
	s, _ := store.Get(ctx, "c1")
	if s.RecapAttemptCount != 2 {
		t.Fatalf("attempt count must cover both attempts, got %d", s.RecapAttemptCount)
	}
}

func TestPollBudgetExhaustionIsLocalTransientTimeout(t *testing.T) {
	ctx := context.Background()
	e, store, _ := testEngine(t, testConfig())

	// Generator accepts and then never resolves.
	ended := endCall(t, store)
	e.Observe(ctx, calls.ChangeEvent{Kind: calls.ChangeSession, Session: &ended})

	waitFor(t, "local timeout", func() bool {
		return e.Snapshot().RecapStatus == calls.RecapFailedTransient
	})
	snap := e.Snapshot()
	if snap.RecapErrorCode != errCodeTimeout {
		t.Fatalf("expected TIMEOUT code, got %q", snap.RecapErrorCode)
	}

	// A local poll timeout must never escalate to permanent, and must not
	// leak into the store.
	s, _ := store.Get(ctx, "c1")
	if s.RecapStatus != calls.RecapPending {
		t.Fatalf("store must still be pending, got %s", s.RecapStatus)
	}
}

func TestRetryAfterTimeoutResetsBudgetAndSucceeds(t *testing.T) {
	ctx := context.Background()
	e, store, gen := testEngine(t, testConfig())

	ended := endCall(t, store)
	e.Observe(ctx, calls.ChangeEvent{Kind: calls.ChangeSession, Session: &ended})
	waitFor(t, "local timeout", func() bool {
		return e.Snapshot().RecapStatus == calls.RecapFailedTransient
	})

	if err := e.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	ready := calls.RecapReady
	if _, err := store.Update(ctx, "c1", calls.Patch{RecapStatus: &ready}); err != nil {
		t.Fatalf("resolve recap: %v", err)
	}
	waitFor(t, "recap_ready", func() bool {
		return e.Snapshot().RecapStatus == calls.RecapReady
	})
	if n := len(gen.Invocations()); n != 2 {
		t.Fatalf("expected 2 invocations, got %d", n)
	}
}

func TestReconcileHealsMissedEndAndInitiatesRecapOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	e, store, gen := testEngine(t, cfg)

	// Fake clock: the engine believes no event has arrived for 31s.
	base := time.Now()
	var mu sync.Mutex
	now := base
	e.Now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	e.lastEventAt = base

	// The call ends in the store but the notification never arrives.
	endedAt := base.Add(10 * time.Second)
	endedStatus := calls.StatusEnded
	if _, err := store.Update(ctx, "c1", calls.Patch{Status: &endedStatus, EndedAt: &endedAt}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Below the staleness threshold nothing happens.
	mu.Lock()
	now = base.Add(29 * time.Second)
	mu.Unlock()
	e.Reconcile(ctx)
	if len(gen.Invocations()) != 0 {
		t.Fatalf("reconcile fired before staleness threshold")
	}

	mu.Lock()
	now = base.Add(31 * time.Second)
	mu.Unlock()
	e.Reconcile(ctx)

	if got := e.Snapshot().Status; got != calls.StatusEnded {
		t.Fatalf("reconcile did not adopt ended, got %s", got)
	}
	if n := len(gen.Invocations()); n != 1 {
		t.Fatalf("expected exactly one recap invocation, got %d", n)
	}

	// Idempotence: reconciling an already-consistent view is a no-op.
	before := e.Snapshot()
	mu.Lock()
	now = base.Add(90 * time.Second)
	mu.Unlock()
	e.Reconcile(ctx)
	after := e.Snapshot()
	if before.Status != after.Status || before.RecapAttemptCount != after.RecapAttemptCount {
		t.Fatalf("reconcile mutated a consistent view: %+v -> %+v", before, after)
	}
	if n := len(gen.Invocations()); n != 1 {
		t.Fatalf("reconcile duplicated the recap request: %d invocations", n)
	}
}

func TestReconcileLongAnsweredTriggersRead(t *testing.T) {
	ctx := context.Background()
	e, store, _ := testEngine(t, testConfig())

	base := time.Now()
	started := base.Add(-121 * time.Second)
	startPatch := calls.Patch{StartedAt: &started}
	if _, err := store.Update(ctx, "c1", startPatch); err != nil {
		t.Fatalf("update: %v", err)
	}
	s, _ := store.Get(ctx, "c1")
	e.local = s
	e.lastEventAt = base // feed looks fresh; only the 120s rule applies
	e.Now = func() time.Time { return base }

	e.Reconcile(ctx)
	// The direct read adopts the same state; nothing else may change.
	if got := e.Snapshot().Status; got != calls.StatusAnswered {
		t.Fatalf("unexpected status %s", got)
	}
}

// resolvedStore seeds a store with an already-ended call whose recap reached
// the given state, as a restarted process would find it.
func resolvedStore(t *testing.T, status calls.RecapStatus) (*calls.MemoryStore, *recap.MemoryGenerator) {
	t.Helper()
	store := calls.NewMemoryStore()
	gen := recap.NewMemoryGenerator()
	now := time.Now()
	if err := store.Create(context.Background(), calls.CallSession{
		ID:                "c1",
		Status:            calls.StatusEnded,
		EndedAt:           &now,
		RecapStatus:       status,
		RecapAttemptCount: 1,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return store, gen
}

func TestFreshEngineLeavesResolvedRecapAlone(t *testing.T) {
	for name, status := range map[string]calls.RecapStatus{
		"permanent": calls.RecapFailedPermanent,
		"ready":     calls.RecapReady,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, gen := resolvedStore(t, status)

			e := NewSessionEngine("c1", store, gen, testConfig(), slog.Default(), NewMetrics(nil))
			if err := e.Run(ctx); err != nil {
				t.Fatalf("run: %v", err)
			}

			if n := len(gen.Invocations()); n != 0 {
				t.Fatalf("restarted engine re-requested a resolved recap: %d invocations", n)
			}
			s, _ := store.Get(ctx, "c1")
			if s.RecapStatus != status || s.RecapAttemptCount != 1 {
				t.Fatalf("resolved session mutated: %s attempts=%d", s.RecapStatus, s.RecapAttemptCount)
			}
		})
	}
}

func TestFreshEngineDoesNotAutoRetryTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, gen := resolvedStore(t, calls.RecapFailedTransient)

	e := NewSessionEngine("c1", store, gen, testConfig(), slog.Default(), NewMetrics(nil))
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Several reconcile ticks pass; only an explicit Retry may re-request.
	time.Sleep(30 * time.Millisecond)
	if n := len(gen.Invocations()); n != 0 {
		t.Fatalf("engine retried a transient failure on its own: %d invocations", n)
	}
	cancel()
	<-done
}

func TestRetryOnFreshEngineReadsStore(t *testing.T) {
	ctx := context.Background()
	store, gen := resolvedStore(t, calls.RecapFailedTransient)

	// No Run: the engine has not performed its initial read yet, as when a
	// retry request races the engine startup after a process restart.
	e := NewSessionEngine("c1", store, gen, testConfig(), slog.Default(), NewMetrics(nil))
	if err := e.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}

	inv := gen.Invocations()
	if len(inv) != 1 || !inv[0].IsRetry {
		t.Fatalf("expected one retry invocation, got %+v", inv)
	}
	s, _ := store.Get(ctx, "c1")
	if s.RecapStatus != calls.RecapPending || s.RecapAttemptCount != 2 {
		t.Fatalf("retry not applied to store: %s attempts=%d", s.RecapStatus, s.RecapAttemptCount)
	}
}

func TestRetryRefusesTerminalRecap(t *testing.T) {
	ctx := context.Background()
	store, gen := resolvedStore(t, calls.RecapFailedPermanent)

	e := NewSessionEngine("c1", store, gen, testConfig(), slog.Default(), NewMetrics(nil))
	if err := e.Retry(ctx); !errors.Is(err, ErrRecapNotRetryable) {
		t.Fatalf("retry on permanent failure: err = %v, want ErrRecapNotRetryable", err)
	}
	if n := len(gen.Invocations()); n != 0 {
		t.Fatalf("generator invoked for a terminal recap: %d", n)
	}
}

func TestRunStopsWhenSessionResolves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, store, _ := testEngine(t, testConfig())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	endedStatus := calls.StatusEnded
	now := time.Now()
	if _, err := store.Update(ctx, "c1", calls.Patch{Status: &endedStatus, EndedAt: &now}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ready := calls.RecapReady
	waitFor(t, "recap pending in store", func() bool {
		s, err := store.Get(ctx, "c1")
		return err == nil && s.RecapStatus == calls.RecapPending
	})
	if _, err := store.Update(ctx, "c1", calls.Patch{RecapStatus: &ready}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after resolution")
	}
}
