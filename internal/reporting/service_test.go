package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"callline-platform/internal/calls"
)

func seedStore(t *testing.T) *calls.MemoryStore {
	t.Helper()
	store := calls.NewMemoryStore()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	started := base.Add(5 * time.Second)
	ended := base.Add(65 * time.Second)

	sessions := []calls.CallSession{
		{
			ID: "call-ok", Status: calls.StatusEnded,
			StartedAt: &started, EndedAt: &ended,
			RecapStatus: calls.RecapReady, RecapAttemptCount: 1,
			CreatedAt: base,
		},
		{
			ID: "call-no-answer", Status: calls.StatusEnded,
			EndedAt:   &ended,
			CreatedAt: base.Add(time.Minute),
		},
		{
			ID: "call-retrying", Status: calls.StatusEnded,
			StartedAt: &started, EndedAt: &ended,
			RecapStatus: calls.RecapFailedTransient, RecapAttemptCount: 3,
			CreatedAt: base.Add(2 * time.Minute),
		},
		{
			ID: "call-live", Status: calls.StatusAnswered,
			StartedAt: &started,
			CreatedAt: base.Add(3 * time.Minute),
		},
		{
			ID: "call-outside", Status: calls.StatusEnded,
			CreatedAt: base.Add(48 * time.Hour),
		},
	}
	for _, s := range sessions {
		if err := store.Create(context.Background(), s); err != nil {
			t.Fatalf("seed %s: %v", s.ID, err)
		}
	}
	return store
}

func TestCallsSummaryAggregates(t *testing.T) {
	svc := NewService(seedStore(t))

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	got, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{
		Range: TimeRange{From: from, To: from.Add(24 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("CallsSummary: %v", err)
	}

	if got.TotalCalls != 4 {
		t.Fatalf("total calls = %d, want 4 (call-outside excluded)", got.TotalCalls)
	}
	if got.EndedCalls != 3 || got.AnsweredCalls != 1 {
		t.Fatalf("status counts = ended %d answered %d, want 3/1", got.EndedCalls, got.AnsweredCalls)
	}
	if got.NeverAnsweredCalls != 1 {
		t.Fatalf("never answered = %d, want 1", got.NeverAnsweredCalls)
	}
	if got.RecapReady != 1 || got.RecapFailedTransient != 1 {
		t.Fatalf("recap counts = ready %d transient %d, want 1/1", got.RecapReady, got.RecapFailedTransient)
	}
	if got.TotalRecapAttempts != 4 {
		t.Fatalf("recap attempts = %d, want 4", got.TotalRecapAttempts)
	}
	// Two ended calls carried both StartedAt and EndedAt, 60s each.
	if got.TotalDurationSeconds != 120 {
		t.Fatalf("total duration = %ds, want 120", got.TotalDurationSeconds)
	}
	if got.AverageDurationSeconds != 60 {
		t.Fatalf("average duration = %ds, want 60", got.AverageDurationSeconds)
	}
}

func TestCallsSummaryInvalidRange(t *testing.T) {
	svc := NewService(calls.NewMemoryStore())
	now := time.Now()

	for name, r := range map[string]TimeRange{
		"zero":     {},
		"inverted": {From: now, To: now.Add(-time.Hour)},
		"equal":    {From: now, To: now},
	} {
		_, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: r})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s range: err = %v, want ErrInvalidRequest", name, err)
		}
	}
}
