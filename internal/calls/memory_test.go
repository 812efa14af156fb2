package calls

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreUpdateAndFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemoryStore()
	if err := m.Create(ctx, CallSession{ID: "c1", Status: StatusPending, Direction: DirectionOutbound}); err != nil {
		t.Fatalf("create: %v", err)
	}
	feed, err := m.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	st := StatusRinging
	if _, err := m.Update(ctx, "c1", Patch{Status: &st}); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case ev := <-feed:
		if ev.Kind != ChangeSession || ev.Session == nil || ev.Session.Status != StatusRinging {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no feed event delivered")
	}

	back := StatusPending
	if _, err := m.Update(ctx, "c1", Patch{Status: &back}); err != ErrStaleStatus {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}
}

func TestMemoryStoreCheckpointWriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.Create(ctx, CallSession{ID: "c1", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := time.Unix(1700000000, 0).UTC()
	if err := m.SetCheckpoint(ctx, "c1", CheckpointCallEnded, first); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := m.SetCheckpoint(ctx, "c1", CheckpointCallEnded, first.Add(time.Hour)); err != nil {
		t.Fatalf("checkpoint repeat: %v", err)
	}
	s, err := m.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !s.PipelineCheckpoints[CheckpointCallEnded].Equal(first) {
		t.Fatalf("checkpoint must keep the first write, got %v", s.PipelineCheckpoints[CheckpointCallEnded])
	}
}

func TestMemoryStoreTurnsOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.Create(ctx, CallSession{ID: "c1", Status: StatusAnswered}); err != nil {
		t.Fatalf("create: %v", err)
	}
	base := time.Unix(1700000000, 0).UTC()
	turns := []ConversationTurn{
		{CallID: "c1", Speaker: SpeakerAgent, Text: "Hi, is this Sarah?", Timestamp: base},
		{CallID: "c1", Speaker: SpeakerHuman, Text: "Yes this is Sarah", Timestamp: base.Add(5 * time.Second)},
	}
	for _, turn := range turns {
		if err := m.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := m.ListTurns(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Speaker != SpeakerAgent || got[1].Speaker != SpeakerHuman {
		t.Fatalf("unexpected turns: %+v", got)
	}
}

func TestMemoryStoreSubscribeCancelClosesFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemoryStore()
	if err := m.Create(context.Background(), CallSession{ID: "c1", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	feed, err := m.Subscribe(ctx, "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("feed not closed after cancel")
	}
}
