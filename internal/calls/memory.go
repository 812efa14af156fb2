package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development.
// Feed events are delivered best-effort: a subscriber that is not draining
// its channel loses events, which mirrors the dropped-notification behavior
// the consistency engine must heal in production.

type MemoryStore struct {
	mu sync.Mutex

	sessions map[string]CallSession
	turns    map[string][]ConversationTurn
	subs     map[string][]chan ChangeEvent

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]CallSession{},
		turns:    map[string][]ConversationTurn{},
		subs:     map[string][]chan ChangeEvent{},
		Now:      time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	now := m.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.PipelineCheckpoints == nil {
		s.PipelineCheckpoints = map[string]time.Time{}
	}
	m.sessions[s.ID] = s
	m.publishLocked(s.ID, ChangeEvent{Kind: ChangeSession, Session: cloneSession(s)})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return *cloneSession(s), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, p Patch) (CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	next, err := apply(s, p, m.Now())
	if err != nil {
		return CallSession{}, err
	}
	m.sessions[id] = next
	m.publishLocked(id, ChangeEvent{Kind: ChangeSession, Session: cloneSession(next)})
	return *cloneSession(next), nil
}

func (m *MemoryStore) SetCheckpoint(ctx context.Context, id, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if _, done := s.PipelineCheckpoints[name]; done {
		return nil
	}
	if s.PipelineCheckpoints == nil {
		s.PipelineCheckpoints = map[string]time.Time{}
	}
	s.PipelineCheckpoints[name] = at
	s.UpdatedAt = m.Now()
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, t ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[t.CallID]; !ok {
		return ErrNotFound
	}
	m.turns[t.CallID] = append(m.turns[t.CallID], t)
	tc := t
	m.publishLocked(t.CallID, ChangeEvent{Kind: ChangeTurn, Turn: &tc})
	return nil
}

func (m *MemoryStore) ListTurns(ctx context.Context, callID string) ([]ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConversationTurn, len(m.turns[callID]))
	copy(out, m.turns[callID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, callID string) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, 16)
	m.mu.Lock()
	m.subs[callID] = append(m.subs[callID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[callID]
		for i, c := range list {
			if c == ch {
				m.subs[callID] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// ListSessions returns all sessions created inside [from, to). Used by
// reporting; not part of the core Store interface.
func (m *MemoryStore) ListSessions(ctx context.Context, from, to time.Time) ([]CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallSession, 0)
	for _, s := range m.sessions {
		if !s.CreatedAt.IsZero() {
			if s.CreatedAt.Before(from) || !s.CreatedAt.Before(to) {
				continue
			}
		}
		out = append(out, *cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DropFeed disconnects all current subscribers without closing the store.
// Test hook for simulating a dropped realtime notification stream.
func (m *MemoryStore) DropFeed(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.subs[callID] {
		close(c)
	}
	m.subs[callID] = nil
}

func (m *MemoryStore) publishLocked(callID string, ev ChangeEvent) {
	for _, c := range m.subs[callID] {
		select {
		case c <- ev:
		default:
			// subscriber not draining; drop
		}
	}
}

func cloneSession(s CallSession) *CallSession {
	out := s
	if s.PipelineCheckpoints != nil {
		out.PipelineCheckpoints = make(map[string]time.Time, len(s.PipelineCheckpoints))
		for k, v := range s.PipelineCheckpoints {
			out.PipelineCheckpoints[k] = v
		}
	}
	return &out
}
