package recap

import (
	"context"
	"sync"
)

// MemoryGenerator is a scriptable Generator for tests and local development.
// Results are queued per call; an empty queue means accept-and-do-nothing,
// which exercises the engine's polling timeout path.
type MemoryGenerator struct {
	mu      sync.Mutex
	results map[string][]error
	calls   []Invocation
}

// Invocation records one Generate call for assertions.
type Invocation struct {
	CallID  string
	IsRetry bool
}

func NewMemoryGenerator() *MemoryGenerator {
	return &MemoryGenerator{results: map[string][]error{}}
}

// Queue appends the error Generate will return for callID. Multiple queued
// values are consumed in order; use nil for an accepted request.
func (m *MemoryGenerator) Queue(callID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[callID] = append(m.results[callID], err)
}

func (m *MemoryGenerator) Generate(ctx context.Context, callID string, isRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Invocation{CallID: callID, IsRetry: isRetry})
	queue := m.results[callID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.results[callID] = queue[1:]
	return err
}

// Invocations returns a copy of every Generate call seen so far.
func (m *MemoryGenerator) Invocations() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.calls))
	copy(out, m.calls)
	return out
}
