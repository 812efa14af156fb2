package engine

import (
	"context"
	"log/slog"
	"sync"

	"callline-platform/internal/calls"
	"callline-platform/internal/recap"
)

// Manager runs one SessionEngine per active call. Engines remove themselves
// when their session resolves; Close tears down whatever is left.
type Manager struct {
	store   calls.Store
	gen     recap.Generator
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	engines map[string]*managed
	closed  bool
}

type managed struct {
	engine *SessionEngine
	cancel context.CancelFunc
}

func NewManager(store calls.Store, gen recap.Generator, cfg Config, log *slog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		store:   store,
		gen:     gen,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		engines: map[string]*managed{},
	}
}

// Start launches an engine for callID. Starting an already-tracked call is a
// no-op: one engine per session.
func (m *Manager) Start(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.engines[callID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := NewSessionEngine(callID, m.store, m.gen, m.cfg, m.log, m.metrics)
	m.engines[callID] = &managed{engine: e, cancel: cancel}

	go func() {
		if err := e.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("session engine exited", "call_id", callID, "err", err)
		}
		m.mu.Lock()
		delete(m.engines, callID)
		m.mu.Unlock()
		cancel()
	}()
}

// Get returns the live engine for callID, if one is running.
func (m *Manager) Get(callID string) (*SessionEngine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[callID]
	if !ok {
		return nil, false
	}
	return e.engine, true
}

// Stop tears down one call's engine.
func (m *Manager) Stop(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[callID]; ok {
		e.cancel()
		delete(m.engines, callID)
	}
}

// Close tears down every engine. Used on process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, e := range m.engines {
		e.cancel()
		delete(m.engines, id)
	}
}
