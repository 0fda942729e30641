package session

import (
	"context"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/pkg/types"
)

// DefaultMaxSessions bounds the number of concurrent sessions.
const DefaultMaxSessions = 4

// Factory builds the orchestrator for a new session id. Each orchestrator
// must own its own ProcessManager.
type Factory func(id string) (*Orchestrator, error)

// Manager keeps the sessions of one server.
type Manager struct {
	sessions    map[string]*Orchestrator
	order       []string
	mu          sync.RWMutex
	maxSessions int
	newSession  Factory
	log         logr.Logger
}

// NewManager creates a session registry.
func NewManager(maxSessions int, factory Factory, log logr.Logger) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		sessions:    make(map[string]*Orchestrator),
		maxSessions: maxSessions,
		newSession:  factory,
		log:         log.WithName("sessions"),
	}
}

// Create registers a new idle session for port. Two live sessions never
// share a port.
func (sm *Manager) Create(port int) (*Orchestrator, error) {
	if port == 0 {
		port = types.DefaultPort
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	live := 0
	for id, s := range sm.sessions {
		if !isLive(s.State()) {
			continue
		}
		live++
		if s.Port() == port {
			return nil, errors.PortInUse(port, id)
		}
	}
	if live >= sm.maxSessions {
		return nil, errors.SessionLimitReached(sm.maxSessions)
	}

	id := uuid.New().String()
	o, err := sm.newSession(id)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.port = port
	o.mu.Unlock()

	sm.sessions[id] = o
	sm.order = append(sm.order, id)
	sm.log.V(1).Info("Session created", "session", id, "port", port)
	return o, nil
}

func isLive(s types.SessionState) bool {
	return s != types.StateTerminated && s != types.StateFailed
}

// Get returns the session with the given id.
func (sm *Manager) Get(id string) (*Orchestrator, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	o, ok := sm.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return o, nil
}

// List returns a snapshot of every session, oldest first.
func (sm *Manager) List() []types.SessionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	infos := make([]types.SessionInfo, 0, len(sm.order))
	for _, id := range sm.order {
		infos = append(infos, sm.sessions[id].Info())
	}
	return infos
}

// Remove disconnects a session and forgets it.
func (sm *Manager) Remove(ctx context.Context, id string) error {
	sm.mu.Lock()
	o, ok := sm.sessions[id]
	if !ok {
		sm.mu.Unlock()
		return errors.SessionNotFound(id)
	}
	delete(sm.sessions, id)
	sm.order = slices.DeleteFunc(sm.order, func(s string) bool { return s == id })
	sm.mu.Unlock()

	sm.log.V(1).Info("Session removed", "session", id)
	return o.Close(ctx)
}

// Close shuts down every session.
func (sm *Manager) Close(ctx context.Context) {
	sm.mu.Lock()
	sessions, order := sm.sessions, sm.order
	sm.sessions = make(map[string]*Orchestrator)
	sm.order = nil
	sm.mu.Unlock()

	for _, id := range order {
		o := sessions[id]
		if err := o.Close(ctx); err != nil {
			sm.log.Error(err, "failed to close session", "session", id)
		}
	}
}
