// Package session owns the session lifecycle and the 1:1 mapping from
// session to engine process. Sessions reference processes they do not own;
// the supervisor remains the only writer of process state.
package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avendel/stagehand/internal/fault"
	"github.com/avendel/stagehand/internal/supervisor"
)

// Status is the lifecycle state of one session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// Session is a read-only snapshot of one registry entry. ProcessID is
// empty once the session is closed.
type Session struct {
	ID           string    `json:"id"`
	ProcessID    string    `json:"process_id,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Error        string    `json:"error,omitempty"`
}

// ProcessPool is the slice of the supervisor the registry needs.
type ProcessPool interface {
	Spawn(ctx context.Context) (supervisor.Process, error)
	Terminate(id string) error
	Touch(id string)
}

// Registry maps sessions to live engine processes.
type Registry struct {
	pool ProcessPool
	out  io.Writer

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry.
func NewRegistry(pool ProcessPool, out io.Writer) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: process pool is required")
	}
	if out == nil {
		out = io.Discard
	}
	return &Registry{
		pool:     pool,
		out:      out,
		sessions: make(map[string]*Session),
	}, nil
}

// Create allocates a session and spawns its engine process. The session is
// visible as initializing while the spawn is in flight and becomes ready
// once the process confirms readiness. Spawn failures propagate with their
// original code.
func (r *Registry) Create(ctx context.Context) (Session, error) {
	id := uuid.NewString()
	now := time.Now()

	r.mu.Lock()
	r.sessions[id] = &Session{
		ID:           id,
		Status:       StatusInitializing,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	r.mu.Unlock()

	proc, err := r.pool.Spawn(ctx)
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		return Session{}, fault.Wrap(fault.CodeSessionCreationFailed, err, "create session")
	}

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		// Closed while the spawn was in flight; don't leak the process.
		r.mu.Unlock()
		r.pool.Terminate(proc.ID)
		return Session{}, fault.New(fault.CodeNotFound, "session %s closed during creation", id)
	}
	sess.ProcessID = proc.ID
	sess.Status = StatusReady
	sess.LastActiveAt = time.Now()
	snapshot := *sess
	r.mu.Unlock()

	fmt.Fprintf(r.out, "Session %s ready (engine %s)\n", id, proc.ID)
	return snapshot, nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, fault.New(fault.CodeNotFound, "session %s not found", id)
	}
	return *sess, nil
}

// Touch refreshes the session's activity timestamp and its process's.
// Called on every command and render request targeting the session.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.CodeNotFound, "session %s not found", id)
	}
	sess.LastActiveAt = time.Now()
	processID := sess.ProcessID
	r.mu.Unlock()

	if processID != "" {
		r.pool.Touch(processID)
	}
	return nil
}

// Resolve returns the session's process id, failing with SessionNotReady
// unless the mapping is live. Callers must re-create rather than reuse a
// dead mapping.
func (r *Registry) Resolve(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return "", fault.New(fault.CodeNotFound, "session %s not found", id)
	}
	if sess.Status != StatusReady || sess.ProcessID == "" {
		return "", fault.New(fault.CodeSessionNotReady, "session %s is %s", id, sess.Status)
	}
	return sess.ProcessID, nil
}

// Close removes the session and terminates its process. Idempotent.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	processID := sess.ProcessID
	sess.ProcessID = ""
	sess.Status = StatusTerminated
	delete(r.sessions, id)
	r.mu.Unlock()

	if processID != "" {
		if err := r.pool.Terminate(processID); err != nil {
			return fmt.Errorf("session: close %s: %w", id, err)
		}
	}
	fmt.Fprintf(r.out, "Session %s closed\n", id)
	return nil
}

// InvalidateProcess marks the session owning the given process as errored.
// Wired as the supervisor's exit callback; the failure surfaces to the
// next caller as SessionNotReady.
func (r *Registry) InvalidateProcess(processID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.ProcessID == processID && sess.Status != StatusTerminated {
			sess.Status = StatusError
			sess.Error = reason
			log.Printf("session: %s invalidated: %s", sess.ID, reason)
			return
		}
	}
}

// SweepIdle closes sessions whose last activity is older than threshold.
// Returns the number closed.
func (r *Registry) SweepIdle(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	r.mu.RLock()
	var stale []string
	for id, sess := range r.sessions {
		if sess.LastActiveAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		fmt.Fprintf(r.out, "Idle sweep: closing session %s\n", id)
		if err := r.Close(id); err != nil {
			log.Printf("session: idle sweep close %s: %v", id, err)
		}
	}
	return len(stale)
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session, used during daemon shutdown.
func (r *Registry) CloseAll() {
	for _, sess := range r.List() {
		if err := r.Close(sess.ID); err != nil {
			log.Printf("session: close all %s: %v", sess.ID, err)
		}
	}
}
