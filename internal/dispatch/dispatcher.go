// Package dispatch routes validated commands to the engine process mapped
// to a session, with per-command timeouts and normalized results.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/avendel/stagehand/internal/engine"
	"github.com/avendel/stagehand/internal/fault"
)

// Result is the normalized outcome of one command. Success/Error mirror
// the engine's own response; dispatch-level failures are returned as
// errors instead.
type Result struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SessionResolver is the slice of the session registry the dispatcher
// needs.
type SessionResolver interface {
	Touch(id string) error
	Resolve(id string) (string, error)
}

// ProcessExecutor is the slice of the supervisor the dispatcher needs.
type ProcessExecutor interface {
	Execute(ctx context.Context, processID, command string, timeout time.Duration) (*engine.Response, error)
	HealthCheck(ctx context.Context, processID string) error
}

// Dispatcher translates session-addressed commands into engine calls.
type Dispatcher struct {
	sessions       SessionResolver
	procs          ProcessExecutor
	defaultTimeout time.Duration
}

// New creates a Dispatcher. defaultTimeout bounds commands whose callers
// pass no explicit timeout.
func New(sessions SessionResolver, procs ProcessExecutor, defaultTimeout time.Duration) (*Dispatcher, error) {
	if sessions == nil {
		return nil, fmt.Errorf("dispatch: session resolver is required")
	}
	if procs == nil {
		return nil, fmt.Errorf("dispatch: process executor is required")
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 15 * time.Second
	}
	return &Dispatcher{
		sessions:       sessions,
		procs:          procs,
		defaultTimeout: defaultTimeout,
	}, nil
}

// Execute runs one command against the session's engine process. On a
// transport failure it health-checks the process; if the process is
// confirmed dead the call fails with EngineUnavailable and the session is
// invalidated through the supervisor's exit callback. A timeout gives no
// guarantee the engine-side effect was cancelled.
func (d *Dispatcher) Execute(ctx context.Context, sessionID string, cmd Command, timeout time.Duration) (Result, error) {
	wire, err := cmd.Wire()
	if err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	if err := d.sessions.Touch(sessionID); err != nil {
		return Result{}, err
	}
	processID, err := d.sessions.Resolve(sessionID)
	if err != nil {
		return Result{}, err
	}

	resp, err := d.procs.Execute(ctx, processID, wire, timeout)
	if err != nil {
		switch fault.CodeOf(err) {
		case fault.CodeCommandTimeout, fault.CodeEngineUnavailable:
			return Result{}, err
		}
		// Transport failure with the process still registered: confirm
		// liveness before blaming the engine.
		if hcErr := d.procs.HealthCheck(ctx, processID); hcErr != nil {
			return Result{}, fault.Wrap(fault.CodeEngineUnavailable, err,
				"engine for session %s is unavailable", sessionID)
		}
		return Result{}, fmt.Errorf("dispatch: execute on session %s: %w", sessionID, err)
	}

	return Result{
		Command: wire,
		Success: resp.Success,
		Data:    resp.Data,
		Error:   resp.Error,
	}, nil
}

// ExecuteSequence runs commands in submission order against one session.
// Engine-reported failures stop the sequence unless continueOnError is
// set; session-level faults (dead process, timeout) always stop it. The
// returned results cover every command attempted.
func (d *Dispatcher) ExecuteSequence(ctx context.Context, sessionID string, cmds []Command, continueOnError bool) ([]Result, error) {
	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := d.Execute(ctx, sessionID, cmd, 0)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if !res.Success && !continueOnError {
			break
		}
	}
	return results, nil
}
