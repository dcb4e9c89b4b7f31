// Package supervisor owns the engine process pool: spawning, readiness,
// health checks, crash detection, idle sweeping and the port/instance
// bounds. It is the only writer of process state.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avendel/stagehand/internal/config"
	"github.com/avendel/stagehand/internal/engine"
	"github.com/avendel/stagehand/internal/fault"
	"github.com/avendel/stagehand/internal/notify"
)

// Status is the lifecycle state of one engine process.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

const (
	// defaultStopGrace is how long Terminate waits after SIGTERM before
	// force-killing.
	defaultStopGrace = 5 * time.Second
	// readyPollInterval is the cadence of startup readiness pings.
	readyPollInterval = 250 * time.Millisecond
	// healthRetryDelay separates consecutive health-check pings.
	healthRetryDelay = 500 * time.Millisecond
)

// Process is a read-only snapshot of one pool entry.
type Process struct {
	ID           string    `json:"id"`
	Port         int       `json:"port"`
	PID          int       `json:"pid"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Error        string    `json:"error,omitempty"`
}

// EventRecorder receives process lifecycle events for the history store.
type EventRecorder interface {
	RecordProcessEvent(processID string, port int, event, detail string)
}

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	Config   *config.Config
	Spawner  engine.Spawner  // defaults to engine.ExecSpawner{}
	Recorder EventRecorder   // optional
	Notifier notify.Notifier // optional
	Out      io.Writer       // optional operator output
}

// procEntry pairs the snapshot data with the live process handle.
type procEntry struct {
	Process
	proc        engine.Proc
	terminating bool
}

// Supervisor manages the pool. The mutex serializes the process table and
// the port pool; no network call happens while it is held.
type Supervisor struct {
	cfg      *config.Config
	spawner  engine.Spawner
	recorder EventRecorder
	notifier notify.Notifier
	out      io.Writer

	mu     sync.Mutex
	procs  map[string]*procEntry
	ports  *portPool
	onExit func(processID, reason string)
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("supervisor: config is required")
	}
	if opts.Spawner == nil {
		opts.Spawner = engine.ExecSpawner{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Supervisor{
		cfg:      opts.Config,
		spawner:  opts.Spawner,
		recorder: opts.Recorder,
		notifier: opts.Notifier,
		out:      opts.Out,
		procs:    make(map[string]*procEntry),
		ports:    newPortPool(opts.Config.Engine.BasePort, opts.Config.Engine.PortRange),
	}, nil
}

// SetOnExit registers the callback fired when a process dies outside an
// explicit Terminate (crash, failed health check, idle sweep). The session
// registry uses it to invalidate the owning session. Must be set before
// the first Spawn.
func (s *Supervisor) SetOnExit(fn func(processID, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Spawn starts a new engine process and blocks until its command interface
// answers or the startup deadline passes. The instance slot and port are
// reserved before the process starts so concurrent spawns cannot overshoot
// the cap or double-allocate a port.
func (s *Supervisor) Spawn(ctx context.Context) (Process, error) {
	now := time.Now()

	s.mu.Lock()
	if len(s.procs) >= s.cfg.Pool.MaxInstances {
		s.mu.Unlock()
		return Process{}, fault.New(fault.CodeResourceExhausted,
			"engine instance cap reached (%d)", s.cfg.Pool.MaxInstances)
	}
	port, ok := s.ports.alloc()
	if !ok {
		s.mu.Unlock()
		return Process{}, fault.New(fault.CodeResourceExhausted, "no free engine ports")
	}
	id := uuid.NewString()
	entry := &procEntry{Process: Process{
		ID:           id,
		Port:         port,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActiveAt: now,
	}}
	s.procs[id] = entry
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(ctx, engine.SpawnOpts{
		Binary:  s.cfg.Engine.Binary,
		Args:    s.cfg.Engine.Args,
		Port:    port,
		WorkDir: s.cfg.Engine.WorkDir,
	})
	if err != nil {
		s.evict(id)
		return Process{}, fault.Wrap(fault.CodeSpawnFailed, err, "spawn engine process")
	}
	s.record(id, port, "spawned", "")

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.Engine.SpawnTimeout())
	err = waitReady(readyCtx, proc)
	cancel()
	if err != nil {
		proc.Kill()
		<-proc.Done()
		s.evict(id)
		s.record(id, port, "startup_failed", err.Error())
		if fault.CodeOf(err) != fault.CodeStartupTimeout {
			return Process{}, fault.Wrap(fault.CodeSpawnFailed, err, "engine exited during startup")
		}
		return Process{}, fault.Wrap(fault.CodeStartupTimeout, err,
			"engine not reachable within %s", s.cfg.Engine.SpawnTimeout())
	}

	s.mu.Lock()
	if entry.terminating {
		// Terminate or Shutdown ran while the engine was starting. The
		// entry and port are still reserved here, so clean up now.
		delete(s.procs, id)
		s.ports.release(port)
		s.mu.Unlock()
		proc.Kill()
		<-proc.Done()
		s.record(id, port, "terminated", "terminated during startup")
		return Process{}, fault.New(fault.CodeEngineUnavailable,
			"engine process %s terminated during startup", id)
	}
	entry.proc = proc
	entry.PID = proc.PID()
	entry.Status = StatusRunning
	entry.LastActiveAt = time.Now()
	snapshot := entry.Process
	s.mu.Unlock()

	s.record(id, port, "ready", "")
	fmt.Fprintf(s.out, "Engine %s ready on port %d (pid %d)\n", id, port, snapshot.PID)

	go s.watch(id, proc)

	return snapshot, nil
}

// waitReady polls the command interface until it answers, the process
// exits, or the deadline passes.
func waitReady(ctx context.Context, proc engine.Proc) error {
	for {
		pingCtx, cancel := context.WithTimeout(ctx, readyPollInterval)
		err := proc.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fault.New(fault.CodeStartupTimeout, "startup deadline passed")
		case <-proc.Done():
			return fmt.Errorf("supervisor: engine exited before becoming ready")
		case <-time.After(readyPollInterval):
		}
	}
}

// watch waits for an unexpected process exit and transitions the entry to
// terminated. Explicit Terminate removes the entry first, so this fires
// only for crashes.
func (s *Supervisor) watch(id string, proc engine.Proc) {
	<-proc.Done()

	s.mu.Lock()
	entry, ok := s.procs[id]
	if !ok || entry.terminating {
		s.mu.Unlock()
		return
	}
	entry.Status = StatusTerminated
	port := entry.Port
	delete(s.procs, id)
	s.ports.release(port)
	onExit := s.onExit
	s.mu.Unlock()

	reason := "engine process exited"
	if err := proc.ExitErr(); err != nil {
		reason = fmt.Sprintf("engine process exited: %v", err)
	}
	log.Printf("supervisor: engine %s crashed: %s", id, reason)
	s.record(id, port, "crashed", reason)
	s.alert("Engine crashed", fmt.Sprintf("Engine %s (port %d) exited unexpectedly: %s", id, port, reason))
	if onExit != nil {
		onExit(id, reason)
	}
}

// Terminate stops a process: graceful signal, bounded grace period, then
// force-kill. Idempotent; terminating an unknown or already-dead process
// succeeds.
func (s *Supervisor) Terminate(id string) error {
	s.mu.Lock()
	entry, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	entry.terminating = true
	if entry.proc == nil {
		// Spawn is still in flight. Releasing the port now could hand it
		// to another spawn while the first engine binds it; the spawn path
		// sees the flag and cleans up the entry, port and process itself.
		s.mu.Unlock()
		return nil
	}
	port := entry.Port
	proc := entry.proc
	delete(s.procs, id)
	s.ports.release(port)
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Stop(); err != nil {
			log.Printf("supervisor: stop engine %s: %v", id, err)
		}
		select {
		case <-proc.Done():
		case <-time.After(defaultStopGrace):
			if err := proc.Kill(); err != nil {
				log.Printf("supervisor: kill engine %s: %v", id, err)
			}
			<-proc.Done()
		}
	}

	s.record(id, port, "terminated", "")
	fmt.Fprintf(s.out, "Engine %s terminated (port %d released)\n", id, port)
	return nil
}

// HealthCheck probes the process's command interface with bounded retries.
// After repeated failures the process is marked error, evicted from the
// pool, and the exit callback fires so the owning session is invalidated.
func (s *Supervisor) HealthCheck(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return fault.New(fault.CodeNotFound, "engine process %s not found", id)
	}
	if entry.Status != StatusRunning {
		s.mu.Unlock()
		return fault.New(fault.CodeEngineUnavailable, "engine process %s is %s", id, entry.Status)
	}
	proc := entry.proc
	s.mu.Unlock()

	retries := s.cfg.Pool.HealthRetries
	for i := 0; i < retries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := proc.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("supervisor: health check %s: %w", id, ctx.Err())
		case <-time.After(healthRetryDelay):
		}
	}

	s.mu.Lock()
	entry, ok = s.procs[id]
	if !ok || entry.terminating {
		// Lost a race with the crash watcher or an explicit terminate;
		// either way the process is gone.
		s.mu.Unlock()
		return fault.New(fault.CodeEngineUnavailable, "engine process %s is gone", id)
	}
	entry.terminating = true
	entry.Status = StatusError
	entry.Error = "health check failed"
	port := entry.Port
	delete(s.procs, id)
	s.ports.release(port)
	onExit := s.onExit
	s.mu.Unlock()

	log.Printf("supervisor: engine %s failed %d health checks, evicting", id, retries)
	s.record(id, port, "error", "health check failed")
	s.alert("Engine unresponsive", fmt.Sprintf("Engine %s (port %d) failed %d health checks and was evicted", id, port, retries))
	go func() {
		proc.Kill()
	}()
	if onExit != nil {
		onExit(id, "health check failed")
	}
	return fault.New(fault.CodeEngineUnavailable, "engine process %s unreachable", id)
}

// Execute runs one command against a pool process with a deadline.
// Transport errors come back unwrapped so the dispatcher can decide to
// health-check; deadline expiry maps to CommandTimeout.
func (s *Supervisor) Execute(ctx context.Context, id, command string, timeout time.Duration) (*engine.Response, error) {
	s.mu.Lock()
	entry, ok := s.procs[id]
	if !ok || entry.Status != StatusRunning {
		s.mu.Unlock()
		return nil, fault.New(fault.CodeEngineUnavailable, "engine process %s is not running", id)
	}
	proc := entry.proc
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.cfg.Engine.CommandTimeout()
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := proc.Execute(cmdCtx, command)
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			// The engine may still apply the command; it has no cancel
			// primitive.
			return nil, fault.Wrap(fault.CodeCommandTimeout, err,
				"command exceeded %s", timeout)
		}
		return nil, fmt.Errorf("supervisor: execute on %s: %w", id, err)
	}
	return resp, nil
}

// Touch refreshes the activity timestamp used by the idle sweep.
func (s *Supervisor) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.procs[id]; ok {
		entry.LastActiveAt = time.Now()
	}
}

// Get returns a snapshot of one pool entry.
func (s *Supervisor) Get(id string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.procs[id]
	if !ok {
		return Process{}, fault.New(fault.CodeNotFound, "engine process %s not found", id)
	}
	return entry.Process, nil
}

// ListActive returns a snapshot of all live pool entries, oldest first.
func (s *Supervisor) ListActive() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Process, 0, len(s.procs))
	for _, entry := range s.procs {
		out = append(out, entry.Process)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CountActive returns the number of live pool entries.
func (s *Supervisor) CountActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// SweepIdle terminates processes whose last activity is older than
// threshold, releasing their ports. Returns the number terminated.
func (s *Supervisor) SweepIdle(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	s.mu.Lock()
	var stale []string
	for id, entry := range s.procs {
		if entry.Status == StatusRunning && entry.LastActiveAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	onExit := s.onExit
	s.mu.Unlock()

	for _, id := range stale {
		fmt.Fprintf(s.out, "Idle sweep: terminating engine %s\n", id)
		if err := s.Terminate(id); err != nil {
			log.Printf("supervisor: idle sweep terminate %s: %v", id, err)
			continue
		}
		s.record(id, 0, "swept", "idle threshold exceeded")
		if onExit != nil {
			onExit(id, "idle sweep")
		}
	}
	return len(stale)
}

// Shutdown terminates every live process.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Terminate(id); err != nil {
			log.Printf("supervisor: shutdown terminate %s: %v", id, err)
		}
	}
}

// evict removes a failed spawn attempt and releases its port.
func (s *Supervisor) evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.procs[id]; ok {
		delete(s.procs, id)
		s.ports.release(entry.Port)
	}
}

// record writes a lifecycle event to the history store, if one is wired.
func (s *Supervisor) record(processID string, port int, event, detail string) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordProcessEvent(processID, port, event, detail)
}

// alert sends an operator notification, if a notifier is wired.
func (s *Supervisor) alert(subject, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Alert(ctx, subject, body); err != nil {
		log.Printf("supervisor: alert: %v", err)
	}
}
