// Package engine spawns and talks to headless visualization engine
// processes. Each instance listens on its own TCP port and speaks a
// newline-delimited JSON command protocol: a request carries a free-form
// command string, a response carries a success flag plus either a data
// payload or an error string.
package engine

import "context"

// Response is the engine's answer to a single command.
type Response struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SpawnOpts holds parameters for launching one engine instance.
type SpawnOpts struct {
	Binary  string   // path to the engine executable
	Args    []string // extra flags appended after the fixed headless flags
	Port    int      // command interface port assigned by the supervisor
	WorkDir string   // working directory for the subprocess
}

// Proc is a handle to a running engine instance. The supervisor owns the
// lifecycle; everything else only executes commands through it.
type Proc interface {
	// PID returns the OS process id.
	PID() int
	// Execute sends one command and waits for the response. The context
	// deadline bounds the call; the engine-side effect is not cancelled on
	// timeout.
	Execute(ctx context.Context, command string) (*Response, error)
	// Ping probes the command interface.
	Ping(ctx context.Context) error
	// Stop asks the process to exit gracefully (SIGTERM to its group).
	Stop() error
	// Kill force-terminates the process group.
	Kill() error
	// Done returns a channel that closes when the process exits.
	Done() <-chan struct{}
	// ExitErr returns the process exit error once Done is closed.
	ExitErr() error
}

// Spawner abstracts process creation so the supervisor can be tested
// without real engine binaries.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOpts) (Proc, error)
}
