package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ExecSpawner implements Spawner by launching real engine subprocesses.
type ExecSpawner struct{}

// headlessArgs are the fixed startup flags. The engine must never open a
// display; --port binds its command interface.
func headlessArgs(port int) []string {
	return []string{
		"--headless",
		"--offscreen",
		"--port", strconv.Itoa(port),
	}
}

// Spawn starts an engine subprocess. The returned Proc is alive but not
// necessarily ready; callers gate on Ping until it answers.
func (ExecSpawner) Spawn(ctx context.Context, opts SpawnOpts) (Proc, error) {
	if opts.Binary == "" {
		return nil, fmt.Errorf("engine: binary is required")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("engine: port is required")
	}

	args := append(headlessArgs(opts.Port), opts.Args...)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, opts.Binary, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	// Use a process group so SIGTERM reaches the whole tree (the engine
	// forks render helpers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("engine: start %s: %w", opts.Binary, err)
	}

	p := &execProc{
		cmd:    cmd,
		cancel: cancel,
		client: NewClient(opts.Port),
		doneCh: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.doneCh)
	}()

	return p, nil
}

// execProc wraps a running engine subprocess and its command client.
type execProc struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	client *Client
	doneCh chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProc) PID() int { return p.cmd.Process.Pid }

func (p *execProc) Execute(ctx context.Context, command string) (*Response, error) {
	return p.client.Execute(ctx, command)
}

func (p *execProc) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Stop sends SIGTERM to the process group. Safe to call after exit.
func (p *execProc) Stop() error {
	select {
	case <-p.doneCh:
		return nil
	default:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("engine: stop pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// Kill force-terminates the process group. Safe to call after exit.
func (p *execProc) Kill() error {
	defer p.cancel()
	select {
	case <-p.doneCh:
		return nil
	default:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("engine: kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *execProc) Done() <-chan struct{} { return p.doneCh }

func (p *execProc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
