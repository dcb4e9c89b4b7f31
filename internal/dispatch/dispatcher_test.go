package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/avendel/stagehand/internal/engine"
	"github.com/avendel/stagehand/internal/fault"
)

// fakeSessions resolves every session to one process id.
type fakeSessions struct {
	processID  string
	touchErr   error
	resolveErr error
	touched    int
}

func (s *fakeSessions) Touch(id string) error {
	s.touched++
	return s.touchErr
}

func (s *fakeSessions) Resolve(id string) (string, error) {
	if s.resolveErr != nil {
		return "", s.resolveErr
	}
	return s.processID, nil
}

// fakeExecutor scripts responses per wire command.
type fakeExecutor struct {
	execFn    func(command string) (*engine.Response, error)
	healthErr error
	executed  []string
	checked   int
}

func (e *fakeExecutor) Execute(ctx context.Context, processID, command string, timeout time.Duration) (*engine.Response, error) {
	e.executed = append(e.executed, command)
	if e.execFn != nil {
		return e.execFn(command)
	}
	return &engine.Response{Success: true, Data: "ok"}, nil
}

func (e *fakeExecutor) HealthCheck(ctx context.Context, processID string) error {
	e.checked++
	return e.healthErr
}

func newTestDispatcher(t *testing.T, sessions *fakeSessions, procs *fakeExecutor) *Dispatcher {
	t.Helper()
	d, err := New(sessions, procs, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestExecute_Success(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{}
	d := newTestDispatcher(t, sessions, procs)

	res, err := d.Execute(context.Background(), "sess-1", Command{Kind: KindStyle, Preset: "cartoon"}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.Command != "style preset=cartoon" {
		t.Errorf("Command = %q, want wire text", res.Command)
	}
	if sessions.touched != 1 {
		t.Errorf("touched %d times, want 1", sessions.touched)
	}
	if len(procs.executed) != 1 || procs.executed[0] != "style preset=cartoon" {
		t.Errorf("executed = %v", procs.executed)
	}
}

func TestExecute_InvalidCommand(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{}
	d := newTestDispatcher(t, sessions, procs)

	_, err := d.Execute(context.Background(), "sess-1", Command{Kind: KindLoad}, 0)
	if fault.CodeOf(err) != fault.CodeInvalidCommand {
		t.Errorf("code = %q, want INVALID_COMMAND", fault.CodeOf(err))
	}
	if len(procs.executed) != 0 {
		t.Error("invalid command reached the executor")
	}
}

func TestExecute_SessionNotFound(t *testing.T) {
	sessions := &fakeSessions{touchErr: fault.New(fault.CodeNotFound, "session missing not found")}
	procs := &fakeExecutor{}
	d := newTestDispatcher(t, sessions, procs)

	_, err := d.Execute(context.Background(), "missing", Raw("status"), 0)
	if fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("code = %q, want NOT_FOUND", fault.CodeOf(err))
	}
}

func TestExecute_SessionNotReady(t *testing.T) {
	sessions := &fakeSessions{resolveErr: fault.New(fault.CodeSessionNotReady, "session sess-1 is error")}
	procs := &fakeExecutor{}
	d := newTestDispatcher(t, sessions, procs)

	_, err := d.Execute(context.Background(), "sess-1", Raw("status"), 0)
	if fault.CodeOf(err) != fault.CodeSessionNotReady {
		t.Errorf("code = %q, want SESSION_NOT_READY", fault.CodeOf(err))
	}
	if len(procs.executed) != 0 {
		t.Error("command reached the executor for an unready session")
	}
}

func TestExecute_TimeoutPassesThrough(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{
		execFn: func(string) (*engine.Response, error) {
			return nil, fault.New(fault.CodeCommandTimeout, "command timed out after 1s")
		},
	}
	d := newTestDispatcher(t, sessions, procs)

	_, err := d.Execute(context.Background(), "sess-1", Raw("render"), 0)
	if fault.CodeOf(err) != fault.CodeCommandTimeout {
		t.Errorf("code = %q, want COMMAND_TIMEOUT", fault.CodeOf(err))
	}
	if procs.checked != 0 {
		t.Error("health check ran on a timeout")
	}
}

func TestExecute_TransportFailureDeadEngine(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{
		execFn: func(string) (*engine.Response, error) {
			return nil, fmt.Errorf("dial tcp 127.0.0.1:9600: connection refused")
		},
		healthErr: fault.New(fault.CodeEngineUnavailable, "process proc-1 failed health check"),
	}
	d := newTestDispatcher(t, sessions, procs)

	_, err := d.Execute(context.Background(), "sess-1", Raw("status"), 0)
	if fault.CodeOf(err) != fault.CodeEngineUnavailable {
		t.Errorf("code = %q, want ENGINE_UNAVAILABLE", fault.CodeOf(err))
	}
	if procs.checked != 1 {
		t.Errorf("health checks = %d, want 1", procs.checked)
	}
}

func TestExecute_TransportFailureEngineAlive(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{
		execFn: func(string) (*engine.Response, error) {
			return nil, fmt.Errorf("read tcp: connection reset by peer")
		},
	}
	d := newTestDispatcher(t, sessions, procs)

	_, err := d.Execute(context.Background(), "sess-1", Raw("status"), 0)
	if err == nil {
		t.Fatal("expected error")
	}
	// Engine passed its health check, so the failure is not blamed on it.
	if fault.CodeOf(err) == fault.CodeEngineUnavailable {
		t.Error("healthy engine reported as unavailable")
	}
	if procs.checked != 1 {
		t.Errorf("health checks = %d, want 1", procs.checked)
	}
}

func TestExecute_EngineReportedFailure(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{
		execFn: func(string) (*engine.Response, error) {
			return &engine.Response{Success: false, Error: "no structure loaded"}, nil
		},
	}
	d := newTestDispatcher(t, sessions, procs)

	res, err := d.Execute(context.Background(), "sess-1", Raw("capture"), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.Error != "no structure loaded" {
		t.Errorf("Error = %q, want engine message", res.Error)
	}
}

func TestExecuteSequence_Order(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{}
	d := newTestDispatcher(t, sessions, procs)

	cmds := []Command{
		{Kind: KindLoad, Path: "/data/model.pdb"},
		{Kind: KindStyle, Preset: "surface"},
		{Kind: KindBackground, Color: "#000000"},
	}
	results, err := d.ExecuteSequence(context.Background(), "sess-1", cmds, false)
	if err != nil {
		t.Fatalf("ExecuteSequence: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	want := []string{
		"load path=/data/model.pdb",
		"style preset=surface",
		"background color=#000000",
	}
	for i, w := range want {
		if procs.executed[i] != w {
			t.Errorf("executed[%d] = %q, want %q", i, procs.executed[i], w)
		}
	}
}

func TestExecuteSequence_StopsOnEngineFailure(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{
		execFn: func(command string) (*engine.Response, error) {
			if command == "style preset=bad" {
				return &engine.Response{Success: false, Error: "unknown preset"}, nil
			}
			return &engine.Response{Success: true}, nil
		},
	}
	d := newTestDispatcher(t, sessions, procs)

	cmds := []Command{
		{Kind: KindLoad, Path: "/data/model.pdb"},
		{Kind: KindStyle, Preset: "bad"},
		{Kind: KindBackground, Color: "#000000"},
	}
	results, err := d.ExecuteSequence(context.Background(), "sess-1", cmds, false)
	if err != nil {
		t.Fatalf("ExecuteSequence: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (stopped at failure)", len(results))
	}
	if results[1].Success {
		t.Error("results[1].Success = true, want false")
	}
	if len(procs.executed) != 2 {
		t.Errorf("executed %d commands, want 2", len(procs.executed))
	}
}

func TestExecuteSequence_ContinueOnError(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{
		execFn: func(command string) (*engine.Response, error) {
			if command == "style preset=bad" {
				return &engine.Response{Success: false, Error: "unknown preset"}, nil
			}
			return &engine.Response{Success: true}, nil
		},
	}
	d := newTestDispatcher(t, sessions, procs)

	cmds := []Command{
		{Kind: KindStyle, Preset: "bad"},
		{Kind: KindBackground, Color: "#000000"},
	}
	results, err := d.ExecuteSequence(context.Background(), "sess-1", cmds, true)
	if err != nil {
		t.Fatalf("ExecuteSequence: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Success || !results[1].Success {
		t.Errorf("results = %+v, want failure then success", results)
	}
}

func TestExecuteSequence_SessionFaultAborts(t *testing.T) {
	sessions := &fakeSessions{processID: "proc-1"}
	procs := &fakeExecutor{
		execFn: func(string) (*engine.Response, error) {
			return nil, fault.New(fault.CodeCommandTimeout, "command timed out after 1s")
		},
	}
	d := newTestDispatcher(t, sessions, procs)

	cmds := []Command{
		{Kind: KindLoad, Path: "/data/model.pdb"},
		{Kind: KindStyle, Preset: "surface"},
	}
	results, err := d.ExecuteSequence(context.Background(), "sess-1", cmds, true)
	if fault.CodeOf(err) != fault.CodeCommandTimeout {
		t.Errorf("code = %q, want COMMAND_TIMEOUT", fault.CodeOf(err))
	}
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
	if len(procs.executed) != 1 {
		t.Errorf("executed %d commands, want 1 (aborted)", len(procs.executed))
	}
}
