package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeMockEngine creates a shell script in dir that stands in for the
// engine binary.
func writeMockEngine(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "vizserve")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("write mock engine: %v", err)
	}
	return path
}

func TestExecSpawner_MissingBinary(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(context.Background(), SpawnOpts{Port: 9600})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestExecSpawner_MissingPort(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(context.Background(), SpawnOpts{Binary: "/bin/true"})
	if err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestExecSpawner_NonexecutableBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vizserve")
	if err := os.WriteFile(path, []byte("not a binary"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := ExecSpawner{}.Spawn(context.Background(), SpawnOpts{Binary: path, Port: 9600})
	if err == nil {
		t.Fatal("expected error for non-executable binary")
	}
}

func TestExecSpawner_ExitDetection(t *testing.T) {
	dir := t.TempDir()
	binary := writeMockEngine(t, dir, "exit 0")

	proc, err := ExecSpawner{}.Spawn(context.Background(), SpawnOpts{
		Binary:  binary,
		Port:    9600,
		WorkDir: dir,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after process exit")
	}
	if err := proc.ExitErr(); err != nil {
		t.Errorf("ExitErr = %v, want nil for clean exit", err)
	}
}

func TestExecSpawner_ExitErrOnFailure(t *testing.T) {
	dir := t.TempDir()
	binary := writeMockEngine(t, dir, "exit 3")

	proc, err := ExecSpawner{}.Spawn(context.Background(), SpawnOpts{
		Binary: binary,
		Port:   9600,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after process exit")
	}
	if err := proc.ExitErr(); err == nil {
		t.Error("ExitErr = nil, want exit status 3")
	}
}

func TestExecSpawner_StopTerminatesProcess(t *testing.T) {
	dir := t.TempDir()
	binary := writeMockEngine(t, dir, "sleep 60")

	proc, err := ExecSpawner{}.Spawn(context.Background(), SpawnOpts{
		Binary: binary,
		Port:   9600,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer proc.Kill()

	if proc.PID() <= 0 {
		t.Errorf("PID = %d, want positive", proc.PID())
	}

	if err := proc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Stop")
	}

	// Idempotent after exit.
	if err := proc.Stop(); err != nil {
		t.Errorf("Stop after exit: %v", err)
	}
}

func TestExecSpawner_KillTerminatesProcess(t *testing.T) {
	dir := t.TempDir()
	// Trap TERM so only SIGKILL can end it.
	binary := writeMockEngine(t, dir, "trap '' TERM\nsleep 60")

	proc, err := ExecSpawner{}.Spawn(context.Background(), SpawnOpts{
		Binary: binary,
		Port:   9600,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Kill")
	}

	if err := proc.Kill(); err != nil {
		t.Errorf("Kill after exit: %v", err)
	}
}
