package terminal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
)

type fakeDriver struct {
	mu         sync.Mutex
	sessions   map[string]bool
	workdirs   map[string]string
	stopped    bool
	startFails bool
	startCalls int
	spawnCalls int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		sessions: make(map[string]bool),
		workdirs: make(map[string]string),
	}
}

func (f *fakeDriver) Exec(ctx context.Context, sandboxID string, cmd []string, opts docker.ExecOptions) (*docker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return nil, fmt.Errorf("container %s is not running", sandboxID)
	}
	if cmd[0] != "tmux" {
		return nil, fmt.Errorf("fake driver: unexpected command %v", cmd)
	}

	switch cmd[1] {
	case "has-session":
		name := strings.TrimPrefix(cmd[3], "=")
		if f.sessions[name] {
			return &docker.ExecResult{}, nil
		}
		return &docker.ExecResult{ExitCode: 1, Stderr: "can't find session: " + name}, nil
	case "new-session":
		f.spawnCalls++
		name, workdir := cmd[4], cmd[6]
		f.sessions[name] = true
		f.workdirs[name] = workdir
		return &docker.ExecResult{}, nil
	case "kill-session":
		name := strings.TrimPrefix(cmd[3], "=")
		if !f.sessions[name] {
			return &docker.ExecResult{ExitCode: 1, Stderr: "can't find session: " + name}, nil
		}
		delete(f.sessions, name)
		return &docker.ExecResult{}, nil
	case "display-message":
		name := strings.TrimPrefix(cmd[4], "=")
		if !f.sessions[name] {
			return &docker.ExecResult{ExitCode: 1, Stderr: "can't find session: " + name}, nil
		}
		return &docker.ExecResult{Stdout: "1700000000 1\n"}, nil
	}
	return nil, fmt.Errorf("fake driver: unexpected tmux subcommand %v", cmd)
}

func (f *fakeDriver) AttachPTY(ctx context.Context, sandboxID string, cmd []string, cols, rows uint) (PTYConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil, fmt.Errorf("container %s is not running", sandboxID)
	}
	return &fakePTY{}, nil
}

func (f *fakeDriver) StartSandbox(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startFails {
		return fmt.Errorf("cannot start %s", sandboxID)
	}
	f.stopped = false
	return nil
}

func testBroker(t *testing.T, driver Driver) *Broker {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewBroker(driver, log)
}

func testSession() *store.Session {
	return &store.Session{
		ID:               "sess-1",
		EnvironmentID:    "env-1",
		TmuxSession:      "craft-sess1",
		WorkingDirectory: "/workspace",
	}
}

func TestBroker_OpenSpawnsMissingSession(t *testing.T) {
	driver := newFakeDriver()
	b := testBroker(t, driver)

	stream, err := b.Open(context.Background(), testSession(), "sb-1", 80, 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	if driver.spawnCalls != 1 {
		t.Errorf("expected one spawn, got %d", driver.spawnCalls)
	}
	if driver.workdirs["craft-sess1"] != "/workspace" {
		t.Errorf("session spawned in wrong workdir: %q", driver.workdirs["craft-sess1"])
	}
}

func TestBroker_OpenReattachesWithoutSpawn(t *testing.T) {
	driver := newFakeDriver()
	driver.sessions["craft-sess1"] = true
	b := testBroker(t, driver)

	stream, err := b.Open(context.Background(), testSession(), "sb-1", 80, 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	if driver.spawnCalls != 0 {
		t.Errorf("existing session must not be respawned; spawns = %d", driver.spawnCalls)
	}
}

func TestBroker_OpenStartsStoppedSandboxOnce(t *testing.T) {
	driver := newFakeDriver()
	driver.stopped = true
	b := testBroker(t, driver)

	stream, err := b.Open(context.Background(), testSession(), "sb-1", 80, 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	if driver.startCalls != 1 {
		t.Errorf("expected one start attempt, got %d", driver.startCalls)
	}
}

func TestBroker_OpenUnreachableAfterStartFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.stopped = true
	driver.startFails = true
	b := testBroker(t, driver)

	_, err := b.Open(context.Background(), testSession(), "sb-1", 80, 24)
	if !apperrors.IsCode(err, apperrors.CodeSandboxUnreachable) {
		t.Errorf("expected sandbox-unreachable, got %v", err)
	}
}

func TestBroker_KillToleratesMissingSession(t *testing.T) {
	driver := newFakeDriver()
	b := testBroker(t, driver)

	if err := b.Kill(context.Background(), "sb-1", "craft-gone"); err != nil {
		t.Errorf("killing a missing session must not error: %v", err)
	}
}

func TestBroker_Inspect(t *testing.T) {
	driver := newFakeDriver()
	driver.sessions["craft-sess1"] = true
	b := testBroker(t, driver)

	state, err := b.Inspect(context.Background(), "sb-1", "craft-sess1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.Exists || state.Attached != 1 {
		t.Errorf("unexpected state: %+v", state)
	}

	state, err = b.Inspect(context.Background(), "sb-1", "craft-gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Exists {
		t.Error("missing session reported as existing")
	}
}
