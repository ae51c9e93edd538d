package worktree

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/gitrepo"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
)

// fakeSandbox emulates the git/tmux surface of a sandbox for exec calls.
type fakeSandbox struct {
	mu sync.Mutex

	bare         string
	mountMissing bool
	readonly     bool

	branches           []string
	branchesAfterFetch []string
	worktrees          map[string]string // path -> branch
	dirs               map[string]bool   // plain directories blocking paths

	fetchCalls int
	addCalls   int
	addErr     string // forced stderr for worktree add
}

func newFakeSandbox(envID string, branches ...string) *fakeSandbox {
	return &fakeSandbox{
		bare:      gitrepo.SandboxPath(envID),
		branches:  branches,
		worktrees: make(map[string]string),
		dirs:      make(map[string]bool),
	}
}

func (f *fakeSandbox) Exec(ctx context.Context, sandboxID string, cmd []string, opts docker.ExecOptions) (*docker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ok := &docker.ExecResult{ExitCode: 0}
	fail := func(stderr string) *docker.ExecResult {
		return &docker.ExecResult{ExitCode: 1, Stderr: stderr}
	}

	switch cmd[0] {
	case "test":
		path := cmd[2]
		if path == f.bare {
			if f.mountMissing {
				return fail(""), nil
			}
			return ok, nil
		}
		if _, exists := f.worktrees[path]; exists || f.dirs[path] {
			return ok, nil
		}
		return fail(""), nil

	case "sh":
		if f.readonly {
			return fail("touch: cannot touch '" + f.bare + "/.write-probe': Read-only file system"), nil
		}
		return ok, nil

	case "git":
		dir := cmd[2]
		rest := cmd[3:]
		if dir == f.bare {
			return f.gitInBare(rest, ok, fail)
		}
		return f.gitInWorktree(dir, rest, ok, fail)
	}
	return nil, fmt.Errorf("fake sandbox: unexpected command %v", cmd)
}

func (f *fakeSandbox) gitInBare(args []string, ok *docker.ExecResult, fail func(string) *docker.ExecResult) (*docker.ExecResult, error) {
	switch args[0] {
	case "for-each-ref":
		return &docker.ExecResult{Stdout: strings.Join(f.branches, "\n")}, nil
	case "fetch":
		f.fetchCalls++
		if f.branchesAfterFetch != nil {
			f.branches = f.branchesAfterFetch
		}
		return ok, nil
	case "worktree":
		switch args[1] {
		case "add":
			f.addCalls++
			if f.addErr != "" {
				return fail(f.addErr), nil
			}
			if args[2] == "-b" {
				branch, path := args[3], args[4]
				f.branches = append(f.branches, branch)
				f.worktrees[path] = branch
			} else {
				path, branch := args[2], args[3]
				f.worktrees[path] = branch
			}
			return ok, nil
		case "remove":
			delete(f.worktrees, args[3])
			return ok, nil
		case "prune":
			return ok, nil
		case "list":
			var b strings.Builder
			fmt.Fprintf(&b, "worktree %s\nbare\n\n", f.bare)
			for path, branch := range f.worktrees {
				fmt.Fprintf(&b, "worktree %s\nHEAD abc\nbranch refs/heads/%s\n\n", path, branch)
			}
			return &docker.ExecResult{Stdout: b.String()}, nil
		}
	}
	return nil, fmt.Errorf("fake sandbox: unexpected git args %v", args)
}

func (f *fakeSandbox) gitInWorktree(dir string, args []string, ok *docker.ExecResult, fail func(string) *docker.ExecResult) (*docker.ExecResult, error) {
	branch, isWorktree := f.worktrees[dir]
	switch args[0] {
	case "rev-parse":
		if !isWorktree {
			return &docker.ExecResult{ExitCode: 128, Stderr: "fatal: not a git repository"}, nil
		}
		return &docker.ExecResult{Stdout: "true\n"}, nil
	case "symbolic-ref":
		if !isWorktree {
			return fail("fatal: not a git repository"), nil
		}
		return &docker.ExecResult{Stdout: branch + "\n"}, nil
	}
	return nil, fmt.Errorf("fake sandbox: unexpected git args %v in %s", args, dir)
}

func testManager(t *testing.T, fake *fakeSandbox) *Manager {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewManager(fake, 10*time.Second, log)
}

func testEnv() *store.Environment {
	return &store.Environment{
		ID:            "env-1",
		UserID:        "user-1",
		Name:          "demo",
		RepositoryURL: "https://example.com/r.git",
		DefaultBranch: "main",
	}
}

func TestEnsureWorktree_CreatesDefaultBranchAtWorkspaceRoot(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	m := testManager(t, fake)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/workspace" {
		t.Errorf("expected /workspace, got %s", path)
	}
	if fake.addCalls != 1 {
		t.Errorf("expected 1 worktree add, got %d", fake.addCalls)
	}
}

func TestEnsureWorktree_Idempotent(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	m := testManager(t, fake)
	env := testEnv()

	first, err := m.EnsureWorktree(context.Background(), env, "main", "sb-1")
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, err := m.EnsureWorktree(context.Background(), env, "main", "sb-1")
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}

	if first != second {
		t.Errorf("expected same path, got %s and %s", first, second)
	}
	if fake.addCalls != 1 {
		t.Errorf("second call must not create again; adds = %d", fake.addCalls)
	}
}

func TestEnsureWorktree_NewBranchForkedFromDefault(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	m := testManager(t, fake)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "feature/login", "sb-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/workspace/feature-login" {
		t.Errorf("expected slugged path, got %s", path)
	}
	if got := fake.worktrees[path]; got != "feature/login" {
		t.Errorf("worktree holds branch %q", got)
	}
}

func TestEnsureWorktree_MountMissing(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	fake.mountMissing = true
	m := testManager(t, fake)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb-1")
	if !apperrors.IsCode(err, apperrors.CodeMountMissing) {
		t.Errorf("expected mount-missing, got %v", err)
	}
}

func TestEnsureWorktree_ReadonlyMountFailsFast(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	fake.readonly = true
	m := testManager(t, fake)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb-1")
	if !apperrors.IsCode(err, apperrors.CodeReadonlyMount) {
		t.Fatalf("expected readonly-mount, got %v", err)
	}
	if !apperrors.IsKind(err, apperrors.KindInvariant) {
		t.Errorf("readonly-mount must be an invariant violation")
	}
	if !strings.Contains(err.Error(), "/data/repos/env-1") {
		t.Errorf("diagnostic must name the path: %v", err)
	}
	if fake.addCalls != 0 {
		t.Errorf("no worktree creation may happen after a failed probe")
	}
}

func TestEnsureWorktree_EmptyRepoFetchesOnceThenFails(t *testing.T) {
	fake := newFakeSandbox("env-1")
	m := testManager(t, fake)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb-1")
	if !apperrors.IsCode(err, apperrors.CodeNoBranchesAvailable) {
		t.Fatalf("expected no-branches-available, got %v", err)
	}
	if fake.fetchCalls != 1 {
		t.Errorf("expected exactly one fetch attempt, got %d", fake.fetchCalls)
	}
}

func TestEnsureWorktree_EmptyRepoRecoversAfterFetch(t *testing.T) {
	fake := newFakeSandbox("env-1")
	fake.branchesAfterFetch = []string{"main"}
	m := testManager(t, fake)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/workspace" {
		t.Errorf("expected /workspace, got %s", path)
	}
}

func TestEnsureWorktree_NoSpaceClassifiedAsResource(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	fake.addErr = "fatal: could not create work tree dir: No space left on device"
	m := testManager(t, fake)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb-1")
	if !apperrors.IsKind(err, apperrors.KindResource) {
		t.Errorf("expected resource error, got %v", err)
	}
}

func TestEnsureWorktree_PathOccupiedByForeignDirectory(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	fake.dirs["/workspace"] = true
	fake.addErr = "fatal: '/workspace' already exists"
	m := testManager(t, fake)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb-1")
	if !apperrors.IsCode(err, apperrors.CodePathOccupied) {
		t.Errorf("expected path-occupied, got %v", err)
	}
}

func TestEnsureWorktree_ConcurrentCallersOneWinner(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	m := testManager(t, fake)
	env := testEnv()

	var wg sync.WaitGroup
	paths := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = m.EnsureWorktree(context.Background(), env, "main", "sb-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
	}
	if paths[0] != paths[1] {
		t.Errorf("callers got different paths: %s vs %s", paths[0], paths[1])
	}
	if fake.addCalls != 1 {
		t.Errorf("expected one creation and one idempotent success, adds = %d", fake.addCalls)
	}
}

func TestPrune_RemovesWorktree(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	fake.worktrees["/workspace/feature-x"] = "feature/x"
	m := testManager(t, fake)

	if err := m.Prune(context.Background(), "env-1", "sb-1", "/workspace/feature-x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, exists := fake.worktrees["/workspace/feature-x"]; exists {
		t.Error("worktree still present after prune")
	}
}

func TestList_SkipsBareEntry(t *testing.T) {
	fake := newFakeSandbox("env-1", "main")
	fake.worktrees["/workspace"] = "main"
	m := testManager(t, fake)

	trees, err := m.List(context.Background(), "env-1", "sb-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trees) != 1 || trees[0].Path != "/workspace" || trees[0].Branch != "main" {
		t.Errorf("unexpected worktrees: %+v", trees)
	}
}
