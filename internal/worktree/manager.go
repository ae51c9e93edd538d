// Package worktree reconciles in-sandbox working trees against the
// (branch, session) desired state. Every step runs through the sandbox
// driver inside the target sandbox.
package worktree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/keyedmutex"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/gitrepo"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
)

// WorkspaceRoot is the worktree path for the branch bound at sandbox start.
// Additional branches check out under WorkspaceRoot/<slug(branch)>.
const WorkspaceRoot = "/workspace"

// Executor runs commands inside a sandbox. Satisfied by the docker client.
type Executor interface {
	Exec(ctx context.Context, sandboxID string, cmd []string, opts docker.ExecOptions) (*docker.ExecResult, error)
}

// Info describes one worktree reported by the bare repo.
type Info struct {
	Path   string
	Branch string
}

// Manager materializes branch worktrees inside sandboxes.
type Manager struct {
	exec    Executor
	locks   *keyedmutex.KeyedMutex
	timeout time.Duration
	logger  *logger.Logger
}

// NewManager creates a worktree manager.
func NewManager(exec Executor, timeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		exec:    exec,
		locks:   keyedmutex.New(),
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "worktree-manager")),
	}
}

// EnsureWorktree converges the sandbox to holding a usable worktree for the
// branch and returns its in-sandbox path. Serialized per (env, branch):
// two concurrent callers observe one winner plus one idempotent success.
func (m *Manager) EnsureWorktree(ctx context.Context, env *store.Environment, branch, sandboxID string) (string, error) {
	key := env.ID + "\x00" + branch
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	barePath := gitrepo.SandboxPath(env.ID)

	// Step 1: the bare repo must be mounted.
	if err := m.verifyMount(ctx, sandboxID, barePath); err != nil {
		return "", err
	}

	// Step 2: the mount must be writable. git writes metadata under
	// <bare>/worktrees when a worktree is added.
	if err := m.verifyWritable(ctx, sandboxID, barePath); err != nil {
		return "", err
	}

	// Step 3: pick the canonical path for this branch.
	path, err := m.selectPath(ctx, env, branch, sandboxID)
	if err != nil {
		return "", err
	}

	// Step 4: idempotent success if the worktree is already there.
	if m.isWorktreeFor(ctx, sandboxID, path, branch) {
		return path, nil
	}

	// Step 5: the bare repo must have at least one branch. A brand-new
	// empty upstream gets one fetch before we give up.
	branches, err := m.listBranches(ctx, sandboxID, barePath)
	if err != nil {
		return "", err
	}
	if len(branches) == 0 {
		if err := m.fetch(ctx, sandboxID, barePath); err != nil {
			return "", err
		}
		if branches, err = m.listBranches(ctx, sandboxID, barePath); err != nil {
			return "", err
		}
		if len(branches) == 0 {
			return "", &apperrors.AppError{
				Kind:       apperrors.KindState,
				Code:       apperrors.CodeNoBranchesAvailable,
				Message:    fmt.Sprintf("repository for environment %s has no branches; push to the upstream and retry", env.ID),
				HTTPStatus: 500,
			}
		}
	}

	// Step 6: create the worktree.
	if err := m.addWorktree(ctx, env, sandboxID, barePath, path, branch, branches); err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-creation: best-effort prune so the sandbox is
			// left fully absent rather than half-created.
			m.bestEffortPrune(sandboxID, barePath, path)
		}
		return "", err
	}

	// Step 7: verify the result.
	if !m.isWorktreeFor(ctx, sandboxID, path, branch) {
		return "", &apperrors.AppError{
			Kind:       apperrors.KindRuntime,
			Code:       apperrors.CodeWorktreeCreationFailed,
			Message:    fmt.Sprintf("worktree at %s did not verify after creation", path),
			HTTPStatus: 500,
		}
	}

	m.logger.Info("worktree created",
		zap.String("environment_id", env.ID),
		zap.String("branch", branch),
		zap.String("path", path),
	)
	return path, nil
}

// Prune removes a worktree and its registration in the bare repo. Called on
// session deletion and by the reaper for dangling or corrupt trees.
func (m *Manager) Prune(ctx context.Context, envID, sandboxID, path string) error {
	barePath := gitrepo.SandboxPath(envID)

	res, err := m.exec.Exec(ctx, sandboxID,
		[]string{"git", "-C", barePath, "worktree", "remove", "--force", path},
		docker.ExecOptions{})
	if err != nil {
		return err
	}
	if !res.Ok() {
		// Registration may already be gone; clear leftovers directly.
		if _, err := m.exec.Exec(ctx, sandboxID,
			[]string{"git", "-C", barePath, "worktree", "prune"}, docker.ExecOptions{}); err != nil {
			return err
		}
		if _, err := m.exec.Exec(ctx, sandboxID,
			[]string{"rm", "-rf", path}, docker.ExecOptions{}); err != nil {
			return err
		}
	}

	m.logger.Info("worktree pruned",
		zap.String("environment_id", envID),
		zap.String("path", path),
	)
	return nil
}

// List reports the worktrees registered in the environment's bare repo.
func (m *Manager) List(ctx context.Context, envID, sandboxID string) ([]Info, error) {
	barePath := gitrepo.SandboxPath(envID)
	res, err := m.exec.Exec(ctx, sandboxID,
		[]string{"git", "-C", barePath, "worktree", "list", "--porcelain"},
		docker.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, apperrors.Runtime("failed to list worktrees: "+res.CombinedOutput(), nil)
	}
	return parseWorktreeList(res.Stdout, barePath), nil
}

// parseWorktreeList parses `git worktree list --porcelain`, skipping the
// bare repo entry itself.
func parseWorktreeList(out, barePath string) []Info {
	var result []Info
	var current Info
	flush := func() {
		if current.Path != "" && current.Path != barePath {
			result = append(result, current)
		}
		current = Info{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return result
}

func (m *Manager) verifyMount(ctx context.Context, sandboxID, barePath string) error {
	res, err := m.exec.Exec(ctx, sandboxID, []string{"test", "-d", barePath}, docker.ExecOptions{})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return apperrors.Invariant(apperrors.CodeMountMissing,
			fmt.Sprintf("bare repository mount missing at %s", barePath))
	}
	return nil
}

func (m *Manager) verifyWritable(ctx context.Context, sandboxID, barePath string) error {
	probe := barePath + "/.write-probe"
	res, err := m.exec.Exec(ctx, sandboxID,
		[]string{"sh", "-c", fmt.Sprintf("touch %s && rm -f %s", probe, probe)},
		docker.ExecOptions{})
	if err != nil {
		return err
	}
	if res.Ok() {
		return nil
	}
	if isReadonlyFS(res.CombinedOutput()) {
		return apperrors.Invariant(apperrors.CodeReadonlyMount,
			fmt.Sprintf("%s mounted read-only; worktrees require rw", barePath))
	}
	return apperrors.Runtime("bare repository write probe failed: "+res.CombinedOutput(), nil)
}

// selectPath picks the canonical worktree path for a branch: /workspace for
// the branch the sandbox was bound to at start, /workspace/<slug> for the
// rest. A slug already claimed by a different branch gets a numeric suffix.
func (m *Manager) selectPath(ctx context.Context, env *store.Environment, branch, sandboxID string) (string, error) {
	if branch == env.DefaultBranch {
		return WorkspaceRoot, nil
	}

	base := WorkspaceRoot + "/" + Slug(branch)
	candidate := base
	for i := 2; ; i++ {
		other, occupied, err := m.occupiedBy(ctx, sandboxID, candidate)
		if err != nil {
			return "", err
		}
		if !occupied || other == branch {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

// occupiedBy reports which branch, if any, holds a valid worktree at path.
func (m *Manager) occupiedBy(ctx context.Context, sandboxID, path string) (string, bool, error) {
	res, err := m.exec.Exec(ctx, sandboxID, []string{"test", "-d", path}, docker.ExecOptions{})
	if err != nil {
		return "", false, err
	}
	if !res.Ok() {
		return "", false, nil
	}

	res, err = m.exec.Exec(ctx, sandboxID,
		[]string{"git", "-C", path, "rev-parse", "--is-inside-work-tree"}, docker.ExecOptions{})
	if err != nil {
		return "", false, err
	}
	if !res.Ok() || strings.TrimSpace(res.Stdout) != "true" {
		// A non-worktree directory blocks the path.
		return "", true, nil
	}

	res, err = m.exec.Exec(ctx, sandboxID,
		[]string{"git", "-C", path, "symbolic-ref", "--short", "HEAD"}, docker.ExecOptions{})
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(res.Stdout), true, nil
}

func (m *Manager) isWorktreeFor(ctx context.Context, sandboxID, path, branch string) bool {
	other, occupied, err := m.occupiedBy(ctx, sandboxID, path)
	return err == nil && occupied && other == branch
}

func (m *Manager) listBranches(ctx context.Context, sandboxID, barePath string) ([]string, error) {
	res, err := m.exec.Exec(ctx, sandboxID,
		[]string{"git", "-C", barePath, "for-each-ref", "--format=%(refname:short)", "refs/heads"},
		docker.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, apperrors.Runtime("failed to list branches: "+res.CombinedOutput(), nil)
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

func (m *Manager) fetch(ctx context.Context, sandboxID, barePath string) error {
	res, err := m.exec.Exec(ctx, sandboxID,
		[]string{"git", "-C", barePath, "fetch", "origin", "+refs/heads/*:refs/heads/*"},
		docker.ExecOptions{})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return apperrors.Upstream(apperrors.CodeUpstreamUnreachable,
			"git fetch failed: "+res.CombinedOutput(), nil)
	}
	return nil
}

func (m *Manager) addWorktree(ctx context.Context, env *store.Environment, sandboxID, barePath, path, branch string, branches []string) error {
	exists := false
	for _, b := range branches {
		if b == branch {
			exists = true
			break
		}
	}

	var cmd []string
	if exists {
		cmd = []string{"git", "-C", barePath, "worktree", "add", path, branch}
	} else {
		// New branch: fork it from the environment's default branch, or
		// whatever the repo has if the default is absent.
		from := env.DefaultBranch
		found := false
		for _, b := range branches {
			if b == from {
				found = true
				break
			}
		}
		if !found {
			from = branches[0]
		}
		cmd = []string{"git", "-C", barePath, "worktree", "add", "-b", branch, path, from}
	}

	res, err := m.exec.Exec(ctx, sandboxID, cmd, docker.ExecOptions{})
	if err != nil {
		return err
	}
	if res.Ok() {
		return nil
	}
	return m.classifyAddFailure(ctx, sandboxID, barePath, path, branch, res.CombinedOutput())
}

// classifyAddFailure maps `git worktree add` failures onto the error
// taxonomy. A readonly filesystem here means the writability probe was
// bypassed, which is fatal.
func (m *Manager) classifyAddFailure(ctx context.Context, sandboxID, barePath, path, branch, output string) error {
	switch {
	case isReadonlyFS(output):
		return apperrors.Invariant(apperrors.CodeReadonlyMount,
			fmt.Sprintf("%s mounted read-only; worktrees require rw", barePath))
	case strings.Contains(output, "No space left on device"):
		return apperrors.Resource("no space left creating worktree at "+path, nil)
	case strings.Contains(output, "already exists"):
		if m.isWorktreeFor(ctx, sandboxID, path, branch) {
			return nil
		}
		return &apperrors.AppError{
			Kind:       apperrors.KindConflict,
			Code:       apperrors.CodePathOccupied,
			Message:    fmt.Sprintf("path %s is occupied by something other than a %s worktree", path, branch),
			HTTPStatus: 409,
		}
	case isNetworkFailure(output):
		return apperrors.Upstream(apperrors.CodeUpstreamUnreachable,
			"network failure during worktree creation: "+output, nil)
	default:
		return &apperrors.AppError{
			Kind:       apperrors.KindRuntime,
			Code:       apperrors.CodeWorktreeCreationFailed,
			Message:    "git worktree add failed: " + output,
			HTTPStatus: 500,
		}
	}
}

func (m *Manager) bestEffortPrune(sandboxID, barePath, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.exec.Exec(ctx, sandboxID,
		[]string{"git", "-C", barePath, "worktree", "remove", "--force", path},
		docker.ExecOptions{}); err != nil {
		m.logger.Warn("best-effort prune after cancellation failed",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

func isReadonlyFS(output string) bool {
	return strings.Contains(output, "Read-only file system") ||
		strings.Contains(strings.ToLower(output), "read-only file system")
}

func isNetworkFailure(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "could not resolve host") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "unable to access")
}
