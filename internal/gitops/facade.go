// Package gitops runs git inside sandboxes against session worktrees and
// parses the results.
package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
)

// Executor runs commands inside a sandbox. Satisfied by the docker client.
type Executor interface {
	Exec(ctx context.Context, sandboxID string, cmd []string, opts docker.ExecOptions) (*docker.ExecResult, error)
}

// Facade exposes the per-session git operations.
type Facade struct {
	exec   Executor
	logger *logger.Logger
}

// NewFacade creates a git operations facade.
func NewFacade(exec Executor, log *logger.Logger) *Facade {
	return &Facade{
		exec:   exec,
		logger: log.WithFields(zap.String("component", "gitops")),
	}
}

// Status returns the parsed worktree status for a session.
func (f *Facade) Status(ctx context.Context, sess *store.Session, sandboxID string) (*StatusResult, error) {
	wt, err := worktreePath(sess)
	if err != nil {
		return nil, err
	}

	out, err := f.git(ctx, sandboxID, wt, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, err
	}
	return parseStatus(out), nil
}

// Diff returns the diff of a session's worktree, optionally limited to one
// file and to the staged index.
func (f *Facade) Diff(ctx context.Context, sess *store.Session, sandboxID, file string, staged bool) (string, error) {
	wt, err := worktreePath(sess)
	if err != nil {
		return "", err
	}

	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	if file != "" {
		args = append(args, "--", file)
	}
	return f.git(ctx, sandboxID, wt, args...)
}

// Log returns structured commit history for a session's branch.
func (f *Facade) Log(ctx context.Context, sess *store.Session, sandboxID string, limit, offset int) ([]CommitInfo, error) {
	wt, err := worktreePath(sess)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	out, err := f.git(ctx, sandboxID, wt, "log",
		"--pretty=format:"+logFormat,
		"-n", strconv.Itoa(limit),
		"--skip", strconv.Itoa(offset))
	if err != nil {
		// A branch with no commits yet is an empty log, not a failure.
		if strings.Contains(err.Error(), "does not have any commits") {
			return []CommitInfo{}, nil
		}
		return nil, err
	}
	return parseLog(out), nil
}

// Commit stages the given files (or everything when none are given) and
// commits. Paths may carry porcelain status prefixes; they are stripped.
func (f *Facade) Commit(ctx context.Context, sess *store.Session, sandboxID, message string, files []string) (string, error) {
	wt, err := worktreePath(sess)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(message) == "" {
		return "", apperrors.BadRequest("commit message is required")
	}

	if len(files) == 0 {
		if _, err := f.git(ctx, sandboxID, wt, "add", "-A"); err != nil {
			return "", err
		}
	} else {
		addArgs := []string{"add", "--"}
		for _, file := range files {
			addArgs = append(addArgs, normalizeCommitPath(file))
		}
		if _, err := f.git(ctx, sandboxID, wt, addArgs...); err != nil {
			return "", err
		}
	}

	if _, err := f.git(ctx, sandboxID, wt, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return "", apperrors.BadRequest("nothing to commit")
		}
		return "", err
	}

	hash, err := f.git(ctx, sandboxID, wt, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// Push pushes the session's branch to a remote (origin by default).
func (f *Facade) Push(ctx context.Context, sess *store.Session, sandboxID, remote, branch string) error {
	wt, err := worktreePath(sess)
	if err != nil {
		return err
	}
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		branch = sess.Branch
	}

	if _, err := f.git(ctx, sandboxID, wt, "push", remote, branch); err != nil {
		return err
	}

	f.logger.Info("pushed branch",
		zap.String("session_id", sess.ID),
		zap.String("remote", remote),
		zap.String("branch", branch),
	)
	return nil
}

func (f *Facade) git(ctx context.Context, sandboxID, worktree string, args ...string) (string, error) {
	cmd := append([]string{"git", "-C", worktree}, args...)
	res, err := f.exec.Exec(ctx, sandboxID, cmd, docker.ExecOptions{})
	if err != nil {
		return "", err
	}
	if !res.Ok() {
		output := res.CombinedOutput()
		if strings.Contains(output, "not a git repository") {
			return "", noWorktree()
		}
		if isNetworkFailure(output) {
			return "", apperrors.Upstream(apperrors.CodeUpstreamUnreachable,
				fmt.Sprintf("git %s failed: %s", args[0], output), nil)
		}
		return "", apperrors.Runtime(fmt.Sprintf("git %s failed: %s", args[0], output), nil)
	}
	return res.Stdout, nil
}

func worktreePath(sess *store.Session) (string, error) {
	if sess.WorkingDirectory == "" {
		return "", noWorktree()
	}
	return sess.WorkingDirectory, nil
}

func noWorktree() error {
	return apperrors.State(apperrors.CodeNoWorktree, "no worktree")
}

func isNetworkFailure(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "could not resolve host") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "unable to access")
}
