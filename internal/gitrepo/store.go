// Package gitrepo manages per-environment bare repositories on the host and
// produces the read-write mount specs that expose them to sandboxes.
package gitrepo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/keyedmutex"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
)

// SandboxMountPrefix is where bare repos appear inside sandboxes.
const SandboxMountPrefix = "/data/repos"

// Store manages bare clones under <stateDir>/repos.
type Store struct {
	root       string
	netTimeout time.Duration
	locks      *keyedmutex.KeyedMutex
	logger     *logger.Logger
}

// NewStore creates the repos directory (0700) if needed.
func NewStore(stateDir string, netTimeout time.Duration, log *logger.Logger) (*Store, error) {
	root := filepath.Join(stateDir, "repos")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create repo root %s: %w", root, err)
	}
	return &Store{
		root:       root,
		netTimeout: netTimeout,
		locks:      keyedmutex.New(),
		logger:     log.WithFields(zap.String("component", "repo-store")),
	}, nil
}

// HostPath returns the host path of an environment's bare repo.
func (s *Store) HostPath(environmentID string) string {
	return filepath.Join(s.root, environmentID)
}

// SandboxPath returns the fixed in-sandbox path of an environment's bare repo.
func SandboxPath(environmentID string) string {
	return SandboxMountPrefix + "/" + environmentID
}

// MountSpec returns the bind mount handed to the sandbox driver at creation.
// The mount is always read-write: git writes worktree metadata under the
// bare repo, and a read-only mount breaks worktree creation.
func (s *Store) MountSpec(environmentID string) docker.MountSpec {
	return docker.MountSpec{
		Source:   s.HostPath(environmentID),
		Target:   SandboxPath(environmentID),
		ReadOnly: false,
	}
}

// EnsureBare clones the upstream as a bare repository if it is not already
// present. Present repos are left untouched; callers trigger Fetch
// explicitly when they need fresh refs.
func (s *Store) EnsureBare(ctx context.Context, environmentID, remoteURL string) (string, error) {
	s.locks.Lock(environmentID)
	defer s.locks.Unlock(environmentID)

	hostPath := s.HostPath(environmentID)
	if _, err := os.Stat(filepath.Join(hostPath, "HEAD")); err == nil {
		return hostPath, nil
	}

	s.logger.Info("cloning bare repository",
		zap.String("environment_id", environmentID),
		zap.String("remote", remoteURL),
	)

	if _, err := s.runGit(ctx, s.netTimeout, "", "clone", "--bare", remoteURL, hostPath); err != nil {
		// Leave no partial clone behind.
		_ = os.RemoveAll(hostPath)
		return "", err
	}

	if err := os.Chmod(hostPath, 0o700); err != nil {
		return "", fmt.Errorf("failed to chmod bare repo: %w", err)
	}
	return hostPath, nil
}

// Fetch updates the bare repo's local branches from upstream.
func (s *Store) Fetch(ctx context.Context, environmentID string) error {
	s.locks.Lock(environmentID)
	defer s.locks.Unlock(environmentID)

	_, err := s.runGit(ctx, s.netTimeout, s.HostPath(environmentID),
		"fetch", "origin", "+refs/heads/*:refs/heads/*", "--prune")
	return err
}

// ListBranches lists local branch names in the bare repo.
func (s *Store) ListBranches(ctx context.Context, environmentID string) ([]string, error) {
	out, err := s.runGit(ctx, 0, s.HostPath(environmentID),
		"for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// CurrentBranch returns the branch HEAD points at in the bare repo.
func (s *Store) CurrentBranch(ctx context.Context, environmentID string) (string, error) {
	out, err := s.runGit(ctx, 0, s.HostPath(environmentID), "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoteURL returns the origin URL of the bare repo.
func (s *Store) RemoteURL(ctx context.Context, environmentID string) (string, error) {
	out, err := s.runGit(ctx, 0, s.HostPath(environmentID), "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Remove deletes the bare repo from the host.
func (s *Store) Remove(environmentID string) error {
	s.locks.Lock(environmentID)
	defer s.locks.Unlock(environmentID)
	return os.RemoveAll(s.HostPath(environmentID))
}

// Exists reports whether a bare repo is present on the host.
func (s *Store) Exists(environmentID string) bool {
	_, err := os.Stat(filepath.Join(s.HostPath(environmentID), "HEAD"))
	return err == nil
}

func (s *Store) runGit(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	gitArgs := args
	if dir != "" {
		gitArgs = append([]string{"-C", dir}, args...)
	}

	cmd := exec.CommandContext(ctx, "git", gitArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if isNetworkFailure(msg) || ctx.Err() == context.DeadlineExceeded {
			return "", apperrors.Upstream(apperrors.CodeUpstreamUnreachable,
				fmt.Sprintf("git %s failed: %s", args[0], msg), err)
		}
		return "", fmt.Errorf("git %s failed: %s: %w", args[0], msg, err)
	}
	return string(out), nil
}

func isNetworkFailure(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "could not resolve host") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection timed out") ||
		strings.Contains(lower, "unable to access")
}
