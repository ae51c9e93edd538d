// Package environment orchestrates sandbox, repository, worktree and
// terminal components for environment and session CRUD.
package environment

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/common/config"
	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/events/bus"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
	"github.com/craftastic/craftastic/internal/terminal"
	"github.com/craftastic/craftastic/internal/worktree"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// SandboxDriver is the slice of the sandbox driver the service uses.
type SandboxDriver interface {
	CreateSandbox(ctx context.Context, spec docker.SandboxSpec) (string, error)
	PullImage(ctx context.Context, imageName string) error
	StartSandbox(ctx context.Context, sandboxID string) error
	StopSandbox(ctx context.Context, sandboxID string, timeout time.Duration) error
	RemoveSandbox(ctx context.Context, sandboxID string, force bool) error
	InspectSandbox(ctx context.Context, sandboxID string) (*docker.SandboxInfo, error)
}

// RepoStore is the slice of the bare repository store the service uses.
type RepoStore interface {
	EnsureBare(ctx context.Context, environmentID, remoteURL string) (string, error)
	MountSpec(environmentID string) docker.MountSpec
	HostPath(environmentID string) string
	Fetch(ctx context.Context, environmentID string) error
	ListBranches(ctx context.Context, environmentID string) ([]string, error)
	CurrentBranch(ctx context.Context, environmentID string) (string, error)
	RemoteURL(ctx context.Context, environmentID string) (string, error)
	Remove(environmentID string) error
}

// WorktreeManager is the slice of the worktree manager the service uses.
type WorktreeManager interface {
	EnsureWorktree(ctx context.Context, env *store.Environment, branch, sandboxID string) (string, error)
	Prune(ctx context.Context, envID, sandboxID, path string) error
}

// TerminalBroker is the slice of the PTY broker the service uses.
type TerminalBroker interface {
	Kill(ctx context.Context, sandboxID, tmuxSession string) error
	Inspect(ctx context.Context, sandboxID, tmuxSession string) (*terminal.SessionState, error)
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

// NameAvailability is the result of a name or branch availability check.
type NameAvailability struct {
	Available   bool     `json:"available"`
	Message     string   `json:"message,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// CreateEnvironmentRequest are the inputs to CreateEnvironment.
type CreateEnvironmentRequest struct {
	UserID        string
	Name          string
	RepositoryURL string
	Branch        string
}

// Service implements environment and session use-cases over the component
// stack.
type Service struct {
	store     store.Store
	driver    SandboxDriver
	repos     RepoStore
	worktrees WorktreeManager
	broker    TerminalBroker
	eventBus  bus.EventBus
	sandbox   config.SandboxConfig
	logger    *logger.Logger
}

// NewService wires the environment service.
func NewService(
	st store.Store,
	driver SandboxDriver,
	repos RepoStore,
	worktrees WorktreeManager,
	broker TerminalBroker,
	eventBus bus.EventBus,
	sandboxCfg config.SandboxConfig,
	log *logger.Logger,
) *Service {
	return &Service{
		store:     st,
		driver:    driver,
		repos:     repos,
		worktrees: worktrees,
		broker:    broker,
		eventBus:  eventBus,
		sandbox:   sandboxCfg,
		logger:    log.WithFields(zap.String("component", "environment-service")),
	}
}

// CreateEnvironment provisions a sandbox (and bare repo when a repository
// URL is given) and records the environment. A taken name fails with
// name-conflict and leaves no partial sandbox behind.
func (s *Service) CreateEnvironment(ctx context.Context, req *CreateEnvironmentRequest) (*store.Environment, error) {
	if !nameRe.MatchString(req.Name) {
		return nil, apperrors.BadRequest("environment name must start with an alphanumeric and contain only [a-zA-Z0-9._-]")
	}

	if avail, err := s.CheckNameAvailability(ctx, req.UserID, req.Name); err != nil {
		return nil, err
	} else if !avail.Available {
		return nil, apperrors.NameConflict(
			fmt.Sprintf("environment name %q is already in use", req.Name),
			avail.Suggestions)
	}

	branch := req.Branch
	if branch == "" {
		branch = "main"
	}

	env := &store.Environment{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Name:          req.Name,
		RepositoryURL: req.RepositoryURL,
		DefaultBranch: branch,
		Status:        v1.EnvironmentStatusStarting,
	}

	var mounts []docker.MountSpec
	if env.Repository() {
		if _, err := s.repos.EnsureBare(ctx, env.ID, env.RepositoryURL); err != nil {
			return nil, err
		}
		mounts = append(mounts, s.repos.MountSpec(env.ID))
	}

	sandboxID, err := s.provisionSandbox(ctx, env, mounts)
	if err != nil {
		s.cleanupFailedCreate(env, "")
		return nil, err
	}
	env.SandboxID = sandboxID
	env.Status = v1.EnvironmentStatusRunning

	if err := s.store.CreateEnvironment(ctx, env); err != nil {
		s.cleanupFailedCreate(env, sandboxID)
		if apperrors.IsConflict(err) {
			// Lost a race on the unique index; re-run the availability
			// check for fresh suggestions.
			avail, checkErr := s.CheckNameAvailability(ctx, req.UserID, req.Name)
			if checkErr == nil {
				return nil, apperrors.NameConflict(
					fmt.Sprintf("environment name %q is already in use", req.Name),
					avail.Suggestions)
			}
		}
		return nil, err
	}

	if env.Repository() {
		repo := &store.BareRepo{
			EnvironmentID: env.ID,
			HostPath:      s.repos.HostPath(env.ID),
			RemoteURL:     env.RepositoryURL,
		}
		if err := s.store.UpsertBareRepo(ctx, repo); err != nil {
			s.logger.Error("failed to record bare repo", zap.String("environment_id", env.ID), zap.Error(err))
		}
	}

	s.publish(ctx, bus.SubjectEnvironmentCreated, map[string]interface{}{
		"environment_id": env.ID,
		"user_id":        env.UserID,
		"name":           env.Name,
	})

	s.logger.Info("environment created",
		zap.String("environment_id", env.ID),
		zap.String("name", env.Name),
		zap.String("sandbox_id", sandboxID),
	)
	return env, nil
}

// provisionSandbox creates and starts the container. A name collision in
// the runtime is retried once with a time-suffixed name.
func (s *Service) provisionSandbox(ctx context.Context, env *store.Environment, mounts []docker.MountSpec) (string, error) {
	spec := docker.SandboxSpec{
		Name:        fmt.Sprintf("craftastic-%s", env.ID[:8]),
		Image:       s.sandbox.Image,
		Mounts:      mounts,
		WorkingDir:  worktree.WorkspaceRoot,
		NetworkMode: s.sandbox.NetworkMode,
		Memory:      s.sandbox.MemoryMB * 1024 * 1024,
		CPUQuota:    int64(s.sandbox.CPUCores * 100000),
		Labels: map[string]string{
			docker.LabelManaged:     "true",
			docker.LabelEnvironment: env.ID,
			docker.LabelUser:        env.UserID,
		},
	}

	sandboxID, err := s.driver.CreateSandbox(ctx, spec)
	if apperrors.IsNotFound(err) {
		// Image not present on the host yet.
		if pullErr := s.driver.PullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		sandboxID, err = s.driver.CreateSandbox(ctx, spec)
	}
	if err != nil {
		if !apperrors.IsConflict(err) {
			return "", err
		}
		spec.Name = fmt.Sprintf("craftastic-%s-%d", env.ID[:8], time.Now().Unix())
		if sandboxID, err = s.driver.CreateSandbox(ctx, spec); err != nil {
			return "", err
		}
	}

	if err := s.driver.StartSandbox(ctx, sandboxID); err != nil {
		_ = s.driver.RemoveSandbox(ctx, sandboxID, true)
		return "", err
	}
	return sandboxID, nil
}

func (s *Service) cleanupFailedCreate(env *store.Environment, sandboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if sandboxID != "" {
		_ = s.driver.RemoveSandbox(ctx, sandboxID, true)
	}
	if env.Repository() {
		_ = s.repos.Remove(env.ID)
	}
}

// CheckNameAvailability reports whether a name is free and proposes
// alternatives when it is not.
func (s *Service) CheckNameAvailability(ctx context.Context, userID, name string) (*NameAvailability, error) {
	envs, err := s.store.ListEnvironments(ctx, userID)
	if err != nil {
		return nil, err
	}

	taken := make(map[string]bool, len(envs))
	for _, e := range envs {
		taken[e.Name] = true
	}

	if !taken[name] {
		return &NameAvailability{Available: true}, nil
	}
	return &NameAvailability{
		Available:   false,
		Message:     fmt.Sprintf("environment name %q is already in use", name),
		Suggestions: SuggestNames(name, taken),
	}, nil
}

// GetEnvironment fetches an environment, checking ownership.
func (s *Service) GetEnvironment(ctx context.Context, userID, id string) (*store.Environment, error) {
	env, err := s.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.UserID != userID {
		return nil, apperrors.Forbidden("environment belongs to another user")
	}
	return env, nil
}

// ListEnvironments lists a user's environments.
func (s *Service) ListEnvironments(ctx context.Context, userID string) ([]*store.Environment, error) {
	return s.store.ListEnvironments(ctx, userID)
}

// DeleteEnvironment tears down sessions, the sandbox and the bare repo
// binding, then deletes the rows. Partial failures are logged and repaired
// by the reaper.
func (s *Service) DeleteEnvironment(ctx context.Context, userID, id string) error {
	env, err := s.GetEnvironment(ctx, userID, id)
	if err != nil {
		return err
	}

	sessions, err := s.store.ListSessions(ctx, id)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status == v1.SessionStatusDead {
			continue
		}
		s.teardownSession(ctx, env, sess)
	}

	if env.SandboxID != "" {
		if err := s.driver.RemoveSandbox(ctx, env.SandboxID, true); err != nil && !apperrors.IsNotFound(err) {
			s.logger.Warn("failed to remove sandbox during delete",
				zap.String("environment_id", id),
				zap.Error(err),
			)
		}
	}

	if env.Repository() {
		if err := s.repos.Remove(env.ID); err != nil {
			s.logger.Warn("failed to remove bare repo during delete",
				zap.String("environment_id", id),
				zap.Error(err),
			)
		}
		_ = s.store.DeleteBareRepo(ctx, id)
	}

	if err := s.store.DeleteEnvironment(ctx, id); err != nil {
		return err
	}

	s.publish(ctx, bus.SubjectEnvironmentDeleted, map[string]interface{}{
		"environment_id": id,
		"user_id":        userID,
	})

	s.logger.Info("environment deleted", zap.String("environment_id", id))
	return nil
}

// EnsureRunning starts the environment's sandbox if it is stopped and
// keeps the recorded status in sync.
func (s *Service) EnsureRunning(ctx context.Context, env *store.Environment) error {
	if env.SandboxID == "" {
		return apperrors.State(apperrors.CodeSandboxUnreachable, "environment has no sandbox")
	}

	info, err := s.driver.InspectSandbox(ctx, env.SandboxID)
	if err != nil {
		return err
	}
	if !info.Running {
		if err := s.driver.StartSandbox(ctx, env.SandboxID); err != nil {
			return err
		}
	}
	if env.Status != v1.EnvironmentStatusRunning {
		env.Status = v1.EnvironmentStatusRunning
		if err := s.store.UpdateEnvironment(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// RepoInfo describes an environment's bare repository.
type RepoInfo struct {
	Path          string   `json:"path"`
	Branches      []string `json:"branches"`
	CurrentBranch string   `json:"currentBranch"`
	RemoteURL     string   `json:"remoteUrl"`
}

// GetRepoInfo reports the bare repo state for a repo-backed environment.
// With refresh set, the bare refs are fetched from upstream first.
func (s *Service) GetRepoInfo(ctx context.Context, userID, envID string, refresh bool) (*RepoInfo, error) {
	env, err := s.GetEnvironment(ctx, userID, envID)
	if err != nil {
		return nil, err
	}
	if !env.Repository() {
		return nil, apperrors.NotFound("bare repo", envID)
	}

	if refresh {
		if err := s.repos.Fetch(ctx, envID); err != nil {
			return nil, err
		}
		now := nowUTC()
		_ = s.store.UpsertBareRepo(ctx, &store.BareRepo{
			EnvironmentID: envID,
			HostPath:      s.repos.HostPath(envID),
			RemoteURL:     env.RepositoryURL,
			FetchedAt:     &now,
		})
	}

	branches, err := s.repos.ListBranches(ctx, envID)
	if err != nil {
		return nil, err
	}
	current, err := s.repos.CurrentBranch(ctx, envID)
	if err != nil {
		return nil, err
	}
	remote, err := s.repos.RemoteURL(ctx, envID)
	if err != nil {
		return nil, err
	}

	return &RepoInfo{
		Path:          s.repos.HostPath(envID),
		Branches:      branches,
		CurrentBranch: current,
		RemoteURL:     remote,
	}, nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
