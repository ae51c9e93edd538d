package environment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/events/bus"
	"github.com/craftastic/craftastic/internal/store"
	"github.com/craftastic/craftastic/internal/worktree"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// CreateSessionRequest are the inputs to CreateSession.
type CreateSessionRequest struct {
	UserID           string
	EnvironmentID    string
	Name             string
	Branch           string
	Kind             v1.SessionKind
	AgentID          string
	WorkingDirectory string // only honored for environments without a repository
}

// CreateSession materializes the branch worktree (for repo-backed
// environments) and records the session. The multiplexer session spawns
// lazily on first stream attach.
func (s *Service) CreateSession(ctx context.Context, req *CreateSessionRequest) (*store.Session, error) {
	env, err := s.GetEnvironment(ctx, req.UserID, req.EnvironmentID)
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = v1.SessionKindShell
	}
	if kind == v1.SessionKindAgent {
		if req.AgentID == "" {
			return nil, apperrors.BadRequest("agent sessions require an agentId")
		}
		agent, err := s.store.GetAgent(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		if agent.UserID != req.UserID {
			return nil, apperrors.Forbidden("agent belongs to another user")
		}
	}

	if req.Name != "" {
		if _, err := s.store.GetLiveSessionByName(ctx, env.ID, req.Name); err == nil {
			return nil, apperrors.Conflict(fmt.Sprintf("session name %q is already in use", req.Name))
		} else if !apperrors.IsNotFound(err) {
			return nil, err
		}
	}

	branch := req.Branch
	if branch == "" {
		branch = env.DefaultBranch
	}

	if env.Repository() {
		// One live session per branch: the worktree layer hands out one
		// tree per branch, and two sessions sharing it would fight over
		// pruning.
		if existing, err := s.store.GetLiveSessionByBranch(ctx, env.ID, branch); err == nil {
			return nil, &apperrors.AppError{
				Kind:       apperrors.KindConflict,
				Code:       apperrors.CodeBranchInUse,
				Message:    fmt.Sprintf("branch %q is in use by session %s", branch, existing.ID),
				HTTPStatus: 409,
			}
		} else if !apperrors.IsNotFound(err) {
			return nil, err
		}
	}

	if err := s.EnsureRunning(ctx, env); err != nil {
		return nil, err
	}

	workdir := worktree.WorkspaceRoot
	if env.Repository() {
		workdir, err = s.worktrees.EnsureWorktree(ctx, env, branch, env.SandboxID)
		if err != nil {
			return nil, err
		}
	} else if req.WorkingDirectory != "" {
		workdir = req.WorkingDirectory
	}

	sess := &store.Session{
		ID:               uuid.New().String(),
		EnvironmentID:    env.ID,
		Name:             req.Name,
		WorkingDirectory: workdir,
		Branch:           branch,
		Kind:             kind,
		AgentID:          req.AgentID,
		Status:           v1.SessionStatusInactive,
	}
	sess.TmuxSession = fmt.Sprintf("craft-%s", sess.ID[:8])

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectSessionCreated, map[string]interface{}{
		"session_id":     sess.ID,
		"environment_id": env.ID,
		"branch":         branch,
	})

	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("environment_id", env.ID),
		zap.String("branch", branch),
		zap.String("workdir", workdir),
	)
	return sess, nil
}

// GetSession fetches a session, checking environment ownership.
func (s *Service) GetSession(ctx context.Context, userID, id string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetEnvironment(ctx, userID, sess.EnvironmentID); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions lists an environment's sessions.
func (s *Service) ListSessions(ctx context.Context, userID, environmentID string) ([]*store.Session, error) {
	if _, err := s.GetEnvironment(ctx, userID, environmentID); err != nil {
		return nil, err
	}
	return s.store.ListSessions(ctx, environmentID)
}

// DeleteSession kills the multiplexer session, prunes the worktree when
// the session held one, and marks the row dead. Deleting an already-dead
// session reports not-found.
func (s *Service) DeleteSession(ctx context.Context, userID, id string) error {
	sess, err := s.GetSession(ctx, userID, id)
	if err != nil {
		return err
	}
	if sess.Status == v1.SessionStatusDead {
		return apperrors.NotFound("session", id)
	}

	env, err := s.store.GetEnvironment(ctx, sess.EnvironmentID)
	if err != nil {
		return err
	}

	s.teardownSession(ctx, env, sess)

	sess.Status = v1.SessionStatusDead
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	s.publish(ctx, bus.SubjectSessionDeleted, map[string]interface{}{
		"session_id":     sess.ID,
		"environment_id": sess.EnvironmentID,
	})

	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// teardownSession is the best-effort half of session deletion: kill the
// multiplexer session and prune the worktree. Failures are left to the
// reaper.
func (s *Service) teardownSession(ctx context.Context, env *store.Environment, sess *store.Session) {
	if env.SandboxID != "" {
		if err := s.broker.Kill(ctx, env.SandboxID, sess.TmuxSession); err != nil {
			s.logger.Warn("failed to kill multiplexer session",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
		}

		// The root workspace is the sandbox's bound checkout; only branch
		// subtrees are session-scoped.
		if env.Repository() && sess.WorkingDirectory != "" && sess.WorkingDirectory != worktree.WorkspaceRoot {
			if err := s.worktrees.Prune(ctx, env.ID, env.SandboxID, sess.WorkingDirectory); err != nil {
				s.logger.Warn("failed to prune worktree",
					zap.String("session_id", sess.ID),
					zap.String("path", sess.WorkingDirectory),
					zap.Error(err),
				)
			} else {
				s.publish(ctx, bus.SubjectWorktreePruned, map[string]interface{}{
					"environment_id": env.ID,
					"path":           sess.WorkingDirectory,
				})
			}
		}
	}
}

// CheckSessionName reports whether a session display name is free within
// an environment.
func (s *Service) CheckSessionName(ctx context.Context, userID, environmentID, name string) (*NameAvailability, error) {
	if _, err := s.GetEnvironment(ctx, userID, environmentID); err != nil {
		return nil, err
	}

	_, err := s.store.GetLiveSessionByName(ctx, environmentID, name)
	if err == nil {
		sessions, listErr := s.store.ListSessions(ctx, environmentID)
		if listErr != nil {
			return nil, listErr
		}
		taken := make(map[string]bool, len(sessions))
		for _, sess := range sessions {
			if sess.Status != v1.SessionStatusDead && sess.Name != "" {
				taken[sess.Name] = true
			}
		}
		return &NameAvailability{
			Available:   false,
			Message:     fmt.Sprintf("session name %q is already in use", name),
			Suggestions: SuggestNames(name, taken),
		}, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	return &NameAvailability{Available: true}, nil
}

// CheckBranch reports whether a branch is free of live sessions within an
// environment.
func (s *Service) CheckBranch(ctx context.Context, userID, environmentID, branch string) (*NameAvailability, error) {
	if _, err := s.GetEnvironment(ctx, userID, environmentID); err != nil {
		return nil, err
	}

	existing, err := s.store.GetLiveSessionByBranch(ctx, environmentID, branch)
	if err == nil {
		return &NameAvailability{
			Available: false,
			Message:   fmt.Sprintf("branch %q is in use by session %s", branch, existing.ID),
		}, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	return &NameAvailability{Available: true}, nil
}

// TouchSession updates a session's activity timestamp and status. Called
// by the streaming endpoint on attach and detach.
func (s *Service) TouchSession(ctx context.Context, sess *store.Session, status v1.SessionStatus) {
	sess.Status = status
	sess.LastActivityAt = nowUTC()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.logger.Warn("failed to update session activity",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}
