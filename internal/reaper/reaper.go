// Package reaper periodically reconciles recorded state against the
// container runtime: dead multiplexer sessions, dangling worktrees,
// stopped sandboxes and expired tokens.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/environment"
	"github.com/craftastic/craftastic/internal/events/bus"
	"github.com/craftastic/craftastic/internal/store"
	"github.com/craftastic/craftastic/internal/worktree"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

// WorktreeLister extends pruning with listing, used to find dangling trees.
type WorktreeLister interface {
	environment.WorktreeManager
	List(ctx context.Context, envID, sandboxID string) ([]worktree.Info, error)
}

type restartState struct {
	failures int
	nextTry  time.Time
}

// Reaper runs the periodic reconciliation tasks.
type Reaper struct {
	store      store.Store
	driver     environment.SandboxDriver
	broker     environment.TerminalBroker
	worktrees  WorktreeLister
	eventBus   bus.EventBus
	interval   time.Duration
	backoffCap time.Duration
	logger     *logger.Logger

	restarts map[string]*restartState
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a reaper.
func New(
	st store.Store,
	driver environment.SandboxDriver,
	broker environment.TerminalBroker,
	worktrees WorktreeLister,
	eventBus bus.EventBus,
	interval, backoffCap time.Duration,
	log *logger.Logger,
) *Reaper {
	return &Reaper{
		store:      st,
		driver:     driver,
		broker:     broker,
		worktrees:  worktrees,
		eventBus:   eventBus,
		interval:   interval,
		backoffCap: backoffCap,
		logger:     log.WithFields(zap.String("component", "reaper")),
		restarts:   make(map[string]*restartState),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("starting reaper", zap.Duration("interval", r.interval))
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop stops the loop and waits for the in-flight pass to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reaper) RunOnce(ctx context.Context) {
	r.reconcileSandboxes(ctx)
	r.reconcileSessions(ctx)
	r.pruneDanglingWorktrees(ctx)
	r.revokeExpiredTokens(ctx)
}

// reconcileSandboxes restarts sandboxes whose recorded status is running
// but the runtime reports stopped, backing off exponentially for crash
// loops.
func (r *Reaper) reconcileSandboxes(ctx context.Context) {
	envs, err := r.store.ListAllEnvironments(ctx)
	if err != nil {
		r.logger.Error("failed to list environments", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(envs))
	for _, env := range envs {
		seen[env.ID] = true
		if env.Status != v1.EnvironmentStatusRunning || env.SandboxID == "" {
			continue
		}

		info, err := r.driver.InspectSandbox(ctx, env.SandboxID)
		if err != nil {
			r.logger.Warn("failed to inspect sandbox",
				zap.String("environment_id", env.ID),
				zap.Error(err),
			)
			continue
		}
		if info.Running {
			delete(r.restarts, env.ID)
			continue
		}

		state := r.restarts[env.ID]
		if state == nil {
			state = &restartState{}
			r.restarts[env.ID] = state
		}
		if time.Now().Before(state.nextTry) {
			continue
		}

		r.logger.Info("restarting stopped sandbox",
			zap.String("environment_id", env.ID),
			zap.String("sandbox_id", env.SandboxID),
			zap.Int("previous_failures", state.failures),
		)

		if err := r.driver.StartSandbox(ctx, env.SandboxID); err != nil {
			state.failures++
			backoff := r.interval << uint(state.failures)
			if backoff > r.backoffCap {
				backoff = r.backoffCap
				// Repeated crashes: surface the condition in the row.
				env.Status = v1.EnvironmentStatusError
				if updateErr := r.store.UpdateEnvironment(ctx, env); updateErr != nil {
					r.logger.Warn("failed to mark environment errored", zap.Error(updateErr))
				}
			}
			state.nextTry = time.Now().Add(backoff)
			r.logger.Warn("sandbox restart failed",
				zap.String("environment_id", env.ID),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			continue
		}

		delete(r.restarts, env.ID)
		r.publish(ctx, bus.SubjectEnvironmentRestarted, map[string]interface{}{
			"environment_id": env.ID,
			"sandbox_id":     env.SandboxID,
		})
	}

	// Drop backoff state for environments that no longer exist.
	for id := range r.restarts {
		if !seen[id] {
			delete(r.restarts, id)
		}
	}
}

// reconcileSessions marks sessions dead when their multiplexer session is
// gone, and kills multiplexer sessions whose row is already dead.
func (r *Reaper) reconcileSessions(ctx context.Context) {
	envs, err := r.store.ListAllEnvironments(ctx)
	if err != nil {
		return
	}

	for _, env := range envs {
		if env.SandboxID == "" {
			continue
		}
		info, err := r.driver.InspectSandbox(ctx, env.SandboxID)
		if err != nil || !info.Running {
			continue
		}

		sessions, err := r.store.ListSessions(ctx, env.ID)
		if err != nil {
			continue
		}

		for _, sess := range sessions {
			state, err := r.broker.Inspect(ctx, env.SandboxID, sess.TmuxSession)
			if err != nil {
				continue
			}

			switch {
			case sess.Status == v1.SessionStatusDead && state.Exists:
				if err := r.broker.Kill(ctx, env.SandboxID, sess.TmuxSession); err != nil {
					r.logger.Warn("failed to kill multiplexer session for dead row",
						zap.String("session_id", sess.ID),
						zap.Error(err),
					)
				}
			case sess.Status != v1.SessionStatusDead && !state.Exists:
				sess.Status = v1.SessionStatusDead
				if err := r.store.UpdateSession(ctx, sess); err != nil {
					r.logger.Warn("failed to mark session dead",
						zap.String("session_id", sess.ID),
						zap.Error(err),
					)
					continue
				}
				r.logger.Info("marked session dead",
					zap.String("session_id", sess.ID),
					zap.String("tmux_session", sess.TmuxSession),
				)
				r.publish(ctx, bus.SubjectSessionDead, map[string]interface{}{
					"session_id":     sess.ID,
					"environment_id": env.ID,
				})
			case sess.Status != v1.SessionStatusDead && !state.LastActivity.IsZero():
				if state.LastActivity.After(sess.LastActivityAt) {
					sess.LastActivityAt = state.LastActivity
					_ = r.store.UpdateSession(ctx, sess)
				}
			}
		}
	}
}

// pruneDanglingWorktrees removes worktrees present in a sandbox with no
// live session row referencing them.
func (r *Reaper) pruneDanglingWorktrees(ctx context.Context) {
	envs, err := r.store.ListAllEnvironments(ctx)
	if err != nil {
		return
	}

	for _, env := range envs {
		if !env.Repository() || env.SandboxID == "" {
			continue
		}
		info, err := r.driver.InspectSandbox(ctx, env.SandboxID)
		if err != nil || !info.Running {
			continue
		}

		trees, err := r.worktrees.List(ctx, env.ID, env.SandboxID)
		if err != nil {
			continue
		}

		sessions, err := r.store.ListSessions(ctx, env.ID)
		if err != nil {
			continue
		}
		live := make(map[string]bool)
		for _, sess := range sessions {
			if sess.Status != v1.SessionStatusDead {
				live[sess.WorkingDirectory] = true
			}
		}

		for _, tree := range trees {
			if tree.Path == worktree.WorkspaceRoot || live[tree.Path] {
				continue
			}
			r.logger.Info("pruning dangling worktree",
				zap.String("environment_id", env.ID),
				zap.String("path", tree.Path),
			)
			if err := r.worktrees.Prune(ctx, env.ID, env.SandboxID, tree.Path); err != nil {
				r.logger.Warn("failed to prune dangling worktree",
					zap.String("path", tree.Path),
					zap.Error(err),
				)
				continue
			}
			r.publish(ctx, bus.SubjectWorktreePruned, map[string]interface{}{
				"environment_id": env.ID,
				"path":           tree.Path,
			})
		}
	}
}

func (r *Reaper) revokeExpiredTokens(ctx context.Context) {
	count, err := r.store.RevokeExpiredTokens(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Warn("failed to revoke expired tokens", zap.Error(err))
		return
	}
	if count > 0 {
		r.logger.Info("revoked expired refresh tokens", zap.Int("count", count))
	}
}

func (r *Reaper) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "reaper", data)
	if err := r.eventBus.Publish(ctx, subject, event); err != nil {
		r.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
