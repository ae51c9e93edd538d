// Package terminal brokers multiplexer (tmux) sessions inside sandboxes
// and bridges their PTYs to attachable byte streams.
package terminal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/common/keyedmutex"
	"github.com/craftastic/craftastic/internal/common/logger"
	"github.com/craftastic/craftastic/internal/sandbox/docker"
	"github.com/craftastic/craftastic/internal/store"
)

// Driver is the slice of the sandbox driver the broker needs.
type Driver interface {
	Exec(ctx context.Context, sandboxID string, cmd []string, opts docker.ExecOptions) (*docker.ExecResult, error)
	AttachPTY(ctx context.Context, sandboxID string, cmd []string, cols, rows uint) (PTYConn, error)
	StartSandbox(ctx context.Context, sandboxID string) error
}

// NewDockerDriver adapts the docker client to the broker's Driver.
func NewDockerDriver(c *docker.Client) Driver {
	return dockerDriver{c}
}

type dockerDriver struct {
	*docker.Client
}

func (d dockerDriver) AttachPTY(ctx context.Context, sandboxID string, cmd []string, cols, rows uint) (PTYConn, error) {
	return d.Client.AttachPTY(ctx, sandboxID, cmd, cols, rows)
}

// SessionState is what Inspect reports about a multiplexer session.
type SessionState struct {
	Exists       bool
	LastActivity time.Time
	Attached     int
}

// Broker owns multiplexer session lifecycles. tmux itself serializes the
// byte streams, so the broker holds no locks around I/O; only spawns are
// serialized per session.
type Broker struct {
	driver Driver
	spawns *keyedmutex.KeyedMutex
	logger *logger.Logger
}

// NewBroker creates a PTY broker over the given driver.
func NewBroker(driver Driver, log *logger.Logger) *Broker {
	return &Broker{
		driver: driver,
		spawns: keyedmutex.New(),
		logger: log.WithFields(zap.String("component", "pty-broker")),
	}
}

// Open ensures the session's multiplexer session exists and attaches to it.
// Every attacher gets its own attach exec; tmux shares the display between
// them. If the sandbox is stopped it is started once; a second failure is
// surfaced as sandbox-unreachable.
func (b *Broker) Open(ctx context.Context, sess *store.Session, sandboxID string, cols, rows uint) (*Stream, error) {
	if err := b.ensureSession(ctx, sess, sandboxID); err != nil {
		if !docker.IsNotRunning(err) {
			return nil, err
		}
		b.logger.Info("sandbox stopped, starting it for stream open",
			zap.String("sandbox_id", sandboxID),
		)
		if startErr := b.driver.StartSandbox(ctx, sandboxID); startErr != nil {
			return nil, sandboxUnreachable(sandboxID, startErr)
		}
		if err := b.ensureSession(ctx, sess, sandboxID); err != nil {
			return nil, sandboxUnreachable(sandboxID, err)
		}
	}

	pty, err := b.driver.AttachPTY(ctx, sandboxID,
		[]string{"tmux", "attach-session", "-t", sess.TmuxSession}, cols, rows)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("attached to multiplexer session",
		zap.String("session_id", sess.ID),
		zap.String("tmux_session", sess.TmuxSession),
	)
	return newStream(pty, resizeDebounce), nil
}

// ensureSession spawns the tmux session if it does not exist. At most one
// spawn per session is in flight; attach is re-entrant.
func (b *Broker) ensureSession(ctx context.Context, sess *store.Session, sandboxID string) error {
	b.spawns.Lock(sess.ID)
	defer b.spawns.Unlock(sess.ID)

	exists, err := b.hasSession(ctx, sandboxID, sess.TmuxSession)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	workdir := sess.WorkingDirectory
	if workdir == "" {
		workdir = WorkspaceFallback
	}

	res, err := b.driver.Exec(ctx, sandboxID,
		[]string{"tmux", "new-session", "-d", "-s", sess.TmuxSession, "-c", workdir},
		docker.ExecOptions{})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return spawnFailed(sess.TmuxSession, res.CombinedOutput())
	}

	exists, err = b.hasSession(ctx, sandboxID, sess.TmuxSession)
	if err != nil {
		return err
	}
	if !exists {
		return spawnFailed(sess.TmuxSession, "session missing after spawn")
	}

	b.logger.Info("multiplexer session spawned",
		zap.String("session_id", sess.ID),
		zap.String("tmux_session", sess.TmuxSession),
		zap.String("workdir", workdir),
	)
	return nil
}

// WorkspaceFallback is where sessions without a worktree start.
const WorkspaceFallback = "/workspace"

// Kill terminates the multiplexer session. Only called on explicit session
// deletion and by the reaper for dead rows.
func (b *Broker) Kill(ctx context.Context, sandboxID, tmuxSession string) error {
	res, err := b.driver.Exec(ctx, sandboxID,
		[]string{"tmux", "kill-session", "-t", "=" + tmuxSession},
		docker.ExecOptions{})
	if err != nil {
		return err
	}
	if !res.Ok() && !strings.Contains(res.CombinedOutput(), "can't find session") {
		return apperrors.Runtime("failed to kill multiplexer session: "+res.CombinedOutput(), nil)
	}
	return nil
}

// Inspect reports whether the multiplexer session exists and when it was
// last active.
func (b *Broker) Inspect(ctx context.Context, sandboxID, tmuxSession string) (*SessionState, error) {
	res, err := b.driver.Exec(ctx, sandboxID,
		[]string{"tmux", "display-message", "-p", "-t", "=" + tmuxSession,
			"#{session_activity} #{session_attached}"},
		docker.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return &SessionState{Exists: false}, nil
	}

	state := &SessionState{Exists: true}
	fields := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(fields) >= 1 {
		if secs, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			state.LastActivity = time.Unix(secs, 0).UTC()
		}
	}
	if len(fields) >= 2 {
		if attached, err := strconv.Atoi(fields[1]); err == nil {
			state.Attached = attached
		}
	}
	return state, nil
}

func (b *Broker) hasSession(ctx context.Context, sandboxID, tmuxSession string) (bool, error) {
	// '=' forces an exact name match instead of tmux's prefix matching.
	res, err := b.driver.Exec(ctx, sandboxID,
		[]string{"tmux", "has-session", "-t", "=" + tmuxSession},
		docker.ExecOptions{})
	if err != nil {
		return false, err
	}
	return res.Ok(), nil
}

func sandboxUnreachable(sandboxID string, err error) error {
	return &apperrors.AppError{
		Kind:       apperrors.KindRuntime,
		Code:       apperrors.CodeSandboxUnreachable,
		Message:    fmt.Sprintf("sandbox %s is unreachable", sandboxID),
		HTTPStatus: 500,
		Err:        err,
	}
}

func spawnFailed(tmuxSession, detail string) error {
	return &apperrors.AppError{
		Kind:       apperrors.KindRuntime,
		Code:       apperrors.CodeMultiplexerSpawnFailed,
		Message:    fmt.Sprintf("failed to spawn multiplexer session %s: %s", tmuxSession, detail),
		HTTPStatus: 500,
	}
}
