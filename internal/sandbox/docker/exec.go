package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// ExecOptions tunes a single command execution inside a sandbox.
type ExecOptions struct {
	WorkingDir string
	Env        []string
	Stdin      []byte
}

// ExecResult carries the separated output streams and the exit code of a
// finished command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r *ExecResult) Ok() bool {
	return r.ExitCode == 0
}

// CombinedOutput returns stdout followed by stderr, trimmed.
func (r *ExecResult) CombinedOutput() string {
	return strings.TrimSpace(r.Stdout + r.Stderr)
}

// Exec runs a command inside a running sandbox and waits for it to finish.
// Stdout and stderr are demultiplexed; callers rely only on stream
// separation and the exit code.
func (c *Client) Exec(ctx context.Context, sandboxID string, cmd []string, opts ExecOptions) (*ExecResult, error) {
	c.logger.Debug("Exec in sandbox",
		zap.String("sandbox_id", sandboxID),
		zap.Strings("cmd", cmd),
	)

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(opts.Stdin) > 0,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
	}

	created, err := c.cli.ContainerExecCreate(ctx, sandboxID, execCfg)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to create exec in sandbox %s", sandboxID))
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to attach exec in sandbox %s", sandboxID))
	}
	defer attach.Close()

	if len(opts.Stdin) > 0 {
		if _, err := attach.Conn.Write(opts.Stdin); err != nil {
			return nil, fmt.Errorf("failed to write exec stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return nil, fmt.Errorf("failed to close exec stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("error reading exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, classify(err, "failed to inspect exec")
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}
