package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// PTY is an attached interactive exec with a TTY. Reads and writes go
// through the hijacked connection; Resize forwards to the in-sandbox
// terminal. Closing the PTY tears down the connection but leaves whatever
// the exec started (e.g. a tmux attach) to exit on its own hangup handling.
type PTY struct {
	client *Client
	execID string

	conn   io.ReadWriteCloser
	reader io.Reader
}

// Read reads terminal output.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.reader.Read(buf)
}

// Write writes terminal input.
func (p *PTY) Write(buf []byte) (int, error) {
	return p.conn.Write(buf)
}

// Resize resizes the in-sandbox terminal.
func (p *PTY) Resize(ctx context.Context, cols, rows uint) error {
	err := p.client.cli.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
	if err != nil {
		return classify(err, "failed to resize terminal")
	}
	return nil
}

// Close closes the connection, detaching the client.
func (p *PTY) Close() error {
	return p.conn.Close()
}

// AttachPTY starts a command inside a running sandbox with a TTY and
// returns the attached PTY. With a TTY the output stream is raw (no stdout
// and stderr multiplexing).
func (c *Client) AttachPTY(ctx context.Context, sandboxID string, cmd []string, cols, rows uint) (*PTY, error) {
	c.logger.Debug("Attaching PTY",
		zap.String("sandbox_id", sandboxID),
		zap.Strings("cmd", cmd),
	)

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=xterm-256color"},
	}

	created, err := c.cli.ContainerExecCreate(ctx, sandboxID, execCfg)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to create PTY exec in sandbox %s", sandboxID))
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to attach PTY in sandbox %s", sandboxID))
	}

	pty := &PTY{
		client: c,
		execID: created.ID,
		conn:   attach.Conn,
		reader: attach.Reader,
	}

	if cols > 0 && rows > 0 {
		if err := pty.Resize(ctx, cols, rows); err != nil {
			c.logger.Warn("Initial PTY resize failed", zap.Error(err))
		}
	}

	return pty, nil
}
