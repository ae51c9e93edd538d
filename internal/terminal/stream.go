package terminal

import (
	"context"
	"io"
	"sync"
	"time"
)

// resizeDebounce coalesces resize bursts before they reach the sandbox.
const resizeDebounce = 50 * time.Millisecond

// PTYConn is the attached in-sandbox terminal. Satisfied by the docker
// driver's PTY.
type PTYConn interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint) error
}

// Stream is one attacher's duplex byte stream onto a multiplexer session.
// Closing the stream detaches without terminating the multiplexer session.
type Stream struct {
	pty PTYConn

	mu        sync.Mutex
	timer     *time.Timer
	lastCols  uint
	lastRows  uint
	closed    bool
	debounce  time.Duration
	resizeNow func(cols, rows uint)
}

func newStream(pty PTYConn, debounce time.Duration) *Stream {
	s := &Stream{pty: pty, debounce: debounce}
	s.resizeNow = func(cols, rows uint) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pty.Resize(ctx, cols, rows)
	}
	return s
}

// Read reads terminal output.
func (s *Stream) Read(buf []byte) (int, error) {
	return s.pty.Read(buf)
}

// Write writes terminal input.
func (s *Stream) Write(buf []byte) (int, error) {
	return s.pty.Write(buf)
}

// Resize schedules a terminal resize. Events within the debounce window
// coalesce; only the latest size is forwarded.
func (s *Stream) Resize(cols, rows uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastCols, s.lastRows = cols, rows
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fireResize)
}

func (s *Stream) fireResize() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cols, rows := s.lastCols, s.lastRows
	s.mu.Unlock()
	s.resizeNow(cols, rows)
}

// Close detaches from the multiplexer session.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.pty.Close()
}
