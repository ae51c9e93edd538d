package terminal

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakePTY struct {
	mu      sync.Mutex
	resizes [][2]uint
	closed  bool
}

func (f *fakePTY) Read(p []byte) (int, error)  { return 0, nil }
func (f *fakePTY) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakePTY) Resize(ctx context.Context, cols, rows uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint{cols, rows})
	return nil
}

func (f *fakePTY) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePTY) resizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resizes)
}

func TestStream_ResizeDebounceCoalesces(t *testing.T) {
	pty := &fakePTY{}
	s := newStream(pty, 30*time.Millisecond)
	defer s.Close()

	s.Resize(80, 24)
	s.Resize(100, 30)
	s.Resize(120, 40)

	time.Sleep(100 * time.Millisecond)

	if got := pty.resizeCount(); got != 1 {
		t.Fatalf("expected one coalesced resize, got %d", got)
	}
	pty.mu.Lock()
	last := pty.resizes[0]
	pty.mu.Unlock()
	if last != [2]uint{120, 40} {
		t.Errorf("expected the latest size to win, got %v", last)
	}
}

func TestStream_SeparateBurstsBothForwarded(t *testing.T) {
	pty := &fakePTY{}
	s := newStream(pty, 10*time.Millisecond)
	defer s.Close()

	s.Resize(80, 24)
	time.Sleep(50 * time.Millisecond)
	s.Resize(100, 30)
	time.Sleep(50 * time.Millisecond)

	if got := pty.resizeCount(); got != 2 {
		t.Errorf("expected two forwarded resizes, got %d", got)
	}
}

func TestStream_CloseSuppressesPendingResize(t *testing.T) {
	pty := &fakePTY{}
	s := newStream(pty, 30*time.Millisecond)

	s.Resize(80, 24)
	s.Close()

	time.Sleep(80 * time.Millisecond)

	if got := pty.resizeCount(); got != 0 {
		t.Errorf("expected no resize after close, got %d", got)
	}
	if !pty.closed {
		t.Error("underlying PTY not closed")
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	pty := &fakePTY{}
	s := newStream(pty, 10*time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}
