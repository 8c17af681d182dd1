package pty

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(Config{
		ID:               "sess-1",
		Workspace:        "/ws/a",
		Type:             TypeShell,
		RoleID:           "shell-1",
		Shell:            "/bin/sh",
		Rows:             24,
		Cols:             80,
		OutputBufferSize: 4096,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Kill() })
	return s
}

func TestOutputReaderCapturesToRingBuffer(t *testing.T) {
	session := newTestSession(t)

	done := make(chan struct{})
	session.StartOutputReader(func(sessionID string, data []byte) {
		select {
		case <-done:
		default:
			close(done)
		}
	}, nil)

	if _, err := session.Write([]byte("echo hi\n"), true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pty output")
	}

	if session.OutputBuffer.Len() == 0 {
		t.Fatal("expected output buffer to capture some bytes")
	}
}

// Invariant 4: recordUserInput(); isUserIdle(T)===false before T elapses,
// ===true at/after T.
func TestIsUserIdleBeforeAndAfterThreshold(t *testing.T) {
	session := newTestSession(t)

	if !session.IsUserIdle(1000) {
		t.Fatal("session with no input should be idle")
	}

	if _, err := session.Write([]byte("x"), true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if session.IsUserIdle(1000) {
		t.Fatal("session should not be idle immediately after input")
	}

	time.Sleep(1100 * time.Millisecond)

	if !session.IsUserIdle(1000) {
		t.Fatal("session should be idle once the threshold has elapsed")
	}
}

func TestNonUserWritesDoNotResetIdle(t *testing.T) {
	session := newTestSession(t)

	if _, err := session.Write([]byte("x"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !session.IsUserIdle(1) {
		t.Fatal("a non-user write must not count as user input for idle tracking")
	}
}

// Invariant 3 / boundary scenario 4: composing=true gates delivery
// regardless of isUserIdle.
func TestComposingGatesRegardlessOfIdle(t *testing.T) {
	session := newTestSession(t)

	session.Write([]byte("x"), true)
	session.StartComposing()

	time.Sleep(50 * time.Millisecond)

	if !session.IsUserIdle(10) {
		t.Fatal("session should read as idle by timestamp")
	}
	if !session.Composing() {
		t.Fatal("composing flag should remain set")
	}
}

func TestStartComposingIdempotentSingleStopClears(t *testing.T) {
	session := newTestSession(t)

	session.StartComposing()
	session.StartComposing()
	session.StartComposing()

	if !session.Composing() {
		t.Fatal("expected composing flag set after multiple StartComposing calls")
	}

	session.StopComposing()

	if session.Composing() {
		t.Fatal("a single StopComposing should clear the flag")
	}
}

func TestWriteAfterKillReturnsSessionDead(t *testing.T) {
	session := newTestSession(t)
	if err := session.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if _, err := session.Write([]byte("x"), true); err != ErrSessionDead {
		t.Fatalf("Write after Kill = %v, want ErrSessionDead", err)
	}
}

func TestShellperBackedSessionReplaysBufferedOutput(t *testing.T) {
	r, w := newPipeConn(t)
	defer w.Close()

	session := NewShellperBacked(ShellperConfig{
		ID:        "sess-2",
		Workspace: "/ws/a",
		Type:      TypeBuilder,
		RoleID:    "builder-spir-1",
		Rows:      24,
		Cols:      80,
	}, r, []byte("replayed output"))

	if !session.ShellperBacked() {
		t.Fatal("expected ShellperBacked() true")
	}
	if string(session.OutputBuffer.ReadAll()) != "replayed output" {
		t.Fatalf("ReadAll() = %q, want replayed buffer content", session.OutputBuffer.ReadAll())
	}
}

// newPipeConn returns an in-memory io.ReadWriteCloser standing in for a
// shellper socket connection, for tests that don't need a real socket.
func newPipeConn(t *testing.T) (io.ReadWriteCloser, io.Closer) {
	t.Helper()
	return &fakeConn{buf: &bytes.Buffer{}}, noopCloser{}
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

type fakeConn struct {
	buf *bytes.Buffer
	mu  sync.Mutex
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		return 0, io.EOF
	}
	return c.buf.Read(p)
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error { return nil }
