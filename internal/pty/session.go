// Package pty supervises PTY sessions backing architect, builder, and
// shell roles: it owns the PTY (or, for shellper-backed sessions, a
// client connection to one), forwards output to attached consumers,
// accepts input, and tracks idleness and composition.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// ErrSessionDead is returned by Write once a session has transitioned to
// its terminal dead state after a runtime I/O failure.
var ErrSessionDead = errors.New("session dead")

// Type identifies the role a session fills within a workspace.
type Type string

const (
	TypeArchitect Type = "architect"
	TypeBuilder   Type = "builder"
	TypeShell     Type = "shell"
)

// Session is the live supervisor for a running PTY. Exactly one of
// (localPty, conn) is non-nil: localPty for sessions Tower spawned
// directly, conn for sessions reattached to a shellper host.
type Session struct {
	ID        string
	Workspace string
	Type      Type
	RoleID    string

	cmd      *exec.Cmd      // nil for shellper-backed sessions
	localPty *os.File       // nil for shellper-backed sessions
	conn     io.ReadWriteCloser // non-nil only for shellper-backed sessions

	shellperBacked bool

	CreatedAt    time.Time
	OutputBuffer *RingBuffer

	mu             sync.RWMutex
	label          string
	rows, cols     int
	lastInputAt    int64 // epoch millis; 0 = never
	composing      bool
	dead           bool
	processExited  bool
	exitCode       int
	attachedWriter io.Writer
	onClose        func()
}

// Config holds the parameters for spawning a new, locally-owned PTY
// session.
type Config struct {
	ID               string
	Workspace        string
	Type             Type
	RoleID           string
	Label            string
	Shell            string
	Rows             int
	Cols             int
	Env              []string
	WorkDir          string
	OutputBufferSize int
	OnClose          func()
}

// New spawns a new local PTY session. A spawn failure is raised
// immediately to the caller — there is no retry or degraded mode at this
// layer.
func New(cfg Config) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("spawn pty: %w", err)
	}

	return &Session{
		ID:           cfg.ID,
		Workspace:    cfg.Workspace,
		Type:         cfg.Type,
		RoleID:       cfg.RoleID,
		cmd:          cmd,
		localPty:     ptmx,
		CreatedAt:    time.Now(),
		OutputBuffer: NewRingBuffer(cfg.OutputBufferSize),
		label:        cfg.Label,
		rows:         rows,
		cols:         cols,
		onClose:      cfg.OnClose,
	}, nil
}

// ShellperConfig holds the parameters for reattaching to a session hosted
// by an external shellper process.
type ShellperConfig struct {
	ID               string
	Workspace        string
	Type             Type
	RoleID           string
	Label            string
	Rows, Cols       int
	OutputBufferSize int
	OnClose          func()
}

// NewShellperBacked wraps an already-established shellper connection as a
// live session. conn carries the raw PTY byte stream for the remainder of
// the session's life; replay is written into the ring buffer up front so
// a newly attached viewer can be caught up immediately.
func NewShellperBacked(cfg ShellperConfig, conn io.ReadWriteCloser, replay []byte) *Session {
	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	s := &Session{
		ID:             cfg.ID,
		Workspace:      cfg.Workspace,
		Type:           cfg.Type,
		RoleID:         cfg.RoleID,
		conn:           conn,
		shellperBacked: true,
		CreatedAt:      time.Now(),
		OutputBuffer:   NewRingBuffer(cfg.OutputBufferSize),
		label:          cfg.Label,
		rows:           rows,
		cols:           cols,
		onClose:        cfg.OnClose,
	}
	if len(replay) > 0 {
		s.OutputBuffer.Write(replay)
	}
	return s
}

// ShellperBacked reports whether this session's process is owned by an
// external shellper host rather than by this Tower process. Satisfies
// registry.LiveSession.
func (s *Session) ShellperBacked() bool {
	return s.shellperBacked
}

func (s *Session) ioStream() io.ReadWriter {
	if s.conn != nil {
		return s.conn
	}
	return s.localPty
}

// SetAttachedWriter sets the writer that receives live output (typically
// a WebSocket connection).
func (s *Session) SetAttachedWriter(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachedWriter = w
}

// GetAttachedWriter returns the current attached writer.
func (s *Session) GetAttachedWriter() io.Writer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attachedWriter
}

// Label returns the session's display label.
func (s *Session) Label() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.label
}

// SetLabel updates the session's display label.
func (s *Session) SetLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

// PID returns the OS process ID of a locally-spawned session, or 0 for a
// shellper-backed session (Tower does not own that process).
func (s *Session) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols, s.rows
}

// Write writes raw bytes to the underlying PTY stream. isUserInput marks
// the write as originating from the user's keyboard, which advances
// lastInputAt for idle tracking; programmatic writes (e.g. pasted
// snippets replayed by tooling) should pass false. A write after the
// session has transitioned to its dead state returns ErrSessionDead.
func (s *Session) Write(p []byte, isUserInput bool) (int, error) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return 0, ErrSessionDead
	}
	if isUserInput {
		s.lastInputAt = nowMillis()
	}
	s.mu.Unlock()

	n, err := s.ioStream().Write(p)
	if err != nil {
		s.markDead(err)
		return n, ErrSessionDead
	}
	return n, nil
}

// Resize forwards a terminal resize to the PTY. Shellper-backed sessions
// record the new size locally; propagating it to the remote host is the
// shellper's own resize-frame concern, outside this package's contract.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	if s.localPty == nil {
		return nil
	}
	return pty.Setsize(s.localPty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Kill terminates the session. For a locally-spawned session this kills
// the child process and closes the PTY. For a shellper-backed session,
// Tower does not own the OS process — Kill only closes Tower's client
// connection, detaching from (not destroying) the shellper-hosted PTY.
func (s *Session) Kill() error {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}

	if s.conn != nil {
		return s.conn.Close()
	}

	if s.localPty != nil {
		if err := s.localPty.Close(); err != nil && err != io.EOF {
			return err
		}
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	return nil
}

// IsUserIdle reports whether the user has not typed for at least
// thresholdMs. A session that has never received user input is
// considered idle.
func (s *Session) IsUserIdle(thresholdMs int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastInputAt == 0 {
		return true
	}
	return nowMillis()-s.lastInputAt >= thresholdMs
}

// StartComposing sets the composing flag. Idempotent: repeated calls
// keep the flag set.
func (s *Session) StartComposing() {
	s.mu.Lock()
	s.composing = true
	s.mu.Unlock()
}

// StopComposing clears the composing flag. A single call clears it
// regardless of how many times StartComposing was called.
func (s *Session) StopComposing() {
	s.mu.Lock()
	s.composing = false
	s.mu.Unlock()
}

// Composing reports whether external delivery of queued messages to this
// session is currently inhibited, regardless of idle-by-timestamp status.
func (s *Session) Composing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.composing
}

// IsRunning reports whether the underlying process is believed to still
// be running. For shellper-backed sessions only the dead mark counts:
// process exit is ignored, since liveness there is a property of the
// shellper host, not of this client connection.
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shellperBacked {
		return !s.dead
	}
	return !s.processExited && !s.dead
}

// StartOutputReader starts a persistent goroutine that reads from the
// underlying stream, always writes to the ring buffer, and invokes
// onOutput for each chunk (idle tracking, WebSocket forwarding). onExit
// fires once the read loop ends, whether from process exit or a stream
// error.
func (s *Session) StartOutputReader(onOutput func(sessionID string, data []byte), onExit func(sessionID string)) {
	go func() {
		buf := make([]byte, 4096)
		stream := s.ioStream()
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				s.OutputBuffer.Write(chunk)
				if onOutput != nil {
					onOutput(s.ID, chunk)
				}
			}
			if err != nil {
				s.mu.Lock()
				s.processExited = true
				if s.cmd != nil && s.cmd.ProcessState != nil {
					s.exitCode = s.cmd.ProcessState.ExitCode()
				}
				s.mu.Unlock()

				slog.Info("pty output reader ended", "session", s.ID, "error", err)
				if onExit != nil {
					onExit(s.ID)
				}
				return
			}
		}
	}()
}

func (s *Session) markDead(err error) {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	slog.Warn("pty session write failed, transitioning to dead", "session", s.ID, "error", err)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
