// Package shellper is the client for the out-of-process PTY host
// ("the shellper") that keeps a PTY alive across Tower restarts. The
// shellper binary itself is an external collaborator; this package only
// implements Tower's side of the socket contract: probing whether a
// session's host process and socket are still reachable, and requesting
// a replay handle to reattach output streaming.
package shellper

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// Locator identifies where a shellper-hosted PTY can be reached: a UNIX
// socket path plus the host process's PID and start time, used to detect
// PID reuse after the original host has died.
type Locator struct {
	SocketPath string
	PID        int
	StartTime  int64
}

// Empty reports whether the locator carries no socket at all.
func (l Locator) Empty() bool {
	return l.SocketPath == ""
}

// request is the JSON body sent to the shellper over its UNIX socket.
type request struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ReplayHandle is returned by a successful replay request: buffered
// output produced since the Tower process last attached, plus the
// current terminal size known to the shellper.
type ReplayHandle struct {
	Buffered []byte `json:"-"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

type replayResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Buffered string `json:"buffered,omitempty"` // base64 not required on the wire for same-host sockets
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

// HostAlive reports whether the process recorded in the locator is still
// running. It does not guarantee the socket is responsive — callers
// should still attempt a dial.
func HostAlive(l Locator) bool {
	if l.PID <= 0 {
		return false
	}
	proc, err := os.FindProcess(l.PID)
	if err != nil {
		return false
	}
	// On UNIX, FindProcess always succeeds; signal 0 checks liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

// OpenStream dials the shellper socket and requests a long-lived byte
// stream for sessionID, leaving the connection open for the caller to use
// as the session's ongoing read/write transport. Call after a successful
// Probe, whose own connection is closed once the replay handle is read.
func OpenStream(ctx context.Context, l Locator, sessionID string, dialTimeout time.Duration) (net.Conn, error) {
	if l.Empty() {
		return nil, fmt.Errorf("shellper: no locator")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", l.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("shellper: dial %s: %w", l.SocketPath, err)
	}

	req := request{Type: "stream_request", SessionID: sessionID}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("shellper: send stream request: %w", err)
	}

	return conn, nil
}

// Probe dials the shellper socket and requests a replay handle for the
// given session, with the supplied timeout applied to both dial and
// round-trip. It returns an error for any failure — dead host, refused
// socket, malformed response, or a session unknown to the host.
func Probe(ctx context.Context, l Locator, sessionID string, timeout time.Duration) (*ReplayHandle, error) {
	if l.Empty() {
		return nil, fmt.Errorf("shellper: no locator")
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", l.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("shellper: dial %s: %w", l.SocketPath, err)
	}
	defer conn.Close()

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := request{Type: "replay_request", SessionID: sessionID}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("shellper: send request: %w", err)
	}

	var resp replayResponse
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("shellper: decode response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("shellper: replay request refused: %s", resp.Error)
	}

	return &ReplayHandle{
		Buffered: []byte(resp.Buffered),
		Cols:     resp.Cols,
		Rows:     resp.Rows,
	}, nil
}
