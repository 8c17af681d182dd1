package server

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// frameTagData is the 1-byte prefix on every PTY attach WebSocket message, per
// spec.md §4.4.
const frameTagData byte = 0x01

// wsWriter frames outbound PTY bytes with the data tag and serializes
// writes to the underlying WebSocket connection, which gorilla/websocket
// does not do for concurrent writers on its own.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (ww *wsWriter) Write(p []byte) (int, error) {
	ww.mu.Lock()
	defer ww.mu.Unlock()

	framed := make([]byte, 1+len(p))
	framed[0] = frameTagData
	copy(framed[1:], p)
	if err := ww.conn.WriteMessage(websocket.BinaryMessage, framed); err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleTerminalWS upgrades to a binary WebSocket and attaches it to a live
// PTY session as both output sink and input source. Replay of recently
// buffered output is sent immediately on attach so a reconnecting client
// doesn't lose output produced while detached.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session := s.pty.GetSession(id)
	if session == nil {
		http.Error(w, "terminal not found", http.StatusNotFound)
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	writer := &wsWriter{conn: conn}
	if replay := session.OutputBuffer.ReadAll(); len(replay) > 0 {
		if _, err := writer.Write(replay); err != nil {
			return
		}
	}
	session.SetAttachedWriter(writer)
	defer func() {
		if session.GetAttachedWriter() == io.Writer(writer) {
			session.SetAttachedWriter(nil)
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		tag, payload := data[0], data[1:]
		switch tag {
		case frameTagData:
			if _, err := session.Write(payload, true); err != nil {
				return
			}
		default:
			slog.Warn("websocket terminal: unknown frame tag", "session", id, "tag", tag)
		}
	}
}
