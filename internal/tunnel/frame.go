package tunnel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// frameTag is the 1-byte tag prefixing every frame on the tunnel's duplex
// byte stream, mirroring the 1-byte tag the local WebSocket attach
// endpoint uses for PTY data (spec.md §4.4) — the same framing idiom
// applied to a second transport.
type frameTag byte

const (
	tagAuth         frameTag = 0x01
	tagAuthResult   frameTag = 0x02
	tagRequest      frameTag = 0x03
	tagResponse     frameTag = 0x04
	tagConnectOpen  frameTag = 0x05
	tagConnectData  frameTag = 0x06
	tagConnectClose frameTag = 0x07
)

// authFrame carries the long-lived API key used to authenticate the
// tunnel on connect.
type authFrame struct {
	APIKey string `json:"apiKey"`
}

// authResultStatus enumerates the gateway's reply to an auth frame, per
// spec.md §6's tunnel protocol.
type authResultStatus string

const (
	authOK               authResultStatus = "ok"
	authInvalidAPIKey    authResultStatus = "invalid_api_key"
	authRateLimited      authResultStatus = "rate_limited"
	authInvalidAuthFrame authResultStatus = "invalid_auth_frame"
	authInternalError    authResultStatus = "internal_error"
)

type authResultFrame struct {
	Status authResultStatus `json:"status"`
}

// retryable reports whether this auth failure should be followed by a
// backed-off reconnect attempt rather than latching the circuit breaker.
// Only an invalid API key is a permanent failure (spec.md §4.5).
func (s authResultStatus) retryable() bool {
	return s != authOK && s != authInvalidAPIKey
}

// requestFrame carries a proxied HTTP request from the gateway.
type requestFrame struct {
	StreamID uint64              `json:"streamId"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Header   map[string][]string `json:"header"`
	Body     []byte              `json:"body,omitempty"`
}

// responseFrame carries the local server's reply back to the gateway.
type responseFrame struct {
	StreamID uint64              `json:"streamId"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header"`
	Body     []byte              `json:"body,omitempty"`
}

// connectOpenFrame asks Tower to bridge a raw TCP connection to its own
// local server — used for WebSocket upgrades proxied through the tunnel.
type connectOpenFrame struct {
	StreamID uint64 `json:"streamId"`
	Target   string `json:"target"`
}

// connectDataFrame carries raw bytes for an established CONNECT stream in
// either direction, identified by StreamID so many can share the duplex
// connection.
type connectDataFrame struct {
	StreamID uint64
	Data     []byte
}

// connectCloseFrame signals that one side has closed a CONNECT stream.
type connectCloseFrame struct {
	StreamID uint64 `json:"streamId"`
}

// writeFrame writes tag, a 4-byte big-endian length, then payload to w.
// JSON-encoded payloads keep the protocol simple and debuggable; raw
// connectData frames use their own binary header (see writeConnectData).
func writeFrame(w io.Writer, tag frameTag, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("tunnel: marshal frame %v: %w", tag, err)
	}
	return writeRaw(w, tag, body)
}

func writeRaw(w io.Writer, tag frameTag, body []byte) error {
	header := make([]byte, 5)
	header[0] = byte(tag)
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("tunnel: write frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("tunnel: write frame body: %w", err)
		}
	}
	return nil
}

// writeConnectData frames a streamID + raw payload without JSON overhead,
// since CONNECT bridging forwards arbitrary binary WebSocket traffic.
func writeConnectData(w io.Writer, streamID uint64, data []byte) error {
	body := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(body, streamID)
	copy(body[8:], data)
	return writeRaw(w, tagConnectData, body)
}

func parseConnectData(body []byte) (connectDataFrame, error) {
	if len(body) < 8 {
		return connectDataFrame{}, fmt.Errorf("tunnel: short connect-data frame")
	}
	return connectDataFrame{StreamID: binary.BigEndian.Uint64(body[:8]), Data: body[8:]}, nil
}

// readFrame reads one frame from r: its tag and raw JSON/binary payload.
func readFrame(r io.Reader) (frameTag, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	return frameTag(header[0]), body, nil
}
