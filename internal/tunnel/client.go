package tunnel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"
)

// TunnelHeader is set on every request Tower dispatches in-process on
// behalf of a proxied tunnel request, so the local server can enforce
// spec.md §4.5's blocked-paths rule for tunnel-only traffic.
const TunnelHeader = "X-Tower-Tunnel"

var errAuthPermanent = errors.New("tunnel: invalid api key")

// DialFunc establishes the duplex byte stream used for the framed tunnel
// protocol. The default implementation opens an HTTP/2 streaming POST;
// tests substitute an in-memory pipe.
type DialFunc func(ctx context.Context, cfg Config) (io.ReadWriteCloser, error)

// Config configures a tunnel Client.
type Config struct {
	GatewayURL string
	APIKey     string

	// LocalAddr is this Tower process's own HTTP listen address, used
	// only to bridge CONNECT-upgraded streams (WebSocket attach) via a
	// genuine raw TCP connection, per spec.md §4.4.
	LocalAddr string

	// Handler dispatches ordinary proxied HTTP requests in-process.
	Handler http.Handler

	MetadataProvider MetadataProvider

	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	MetadataPeriod time.Duration

	// Dial overrides the default HTTP/2 duplex dialer; set by tests.
	Dial DialFunc

	// Insecure selects plain TCP/h2c framing instead of TLS, per
	// spec.md §6 ("or plain TCP in test mode").
	Insecure bool
}

func (c Config) withDefaults() Config {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 1 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MetadataPeriod <= 0 {
		c.MetadataPeriod = 60 * time.Second
	}
	if c.Dial == nil {
		c.Dial = dialHTTP2
	}
	return c
}

// Client maintains one outbound tunnel connection to a gateway. All state
// transitions are serialized on a single goroutine (run); dial, auth, and
// proxying I/O happen on separate goroutines that report back via cmdCh,
// matching the teacher's single-goroutine-per-gateway idiom.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker

	cmdCh chan any
	done  chan struct{}
	once  sync.Once

	stateMu     sync.RWMutex
	state       State
	connectedAt time.Time

	listenersMu sync.Mutex
	listeners   []func(State)

	writeMu sync.Mutex
	conn    io.ReadWriteCloser

	reconnectAttempt int

	streamsMu      sync.Mutex
	nextStreamID   uint64
	connectStreams map[uint64]chan []byte
}

// New constructs a Client. Call Start to launch its event loop, then
// Connect to begin the state machine.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:            cfg,
		breaker:        newBreaker(),
		cmdCh:          make(chan any, 16),
		done:           make(chan struct{}),
		state:          StateDisconnected,
		connectStreams: make(map[uint64]chan []byte),
	}
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tower-tunnel",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Start launches the client's single event-loop goroutine. Safe to call
// once.
func (c *Client) Start() {
	go c.run()
}

// Shutdown stops the event loop and closes any live connection.
func (c *Client) Shutdown() {
	c.once.Do(func() { close(c.done) })
}

// State returns the current tunnel state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// GetUptime returns how long the tunnel has been continuously connected,
// or nil if not currently connected.
func (c *Client) GetUptime() *time.Duration {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.state != StateConnected {
		return nil
	}
	d := time.Since(c.connectedAt)
	return &d
}

// OnStateChange registers a listener invoked on every state transition.
// A listener that panics is recovered and logged — it must not affect
// the state machine or other listeners (spec.md §4.5).
func (c *Client) OnStateChange(fn func(State)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) notify(s State) {
	c.listenersMu.Lock()
	listeners := append([]func(State){}, c.listeners...)
	c.listenersMu.Unlock()

	for _, fn := range listeners {
		func(fn func(State)) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("tunnel state listener panicked", "panic", r)
				}
			}()
			fn(s)
		}(fn)
	}
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	if s == StateConnected {
		c.connectedAt = time.Now()
	} else if c.state == StateConnected {
		c.connectedAt = time.Time{}
	}
	c.state = s
	c.stateMu.Unlock()
	c.notify(s)
}

// Connect requests a transition into connecting, ignored if already
// connecting or connected.
func (c *Client) Connect() { c.post(cmdConnect{}) }

// Disconnect forces the client back to disconnected from any state and
// cancels any pending reconnect timer.
func (c *Client) Disconnect() { c.post(cmdDisconnect{}) }

// ResetCircuitBreaker clears the auth_failed latch, returning the client
// to disconnected so Connect can be retried.
func (c *Client) ResetCircuitBreaker() { c.post(cmdResetBreaker{}) }

// SendMetadata pushes the current metadata snapshot if connected.
func (c *Client) SendMetadata() { c.post(cmdSendMetadata{}) }

func (c *Client) post(v any) {
	select {
	case c.cmdCh <- v:
	case <-c.done:
	}
}

type (
	cmdConnect       struct{}
	cmdDisconnect    struct{}
	cmdResetBreaker  struct{}
	cmdSendMetadata  struct{}
	cmdConnectResult struct {
		conn io.ReadWriteCloser
		err  error
	}
	cmdConnLost struct{ conn io.ReadWriteCloser }
)

func (c *Client) run() {
	var reconnectTimer *time.Timer
	var reconnectC <-chan time.Time

	stopReconnect := func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
			reconnectTimer = nil
			reconnectC = nil
		}
	}
	scheduleReconnect := func() {
		delay := c.nextBackoff()
		reconnectTimer = time.NewTimer(delay)
		reconnectC = reconnectTimer.C
	}

	metaTicker := time.NewTicker(c.cfg.MetadataPeriod)
	defer metaTicker.Stop()

	for {
		select {
		case <-c.done:
			stopReconnect()
			c.closeConn()
			return

		case <-reconnectC:
			reconnectC = nil
			c.beginConnect()

		case <-metaTicker.C:
			if c.State() == StateConnected {
				go c.pushMetadata()
			}

		case raw := <-c.cmdCh:
			switch cmd := raw.(type) {
			case cmdConnect:
				if st := c.State(); st == StateConnecting || st == StateConnected {
					continue
				}
				stopReconnect()
				c.beginConnect()

			case cmdDisconnect:
				stopReconnect()
				c.closeConn()
				c.setState(StateDisconnected)

			case cmdResetBreaker:
				if c.State() == StateAuthFailed {
					c.breaker = newBreaker()
					c.setState(StateDisconnected)
				}

			case cmdSendMetadata:
				if c.State() == StateConnected {
					go c.pushMetadata()
				}

			case cmdConnectResult:
				if cmd.err != nil {
					if errors.Is(cmd.err, errAuthPermanent) {
						c.setState(StateAuthFailed)
						continue
					}
					c.setState(StateDisconnected)
					scheduleReconnect()
					continue
				}
				c.reconnectAttempt = 0
				c.conn = cmd.conn
				c.setState(StateConnected)
				go c.readLoop(cmd.conn)
				go c.pushMetadata()

			case cmdConnLost:
				if c.conn == cmd.conn {
					c.conn = nil
					if c.State() == StateConnected {
						c.setState(StateDisconnected)
						scheduleReconnect()
					}
				}
			}
		}
	}
}

func (c *Client) nextBackoff() time.Duration {
	c.reconnectAttempt++
	base := c.cfg.ReconnectMin << uint(minInt(c.reconnectAttempt-1, 10))
	if base > c.cfg.ReconnectMax || base <= 0 {
		base = c.cfg.ReconnectMax
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base/2 + jitter
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Client) beginConnect() {
	c.setState(StateConnecting)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		_, err := c.breaker.Execute(func() (interface{}, error) {
			conn, dialErr := c.cfg.Dial(ctx, c.cfg)
			if dialErr != nil {
				return nil, dialErr
			}
			authErr := performAuth(conn, c.cfg.APIKey)
			if authErr != nil {
				conn.Close()
				return nil, authErr
			}
			c.post(cmdConnectResult{conn: conn})
			return nil, nil
		})
		if err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
			c.post(cmdConnectResult{err: err})
		} else if errors.Is(err, gobreaker.ErrOpenState) {
			c.post(cmdConnectResult{err: fmt.Errorf("tunnel: circuit open: %w", err)})
		}
	}()
}

// performAuth sends the auth frame and blocks for the gateway's reply.
func performAuth(conn io.ReadWriteCloser, apiKey string) error {
	if err := writeFrame(conn, tagAuth, authFrame{APIKey: apiKey}); err != nil {
		return err
	}
	tag, body, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("tunnel: read auth result: %w", err)
	}
	if tag != tagAuthResult {
		return fmt.Errorf("tunnel: unexpected frame tag %v awaiting auth result", tag)
	}
	var result authResultFrame
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	switch result.Status {
	case authOK:
		return nil
	case authInvalidAPIKey:
		return errAuthPermanent
	default:
		return fmt.Errorf("tunnel: auth rejected: %s", result.Status)
	}
}

func (c *Client) closeConn() {
	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) readLoop(conn io.ReadWriteCloser) {
	for {
		tag, body, err := readFrame(conn)
		if err != nil {
			c.post(cmdConnLost{conn: conn})
			return
		}
		switch tag {
		case tagRequest:
			var req requestFrame
			if json.Unmarshal(body, &req) == nil {
				go c.handleRequest(conn, req)
			}
		case tagConnectOpen:
			var open connectOpenFrame
			if json.Unmarshal(body, &open) == nil {
				go c.handleConnectOpen(conn, open)
			}
		case tagConnectData:
			frame, perr := parseConnectData(body)
			if perr == nil {
				c.streamsMu.Lock()
				ch := c.connectStreams[frame.StreamID]
				c.streamsMu.Unlock()
				if ch != nil {
					select {
					case ch <- frame.Data:
					default:
					}
				}
			}
		case tagConnectClose:
			var closed connectCloseFrame
			if json.Unmarshal(body, &closed) == nil {
				c.streamsMu.Lock()
				if ch, ok := c.connectStreams[closed.StreamID]; ok {
					close(ch)
					delete(c.connectStreams, closed.StreamID)
				}
				c.streamsMu.Unlock()
			}
		}
	}
}

// hopByHopHeaders must be stripped from proxied responses per spec.md §4.5.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func (c *Client) handleRequest(conn io.ReadWriteCloser, frame requestFrame) {
	req, err := http.NewRequest(frame.Method, frame.Path, bytes.NewReader(frame.Body))
	if err != nil {
		c.writeResponse(conn, responseFrame{StreamID: frame.StreamID, Status: http.StatusBadRequest})
		return
	}
	for k, vals := range frame.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(TunnelHeader, "1")

	rec := httptest.NewRecorder()
	if c.cfg.Handler != nil {
		c.cfg.Handler.ServeHTTP(rec, req)
	} else {
		rec.WriteHeader(http.StatusServiceUnavailable)
	}

	header := rec.Header().Clone()
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}

	c.writeResponse(conn, responseFrame{
		StreamID: frame.StreamID,
		Status:   rec.Code,
		Header:   header,
		Body:     rec.Body.Bytes(),
	})
}

func (c *Client) writeResponse(conn io.ReadWriteCloser, resp responseFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(conn, tagResponse, resp); err != nil {
		slog.Error("tunnel: write response frame failed", "error", err)
	}
}

// handleConnectOpen bridges a tunnel CONNECT stream to a genuine raw TCP
// connection against this Tower's own local server, so the gateway can
// complete a WebSocket upgrade through the tunnel (spec.md §4.4).
func (c *Client) handleConnectOpen(conn io.ReadWriteCloser, open connectOpenFrame) {
	local, err := net.DialTimeout("tcp", c.cfg.LocalAddr, 5*time.Second)
	if err != nil {
		c.writeMu.Lock()
		_ = writeFrame(conn, tagConnectClose, connectCloseFrame{StreamID: open.StreamID})
		c.writeMu.Unlock()
		return
	}
	defer local.Close()

	inbound := make(chan []byte, 32)
	c.streamsMu.Lock()
	c.connectStreams[open.StreamID] = inbound
	c.streamsMu.Unlock()
	defer func() {
		c.streamsMu.Lock()
		delete(c.connectStreams, open.StreamID)
		c.streamsMu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				c.writeMu.Lock()
				werr := writeConnectData(conn, open.StreamID, buf[:n])
				c.writeMu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for data := range inbound {
		if _, err := local.Write(data); err != nil {
			break
		}
	}
	<-done
}

func (c *Client) pushMetadata() {
	if c.cfg.MetadataProvider == nil {
		return
	}
	snapshot := c.cfg.MetadataProvider()
	body, err := json.Marshal(snapshot)
	if err != nil {
		slog.Error("tunnel: marshal metadata push failed", "error", err)
		return
	}

	url := strings.TrimRight(c.cfg.GatewayURL, "/") + "/__tower/metadata-push"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("tunnel: metadata push failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("tunnel: metadata push rejected", "status", resp.StatusCode)
	}
}

// dialHTTP2 opens the default duplex transport: a streaming POST over
// HTTP/2 whose request body and response body together form the tunnel's
// bidirectional byte stream.
func dialHTTP2(ctx context.Context, cfg Config) (io.ReadWriteCloser, error) {
	tr := &http2.Transport{}
	if cfg.Insecure {
		tr.AllowHTTP = true
		tr.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}

	pr, pw := io.Pipe()
	url := strings.TrimRight(cfg.GatewayURL, "/") + "/tunnel/connect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: build connect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := tr.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("tunnel: dial gateway: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("tunnel: gateway returned status %d", resp.StatusCode)
	}

	return &duplexStream{r: resp.Body, w: pw}, nil
}

// duplexStream adapts a streaming POST's write-side pipe and the
// response body's read-side into a single io.ReadWriteCloser.
type duplexStream struct {
	r io.ReadCloser
	w *io.PipeWriter
}

func (d *duplexStream) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexStream) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexStream) Close() error {
	werr := d.w.Close()
	rerr := d.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
