// Package tunnel implements the outbound Tower↔gateway tunnel client: a
// state machine that establishes a framed, authenticated, bidirectional
// connection to a remote relay, proxies inbound requests onto the local
// HTTP server, and recovers from transient failures while latching on
// permanent ones.
//
// Grounded on the teacher's single-goroutine-per-gateway idiom in
// internal/acp/gateway.go (one command/event loop owns all state
// transitions), its retry/backoff helper in internal/callbackretry, and
// its push-batching idiom in internal/errorreport — generalized here to a
// duplex HTTP/2 stream instead of a one-way agent-control-plane socket.
package tunnel

// State is one of the four tunnel connection states from spec.md §4.5.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateAuthFailed   State = "auth_failed"
)
