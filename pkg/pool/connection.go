package pool

import (
	"context"
	"errors"
	"io"
	"time"
)

// State is the lifecycle state of a Connection handle.
type State int

const (
	// StatePending is set on construction, before protocol negotiation
	// (TLS/ALPN) has completed.
	StatePending State = iota
	// StateActive means at least one request is in flight. HTTP/2
	// connections may serve several requests while ACTIVE.
	StateActive
	// StateReady means an HTTP/1.1 connection has been claimed by the
	// pool's acquisition loop but the request has not yet been issued.
	StateReady
	// StateIdle means the connection is a keep-alive candidate.
	StateIdle
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateReady:
		return "ready"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNewConnectionRequired is the tagged signal a Connection.Request
// implementation returns when its current state or multiplexing limit
// precludes serving the request: the pool discards the handle and
// retries with a fresh one. It must never reach the pool's caller.
var ErrNewConnectionRequired = errors.New("pool: new connection required")

// Header is a single (name, value) pair, kept as an ordered list rather
// than a map so that repeated headers and original ordering survive the
// pool boundary untouched.
type Header struct {
	Name  string
	Value string
}

// Timeout carries the per-request timeout extensions the pool contract
// understands. Pool is the only field the pool itself consults; the rest
// passes through to the Connection collaborator untouched.
type Timeout struct {
	Pool *float64
}

// Ext is the opaque request/response extension bag threaded through the
// pool boundary (timeouts today; room for more without breaking the
// Connection contract).
type Ext struct {
	Timeout Timeout
}

// Response is what a Connection returns from a successful Request.
type Response struct {
	Status  int
	Headers []Header
	Body    io.ReadCloser
	Ext     Ext
}

// Connection is the external collaborator contract (§3, §6): an opaque
// per-connection handle owning one underlying socket. The pool only
// calls these methods; it never inspects the socket or the wire
// protocol directly.
type Connection interface {
	// Origin is immutable after construction.
	Origin() Origin

	// State returns the current lifecycle state.
	State() State

	// IsHTTP11 and IsHTTP2 are mutually exclusive and become meaningful
	// once protocol negotiation completes (State leaves StatePending).
	IsHTTP11() bool
	IsHTTP2() bool

	// ExpiresAt returns the keep-alive deadline, or nil if none is set.
	ExpiresAt() *float64
	// SetExpiresAt updates the keep-alive deadline; nil clears it.
	SetExpiresAt(at *float64)

	// IsSocketReadable is a non-blocking peek: true iff bytes are
	// buffered on the socket or the peer has closed it.
	IsSocketReadable() bool

	// MarkAsReady transitions StateIdle -> StateReady. Called by the
	// pool's acquisition loop, inside the acquiry lock, on the
	// connection it is about to hand back to a caller.
	MarkAsReady()

	// Request issues one HTTP request on this connection. A return of
	// ErrNewConnectionRequired (via errors.Is) tells the pool to discard
	// this handle and retry with a new one; the handle must have
	// already transitioned itself out of the pool (self-removed or
	// CLOSED) before returning that error.
	Request(ctx context.Context, method string, url URL, headers []Header, body io.Reader, ext Ext) (*Response, error)

	// StartTLS performs an in-place TLS upgrade of the underlying
	// socket, used by the proxy's CONNECT tunnel path.
	StartTLS(ctx context.Context, host string, timeout *time.Duration) error

	// Close is terminal: it sets State to StateClosed and releases the
	// socket. Calling Close twice, or calling it without having been
	// removed from the pool first, is safe.
	Close() error

	// Info renders a single-line human-readable summary used by
	// GetConnectionInfo.
	Info() string
}
