package host

import (
	"context"
	"errors"
)

// ErrListenerClosed is returned by Listener.Accept when the listener will
// produce no further connections. It is not a failure: bindings whose
// medium supports a fixed number of sessions (a duplex byte stream supports
// exactly one) report exhaustion this way.
var ErrListenerClosed = errors.New("host: listener closed")

// ErrConnClosed is returned by Conn.Receive and Conn.Send once the peer has
// gone away and no further traffic is possible on the connection.
var ErrConnClosed = errors.New("host: connection closed")

// Binding turns a transport medium into a source of sessions. Implementations
// perform all one-time setup (binding a socket, adopting file descriptors) in
// Open; an error from Open is fatal to the server as a whole.
type Binding interface {
	// Open acquires the transport's resources and returns a Listener that
	// yields connections. The context bounds setup only, not the lifetime of
	// the returned listener.
	Open(ctx context.Context) (Listener, error)
}

// Listener yields connections, one per session.
type Listener interface {
	// Accept blocks until a new connection is available, the listener is
	// exhausted (ErrListenerClosed), or ctx is cancelled.
	Accept(ctx context.Context) (Conn, error)

	// Close releases the listener's resources. Accept calls in flight return
	// ErrListenerClosed. The server calls Close only after its sessions have
	// drained, so implementations may tear down remaining connections.
	Close() error
}

// Conn is a single session's duplex message channel. Receive and Send carry
// whole JSON-RPC messages; framing is the binding's concern. A Conn is used
// by one session flow at a time, so implementations need not make Receive
// safe for concurrent callers, though Send may be called while Receive
// blocks.
type Conn interface {
	// SessionID identifies the session for logging and session-scoped state.
	SessionID() string

	// Receive blocks until the next inbound message arrives. It returns
	// io.EOF or ErrConnClosed once the peer has disconnected cleanly.
	Receive(ctx context.Context) ([]byte, error)

	// Send delivers an outbound message to the peer.
	Send(ctx context.Context, msg []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
