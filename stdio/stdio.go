// Package stdio serves exactly one session over a duplex byte stream,
// normally the process's stdin/stdout pair. Messages are newline-delimited
// JSON-RPC; anything that is not protocol traffic (logs included) must go to
// stderr or the stream is corrupted.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hostwire/hostwire/host"
)

// SessionID is the fixed identifier of the stream's single session.
const SessionID = "stdio"

// maxLineBytes caps the size of a single inbound message line.
const maxLineBytes = 4 * 1024 * 1024

// Binding adapts a duplex byte stream into a single-session host.Binding.
type Binding struct {
	in  io.Reader
	out io.Writer
}

// Option customizes a Binding.
type Option func(*Binding)

// WithIO overrides the stream endpoints, which default to os.Stdin and
// os.Stdout. Used by tests and by embedders that speak the protocol over
// pipes.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(b *Binding) {
		b.in = in
		b.out = out
	}
}

// WithReader overrides only the inbound half of the stream.
func WithReader(in io.Reader) Option {
	return func(b *Binding) { b.in = in }
}

// WithWriter overrides only the outbound half of the stream.
func WithWriter(out io.Writer) Option {
	return func(b *Binding) { b.out = out }
}

// NewBinding builds a binding over the process's standard streams.
func NewBinding(opts ...Option) *Binding {
	b := &Binding{
		in:  os.Stdin,
		out: os.Stdout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open implements host.Binding. A byte stream needs no setup, so Open only
// constructs the listener.
func (b *Binding) Open(ctx context.Context) (host.Listener, error) {
	return &listener{conn: newConn(b.in, b.out)}, nil
}

// listener yields the stream's one connection, then reports exhaustion so
// the host knows no further sessions will ever arrive.
type listener struct {
	mu       sync.Mutex
	conn     *conn
	accepted bool
}

func (l *listener) Accept(ctx context.Context) (host.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accepted {
		return nil, host.ErrListenerClosed
	}
	l.accepted = true
	return l.conn, nil
}

func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = true
	return nil
}

// conn frames newline-delimited JSON-RPC over the byte stream.
type conn struct {
	scanner *bufio.Scanner

	writeMu sync.Mutex
	out     io.Writer

	closeMu sync.Mutex
	closed  chan struct{}
}

func newConn(in io.Reader, out io.Writer) *conn {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &conn{
		scanner: sc,
		out:     out,
		closed:  make(chan struct{}),
	}
}

func (c *conn) SessionID() string { return SessionID }

// Receive reads the next non-empty line from the stream. Because a blocked
// stdin read cannot be interrupted, cancellation is observed between lines:
// a line that arrives after ctx is cancelled is discarded and the context
// error returned.
func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := c.checkOpen(ctx); err != nil {
			return nil, err
		}

		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read message: %w", err)
			}
			return nil, io.EOF
		}

		if err := c.checkOpen(ctx); err != nil {
			return nil, err
		}

		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg := make([]byte, len(line))
		copy(msg, line)
		return msg, nil
	}
}

func (c *conn) Send(ctx context.Context, msg []byte) error {
	if err := c.checkOpen(ctx); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.out.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *conn) checkOpen(ctx context.Context) error {
	select {
	case <-c.closed:
		return host.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
