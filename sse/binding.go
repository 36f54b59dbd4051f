// Package sse serves many concurrent sessions over HTTP. A client opens a
// session with GET {base}/sse and receives an SSE stream; the first event
// names the ingress endpoint the client POSTs its JSON-RPC messages to.
// Outbound messages travel through a sessions.SessionHost, so a dropped
// stream can be resumed with the standard Last-Event-ID header.
package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hostwire/hostwire/host"
	"github.com/hostwire/hostwire/sessions"
	"github.com/hostwire/hostwire/sessions/memoryhost"
)

// ErrServerClosed is reported on connections rejected because the binding is
// shutting down.
var ErrServerClosed = errors.New("sse: server closed")

// DefaultDisconnectGrace is how long a session survives with no attached
// event stream before it is closed and its buffered state released.
const DefaultDisconnectGrace = 30 * time.Second

// Binding serves sessions over an HTTP listener. It satisfies host.Binding.
type Binding struct {
	addr            string
	basePath        string
	log             *slog.Logger
	sessionHost     sessions.SessionHost
	maxSessions     int
	disconnectGrace time.Duration

	mu       sync.Mutex
	conns    map[string]*conn
	acceptCh chan *conn
	done     chan struct{}
	httpSrv  *http.Server
	tcpLn    net.Listener
}

// Option customizes a Binding.
type Option func(*Binding)

// WithLogger sets the structured logger for HTTP and session events.
func WithLogger(log *slog.Logger) Option {
	return func(b *Binding) { b.log = log }
}

// WithSessionHost overrides the backend used to buffer and resume outbound
// messages. Defaults to an in-process memory host; use the Redis host when
// several instances sit behind one load balancer.
func WithSessionHost(h sessions.SessionHost) Option {
	return func(b *Binding) { b.sessionHost = h }
}

// WithMaxSessions caps concurrently live sessions. Zero means unbounded.
// At the cap, new GET {base}/sse requests are rejected with 503.
func WithMaxSessions(n int) Option {
	return func(b *Binding) { b.maxSessions = n }
}

// WithBasePath prefixes the /sse and /message routes, e.g. "/api".
func WithBasePath(p string) Option {
	return func(b *Binding) { b.basePath = p }
}

// WithDisconnectGrace sets how long a session may sit without an attached
// event stream before it ends. Within the grace a client can resume with
// Last-Event-ID and miss nothing; on expiry the session is closed so the
// hosting layer releases it.
func WithDisconnectGrace(d time.Duration) Option {
	return func(b *Binding) { b.disconnectGrace = d }
}

// NewBinding builds an HTTP binding that will listen on addr.
func NewBinding(addr string, opts ...Option) *Binding {
	b := &Binding{
		addr:            addr,
		log:             slog.Default(),
		disconnectGrace: DefaultDisconnectGrace,
		conns:           make(map[string]*conn),
		acceptCh:        make(chan *conn),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sessionHost == nil {
		b.sessionHost = memoryhost.New()
	}
	return b
}

// Open implements host.Binding. It binds the TCP listener and starts the
// HTTP server; a bind failure is fatal to the caller.
func (b *Binding) Open(ctx context.Context) (host.Listener, error) {
	tcpLn, err := net.Listen("tcp", b.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", b.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+b.basePath+"/sse", b.handleGetSSE)
	mux.HandleFunc("POST "+b.basePath+"/message", b.handlePostMessage)

	b.mu.Lock()
	b.tcpLn = tcpLn
	b.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.mu.Unlock()

	go func() {
		if err := b.httpSrv.Serve(tcpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error("http.serve.fail", slog.String("err", err.Error()))
		}
	}()

	b.log.InfoContext(ctx, "http.listen", slog.String("addr", tcpLn.Addr().String()))
	return &listener{b: b}, nil
}

// Addr returns the bound listen address, useful when addr was ":0".
func (b *Binding) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tcpLn == nil {
		return nil
	}
	return b.tcpLn.Addr()
}

type listener struct {
	b *Binding
}

func (l *listener) Accept(ctx context.Context) (host.Conn, error) {
	select {
	case c := <-l.b.acceptCh:
		return c, nil
	case <-l.b.done:
		return nil, host.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the binding down. The server only calls this after draining
// its sessions, so closing the remaining connections here just wakes their
// event streams before the HTTP server shuts down.
func (l *listener) Close() error {
	b := l.b

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return nil
	default:
		close(b.done)
	}
	srv := b.httpSrv
	remaining := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		remaining = append(remaining, c)
	}
	b.mu.Unlock()

	for _, c := range remaining {
		_ = c.Close()
	}

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}

func (b *Binding) register(c *conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return ErrServerClosed
	default:
	}
	if b.maxSessions > 0 && len(b.conns) >= b.maxSessions {
		return errors.New("session limit reached")
	}
	b.conns[c.sessionID] = c
	return nil
}

func (b *Binding) lookup(sessionID string) (*conn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[sessionID]
	return c, ok
}

func (b *Binding) unregister(sessionID string) {
	b.mu.Lock()
	delete(b.conns, sessionID)
	b.mu.Unlock()
}
