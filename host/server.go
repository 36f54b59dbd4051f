// Package host runs a service behind any transport binding. It owns the
// session lifecycle: it accepts connections from a Binding, runs one message
// flow per session, dispatches requests to the Service, and drains in-flight
// work on shutdown. The hosting loop contains no transport-specific branches;
// everything medium-dependent lives behind the Binding, Listener and Conn
// interfaces.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hostwire/hostwire/internal/jsonrpc"
	"github.com/hostwire/hostwire/internal/logctx"
	"github.com/hostwire/hostwire/service"
)

// Well-known methods handled by the hosting layer itself. Any other method
// names a service operation.
const (
	MethodPing     = "ping"
	MethodDescribe = "service/describe"
)

// DefaultDrainTimeout bounds how long in-flight operations may run after
// shutdown begins before their contexts are cancelled.
const DefaultDrainTimeout = 10 * time.Second

// State is a coarse lifecycle phase of a Server.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// DescribeResult is the payload of a service/describe response.
type DescribeResult struct {
	Name       string                  `json:"name"`
	Version    string                  `json:"version,omitempty"`
	Operations []service.OperationInfo `json:"operations"`
}

// Server hosts a single Service behind a Binding.
type Server struct {
	svc          service.Service
	log          *slog.Logger
	drainTimeout time.Duration

	mu    sync.Mutex
	state State
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger used for lifecycle and dispatch
// events. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithDrainTimeout bounds the shutdown grace period granted to in-flight
// operations.
func WithDrainTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.drainTimeout = d }
}

// NewServer builds a server around the given service. The service must be
// safe for concurrent use; the server invokes it from one goroutine per
// session.
func NewServer(svc service.Service, opts ...ServerOption) *Server {
	s := &Server{
		svc:          svc,
		log:          slog.Default(),
		drainTimeout: DefaultDrainTimeout,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the server's current lifecycle phase.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Serve opens the binding and runs sessions until ctx is cancelled or the
// binding's listener is exhausted. It returns nil after a clean shutdown; a
// binding setup failure or an irrecoverable accept failure is returned as an
// error. Serve may be called at most once per Server.
func (s *Server) Serve(ctx context.Context, b Binding) error {
	ln, err := b.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open binding: %w", err)
	}
	s.setState(StateRunning)
	s.log.InfoContext(ctx, "server.start")

	// opCtx outlives ctx so that operations already dispatched when shutdown
	// begins can finish and flush their responses. It is cancelled once the
	// drain grace period lapses.
	opCtx, cancelOps := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelOps()

	// sessCtx is the receive side of every flow. Cancelling it at shutdown
	// stops sessions from picking up new messages without interrupting the
	// dispatch they are in the middle of; an accept failure leaves ctx alive,
	// so flows need their own cancellation to unwind.
	sessCtx, cancelSessions := context.WithCancel(ctx)
	defer cancelSessions()

	var wg sync.WaitGroup
	flowsDone := make(chan struct{})

	var acceptErr error
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrListenerClosed) || ctx.Err() != nil {
				break
			}
			acceptErr = fmt.Errorf("failed to accept session: %w", err)
			s.log.ErrorContext(ctx, "server.accept.fail", slog.String("err", err.Error()))
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveSession(sessCtx, opCtx, conn)
		}()
	}

	go func() {
		wg.Wait()
		close(flowsDone)
	}()

	// A listener can be exhausted while the server is healthy (a byte-stream
	// binding yields exactly one session). Keep running until the sessions
	// themselves end or shutdown is requested.
	if acceptErr == nil && ctx.Err() == nil {
		select {
		case <-flowsDone:
		case <-ctx.Done():
		}
	}

	s.setState(StateShuttingDown)
	s.log.InfoContext(ctx, "server.drain")
	cancelSessions()

	// Drain before closing the listener: sessions may need the transport's
	// egress path to flush their final responses.
	select {
	case <-flowsDone:
	case <-time.After(s.drainTimeout):
		s.log.WarnContext(ctx, "server.drain.timeout")
		cancelOps()
		// A flow can be stuck in an uninterruptible read (a blocked stdin
		// cannot be unblocked from here). Give cancellation a moment to
		// propagate, then abandon the stragglers rather than hang shutdown.
		select {
		case <-flowsDone:
		case <-time.After(time.Second):
			s.log.ErrorContext(ctx, "server.drain.abandon")
		}
	}

	if err := ln.Close(); err != nil {
		s.log.WarnContext(ctx, "server.listener.close.fail", slog.String("err", err.Error()))
	}

	s.setState(StateStopped)
	s.log.InfoContext(ctx, "server.stop")
	return acceptErr
}

// serveSession runs one session's message flow: receive, decode, dispatch,
// respond, strictly in order. A failure here never escapes to the server;
// the session ends and its peers are unaffected.
func (s *Server) serveSession(ctx, opCtx context.Context, conn Conn) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: conn.SessionID()})
	opCtx = logctx.WithSessionData(opCtx, &logctx.SessionData{SessionID: conn.SessionID()})

	s.log.InfoContext(ctx, "session.start")
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.WarnContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		}
		s.log.InfoContext(ctx, "session.end")
	}()

	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, ErrConnClosed):
				s.log.InfoContext(ctx, "session.peer.gone")
			case ctx.Err() != nil:
				// Shutdown; nothing more to read.
			default:
				s.log.WarnContext(ctx, "session.receive.fail", slog.String("err", err.Error()))
			}
			return
		}

		res := s.dispatch(opCtx, conn, raw)
		if res == nil {
			continue
		}

		out, err := json.Marshal(res)
		if err != nil {
			s.log.ErrorContext(ctx, "session.response.marshal.fail", slog.String("err", err.Error()))
			continue
		}
		if err := conn.Send(opCtx, out); err != nil {
			s.log.WarnContext(ctx, "session.send.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// dispatch decodes one inbound message and produces its response, or nil for
// messages that get none (notifications, stray responses).
func (s *Server) dispatch(ctx context.Context, conn Conn, raw []byte) *jsonrpc.Response {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.WarnContext(ctx, "rpc.inbound.invalid", slog.String("err", err.Error()))
		code := jsonrpc.ErrorCodeInvalidRequest
		if !json.Valid(raw) {
			code = jsonrpc.ErrorCodeParseError
		}
		return jsonrpc.NewErrorResponse(jsonrpc.NewRequestID(nil), code, "invalid JSON-RPC message", nil)
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()
	if req == nil {
		// We issue no requests, so inbound responses have nothing to land on.
		s.log.WarnContext(ctx, "rpc.inbound.unexpected_response")
		return nil
	}

	if req.ID == nil {
		s.log.InfoContext(ctx, "rpc.notification.drop")
		return nil
	}

	res := s.handleRequest(ctx, conn, req)
	if res.Error != nil {
		s.log.InfoContext(ctx, "rpc.inbound.err",
			slog.Int("code", int(res.Error.Code)),
			slog.String("message", res.Error.Message),
		)
	} else {
		s.log.InfoContext(ctx, "rpc.inbound.ok")
	}
	return res
}

func (s *Server) handleRequest(ctx context.Context, conn Conn, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case MethodPing:
		return mustResult(req.ID, struct{}{})
	case MethodDescribe:
		return s.handleDescribe(ctx, conn, req)
	default:
		return s.handleOperation(ctx, conn, req)
	}
}

func (s *Server) handleDescribe(ctx context.Context, conn Conn, req *jsonrpc.Request) *jsonrpc.Response {
	info, err := s.svc.GetServiceInfo(ctx, conn)
	if err != nil {
		s.log.ErrorContext(ctx, "describe.info.fail", slog.String("err", err.Error()))
		return errorResponse(req.ID, err)
	}
	ops, err := s.svc.ListOperations(ctx, conn)
	if err != nil {
		s.log.ErrorContext(ctx, "describe.ops.fail", slog.String("err", err.Error()))
		return errorResponse(req.ID, err)
	}
	if ops == nil {
		ops = []service.OperationInfo{}
	}
	return mustResult(req.ID, DescribeResult{
		Name:       info.Name,
		Version:    info.Version,
		Operations: ops,
	})
}

func (s *Server) handleOperation(ctx context.Context, conn Conn, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Name: req.Method})

	op, ok, err := s.svc.GetOperation(ctx, conn, req.Method)
	if err != nil {
		s.log.ErrorContext(ctx, "op.resolve.fail", slog.String("err", err.Error()))
		return errorResponse(req.ID, err)
	}
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method), nil)
	}

	result, err := op.Invoke(ctx, conn, req.Params)
	if err != nil {
		s.log.InfoContext(ctx, "op.invoke.err", slog.String("err", err.Error()))
		return errorResponse(req.ID, err)
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		s.log.ErrorContext(ctx, "op.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

// errorResponse maps a failed operation onto a JSON-RPC error response.
// Domain errors cross the wire with their code and message; anything else is
// reported as an opaque internal error so arbitrary error text never leaks.
func errorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var de *service.Error
	if errors.As(err, &de) {
		return jsonrpc.NewErrorResponse(id, wireCode(de.Code), de.Message, de.Data)
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
}

func wireCode(code service.ErrorCode) jsonrpc.ErrorCode {
	switch code {
	case service.CodeInvalidArgument:
		return jsonrpc.ErrorCodeInvalidParams
	case service.CodeNotFound:
		return jsonrpc.ErrorCodeNotFound
	case service.CodeFailedPrecondition:
		return jsonrpc.ErrorCodeFailedPrecondition
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		// Only reachable with an unmarshalable result, which the built-in
		// payload types cannot produce.
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}
