package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/hostwire/hostwire/host"
	"github.com/hostwire/hostwire/internal/logctx"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader = "Last-Event-ID"
	sessionIDParam    = "sessionId"
)

// inboundQueueDepth bounds POSTed messages waiting for the session flow.
const inboundQueueDepth = 16

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level, not JSON-RPC.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, status, msg)
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, eventID, eventName string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if eventName != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", eventName); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// handleGetSSE opens (or resumes) a session stream. The first event on a new
// stream is "endpoint", carrying the URL the client POSTs its messages to.
// Every subsequent event carries one outbound JSON-RPC message tagged with a
// monotonic event ID the client may replay from on reconnect.
func (b *Binding) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	b.log.InfoContext(ctx, "http.sse.start")

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
			b.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		b.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	sessionID := r.URL.Query().Get(sessionIDParam)

	var c *conn
	resumed := false
	if sessionID != "" {
		// Reconnect: re-attach the stream to a live session rather than
		// minting a new one.
		existing, ok := b.lookup(sessionID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "session not found")
			b.log.InfoContext(ctx, "session.resume.miss")
			return
		}
		c = existing
		resumed = true
	} else {
		c = newConn(b, uuid.NewString())
		if err := b.register(c); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "no session capacity")
			b.log.WarnContext(ctx, "session.reject", slog.String("err", err.Error()))
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: c.sessionID, Transport: "sse"})

	// Claim the stream before writing anything: a resume displaces the
	// previous GET, and a stream that drops without a successor closes the
	// session after the disconnect grace.
	streamCtx, detach := c.attachStream(r.Context())
	defer detach()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: streamCtx}

	endpoint := b.basePath + "/message?" + url.Values{sessionIDParam: {c.sessionID}}.Encode()
	if err := writeSSEEvent(wf, "", "endpoint", []byte(endpoint)); err != nil {
		b.log.WarnContext(ctx, "session.endpoint.write.fail", slog.String("err", err.Error()))
		if !resumed {
			c.Close()
		}
		return
	}

	if !resumed {
		select {
		case b.acceptCh <- c:
		case <-b.done:
			writeSSEEvent(wf, "", "error", []byte("server shutting down"))
			c.Close()
			return
		case <-streamCtx.Done():
			c.Close()
			return
		}
	}
	b.log.InfoContext(ctx, "session.stream.attach", slog.Bool("resumed", resumed))

	// Stream outbound messages until the client goes away, a resume takes
	// over, or the session ends. The subscription replays from lastEventID
	// when one was supplied.
	err := b.sessionHost.SubscribeSession(streamCtx, c.sessionID, lastEventID, func(msgCtx context.Context, msgID string, msg []byte) error {
		return writeSSEEvent(wf, msgID, "", msg)
	})
	if err != nil && streamCtx.Err() == nil {
		b.log.WarnContext(ctx, "session.stream.fail", slog.String("err", err.Error()))
	}
	b.log.InfoContext(ctx, "http.sse.end", slog.Duration("dur", time.Since(start)))
}

// handlePostMessage is the session ingress: one JSON-RPC message per request,
// acknowledged with 202 before any response is produced. Responses flow back
// over the session's SSE stream.
func (b *Binding) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	b.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		b.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	sessionID := r.URL.Query().Get(sessionIDParam)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId query parameter")
		b.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Transport: "sse"})

	c, ok := b.lookup(sessionID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		b.log.InfoContext(ctx, "session.miss")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		b.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	if err := c.deliver(r.Context(), raw); err != nil {
		writeJSONError(w, http.StatusGone, "session closed")
		b.log.InfoContext(ctx, "session.deliver.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	b.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// conn is one SSE session's half of the host.Conn contract. Inbound messages
// arrive from POST requests through a bounded queue; outbound messages are
// published to the session host, which the GET stream subscribes to.
type conn struct {
	b         *Binding
	sessionID string
	inbound   chan []byte

	closeMu sync.Mutex
	closed  chan struct{}

	// At most one event stream is attached at a time; streamGen fences stale
	// detach callbacks after a resume takes over.
	streamMu     sync.Mutex
	streamGen    int
	streamCancel context.CancelFunc
	detachTimer  *time.Timer
}

func newConn(b *Binding, sessionID string) *conn {
	return &conn{
		b:         b,
		sessionID: sessionID,
		inbound:   make(chan []byte, inboundQueueDepth),
		closed:    make(chan struct{}),
	}
}

func (c *conn) SessionID() string { return c.sessionID }

// attachStream claims the session's event stream for one GET request. Any
// previously attached stream is cancelled, so a resume displaces rather than
// duplicates delivery. The returned detach must run when the request ends: a
// session left with no stream is closed after the disconnect grace unless a
// resume re-attaches first.
func (c *conn) attachStream(parent context.Context) (context.Context, func()) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if c.detachTimer != nil {
		c.detachTimer.Stop()
		c.detachTimer = nil
	}
	if c.streamCancel != nil {
		c.streamCancel()
	}

	ctx, cancel := context.WithCancel(parent)
	c.streamGen++
	gen := c.streamGen
	c.streamCancel = cancel

	detach := func() {
		cancel()
		c.streamMu.Lock()
		defer c.streamMu.Unlock()
		if c.streamGen != gen {
			// A newer stream took over; nothing to schedule.
			return
		}
		c.streamCancel = nil
		select {
		case <-c.closed:
			return
		default:
		}
		c.detachTimer = time.AfterFunc(c.b.disconnectGrace, func() { _ = c.Close() })
	}
	return ctx, detach
}

func (c *conn) deliver(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return host.ErrConnClosed
	default:
	}
	select {
	case c.inbound <- msg:
		return nil
	case <-c.closed:
		return host.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return nil, host.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return host.ErrConnClosed
	default:
	}
	if _, err := c.b.sessionHost.PublishSession(ctx, c.sessionID, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	c.b.unregister(c.sessionID)

	c.streamMu.Lock()
	if c.detachTimer != nil {
		c.detachTimer.Stop()
		c.detachTimer = nil
	}
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	c.streamMu.Unlock()

	// Cleanup wakes the subscribed GET stream so it does not outlive the
	// session. Best effort; an expired request context must not keep the
	// session's backend state around.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.b.sessionHost.CleanupSession(cleanupCtx, c.sessionID)
}
