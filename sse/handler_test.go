package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hostwire/hostwire/host"
	"github.com/hostwire/hostwire/internal/jsonrpc"
	"github.com/hostwire/hostwire/service"
	"github.com/hostwire/hostwire/sessions"
)

type incArgs struct {
	By *int64 `json:"by,omitempty"`
}

// counterService is shared mutable state: every session operates on the same
// value, which is what makes the cross-session tests meaningful.
func counterService() service.Service {
	var mu sync.Mutex
	var value int64

	reg := service.NewRegistry(
		service.NewOperation("counter/increment", func(ctx context.Context, _ sessions.Session, args incArgs) (any, error) {
			by := int64(1)
			if args.By != nil {
				by = *args.By
			}
			mu.Lock()
			defer mu.Unlock()
			value += by
			return map[string]int64{"value": value}, nil
		}),
		service.NewOperation("counter/get", func(ctx context.Context, _ sessions.Session, _ struct{}) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			return map[string]int64{"value": value}, nil
		}),
	)
	return service.New(
		service.WithInfo(service.Info{Name: "counter", Version: "0.0.1"}),
		service.WithOperations(reg),
	)
}

func startServer(t *testing.T, opts ...Option) string {
	t.Helper()

	b := NewBinding("127.0.0.1:0", opts...)
	srv := host.NewServer(counterService(), host.WithDrainTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		if err := srv.Serve(ctx, b); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for b.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Addr() == nil {
		cancel()
		t.Fatal("binding never bound a listen address")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("Serve did not return during cleanup")
		}
	})
	return "http://" + b.Addr().String()
}

type sseEvent struct {
	id   string
	name string
	data string
}

type stream struct {
	t      *testing.T
	resp   *http.Response
	events chan sseEvent
}

// openStream performs the GET and, when the server accepts it, pumps parsed
// SSE events into a channel.
func openStream(t *testing.T, rawURL, lastEventID string) *stream {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", rawURL, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	s := &stream{t: t, resp: resp, events: make(chan sseEvent, 16)}
	if resp.StatusCode != http.StatusOK {
		return s
	}

	go func() {
		defer close(s.events)
		rd := bufio.NewReader(resp.Body)
		var ev sseEvent
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if ev.data != "" || ev.name != "" || ev.id != "" {
					s.events <- ev
					ev = sseEvent{}
				}
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return s
}

func (s *stream) next(timeout time.Duration) sseEvent {
	s.t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			s.t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(timeout):
		s.t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

// connect opens a fresh session and returns the stream plus the full ingress
// URL announced in the endpoint event.
func connect(t *testing.T, baseURL string) (*stream, string) {
	t.Helper()
	s := openStream(t, baseURL+"/sse", "")
	if s.resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /sse returned %d", s.resp.StatusCode)
	}
	ev := s.next(2 * time.Second)
	if ev.name != "endpoint" {
		t.Fatalf("first event is %q, want endpoint", ev.name)
	}
	return s, baseURL + ev.data
}

func post(t *testing.T, endpoint, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(endpoint, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	return resp
}

func decodeResponse(t *testing.T, ev sseEvent) *jsonrpc.Response {
	t.Helper()
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(ev.data), &any); err != nil {
		t.Fatalf("failed to decode event data %q: %v", ev.data, err)
	}
	res := any.AsResponse()
	if res == nil {
		t.Fatalf("expected response event, got %s: %s", any.Type(), ev.data)
	}
	return res
}

func counterResult(t *testing.T, res *jsonrpc.Response) int64 {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("operation failed: %+v", res.Error)
	}
	var out map[string]int64
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return out["value"]
}

func TestSessionRoundTrip(t *testing.T) {
	baseURL := startServer(t)
	s, endpoint := connect(t, baseURL)

	resp := post(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"counter/increment"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST returned %d, want 202", resp.StatusCode)
	}

	ev := s.next(2 * time.Second)
	if ev.id == "" {
		t.Error("response event carries no event id")
	}
	if got := counterResult(t, decodeResponse(t, ev)); got != 1 {
		t.Errorf("expected value 1, got %d", got)
	}
}

func TestConcurrentSessionsShareState(t *testing.T) {
	baseURL := startServer(t)

	s1, ep1 := connect(t, baseURL)
	s2, ep2 := connect(t, baseURL)

	post(t, ep1, `{"jsonrpc":"2.0","id":1,"method":"counter/increment"}`)
	counterResult(t, decodeResponse(t, s1.next(2*time.Second)))

	post(t, ep2, `{"jsonrpc":"2.0","id":1,"method":"counter/increment"}`)
	counterResult(t, decodeResponse(t, s2.next(2*time.Second)))

	post(t, ep1, `{"jsonrpc":"2.0","id":2,"method":"counter/get"}`)
	if got := counterResult(t, decodeResponse(t, s1.next(2*time.Second))); got != 2 {
		t.Errorf("expected shared value 2, got %d", got)
	}
}

func TestPostRequiresJSONContentType(t *testing.T) {
	baseURL := startServer(t)
	_, endpoint := connect(t, baseURL)

	resp, err := http.Post(endpoint, "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestPostUnknownSession(t *testing.T) {
	baseURL := startServer(t)

	resp := post(t, baseURL+"/message?sessionId=nope", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPostMissingSessionID(t *testing.T) {
	baseURL := startServer(t)

	resp := post(t, baseURL+"/message", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionCapRejectsWith503(t *testing.T) {
	baseURL := startServer(t, WithMaxSessions(1))

	connect(t, baseURL)

	s2 := openStream(t, baseURL+"/sse", "")
	if s2.resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at session cap, got %d", s2.resp.StatusCode)
	}
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	baseURL := startServer(t)
	s, endpoint := connect(t, baseURL)

	epURL, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("failed to parse endpoint: %v", err)
	}
	sessionID := epURL.Query().Get("sessionId")
	if sessionID == "" {
		t.Fatal("endpoint carries no sessionId")
	}

	post(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"counter/increment"}`)
	ev1 := s.next(2 * time.Second)
	post(t, endpoint, `{"jsonrpc":"2.0","id":2,"method":"counter/increment"}`)
	ev2 := s.next(2 * time.Second)

	// Drop the stream, then reconnect resuming after the first event.
	_ = s.resp.Body.Close()

	resumeURL := fmt.Sprintf("%s/sse?sessionId=%s", baseURL, sessionID)
	s2 := openStream(t, resumeURL, ev1.id)
	if s2.resp.StatusCode != http.StatusOK {
		t.Fatalf("resume GET returned %d", s2.resp.StatusCode)
	}

	if ev := s2.next(2 * time.Second); ev.name != "endpoint" {
		t.Fatalf("first resumed event is %q, want endpoint", ev.name)
	}

	replay := s2.next(2 * time.Second)
	if replay.id != ev2.id {
		t.Errorf("replayed event id %q, want %q", replay.id, ev2.id)
	}
	if replay.data != ev2.data {
		t.Errorf("replayed payload %q, want %q", replay.data, ev2.data)
	}
}

func TestDroppedStreamEndsSessionAfterGrace(t *testing.T) {
	baseURL := startServer(t, WithDisconnectGrace(100*time.Millisecond))
	s, endpoint := connect(t, baseURL)

	post(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"counter/increment"}`)
	counterResult(t, decodeResponse(t, s.next(2*time.Second)))

	// Drop the stream and never resume. The session must end on its own so
	// the ingress stops accepting and buffered state is released.
	_ = s.resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := post(t, endpoint, `{"jsonrpc":"2.0","id":2,"method":"counter/get"}`)
		if resp.StatusCode != http.StatusAccepted {
			if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusGone {
				t.Fatalf("expected 404 or 410 after session end, got %d", resp.StatusCode)
			}
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("session still accepting messages long after its stream dropped")
}

func TestResumeWithinGraceKeepsSessionAlive(t *testing.T) {
	baseURL := startServer(t, WithDisconnectGrace(2*time.Second))
	s, endpoint := connect(t, baseURL)

	epURL, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("failed to parse endpoint: %v", err)
	}
	sessionID := epURL.Query().Get("sessionId")

	post(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"counter/increment"}`)
	ev1 := s.next(2 * time.Second)

	_ = s.resp.Body.Close()

	s2 := openStream(t, fmt.Sprintf("%s/sse?sessionId=%s", baseURL, sessionID), ev1.id)
	if s2.resp.StatusCode != http.StatusOK {
		t.Fatalf("resume GET returned %d", s2.resp.StatusCode)
	}
	if ev := s2.next(2 * time.Second); ev.name != "endpoint" {
		t.Fatalf("first resumed event is %q, want endpoint", ev.name)
	}

	// Well past the original stream's drop, the session still serves.
	time.Sleep(500 * time.Millisecond)
	resp := post(t, endpoint, `{"jsonrpc":"2.0","id":2,"method":"counter/get"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("resumed session rejected a message with %d", resp.StatusCode)
	}
	counterResult(t, decodeResponse(t, s2.next(2*time.Second)))
}

func TestResumeDisplacesPreviousStream(t *testing.T) {
	baseURL := startServer(t)
	s, endpoint := connect(t, baseURL)

	epURL, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("failed to parse endpoint: %v", err)
	}
	sessionID := epURL.Query().Get("sessionId")

	// Attach a second stream without dropping the first. Only the newer
	// stream may receive subsequent events.
	s2 := openStream(t, fmt.Sprintf("%s/sse?sessionId=%s", baseURL, sessionID), "")
	if s2.resp.StatusCode != http.StatusOK {
		t.Fatalf("resume GET returned %d", s2.resp.StatusCode)
	}
	if ev := s2.next(2 * time.Second); ev.name != "endpoint" {
		t.Fatalf("first resumed event is %q, want endpoint", ev.name)
	}

	// The displaced stream ends; draining it to closure proves it cannot
	// deliver the upcoming event.
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-s.events:
			open = ok
		case <-deadline:
			t.Fatal("previous stream was not ended by the resume")
		}
	}

	post(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"counter/increment"}`)
	if got := counterResult(t, decodeResponse(t, s2.next(2*time.Second))); got != 1 {
		t.Errorf("expected value 1 on the new stream, got %d", got)
	}
}

func TestResumeUnknownSession(t *testing.T) {
	baseURL := startServer(t)

	s := openStream(t, baseURL+"/sse?sessionId=ghost", "")
	if s.resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 resuming unknown session, got %d", s.resp.StatusCode)
	}
}
