// Package sessionhosttest provides a reusable conformance suite for
// sessions.SessionHost implementations. Both memoryhost and redishost run the
// same suite so that ordering and resume semantics cannot drift apart.
package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hostwire/hostwire/sessions"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the
// provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("ReplayForLateSubscriber", func(t *testing.T) { testReplayForLateSubscriber(t, factory) })
	t.Run("OrderingWithinSession", func(t *testing.T) { testOrderingWithinSession(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
}

// uniqueSessionID keeps runs isolated on shared backends (a persistent Redis
// retains streams across test invocations).
func uniqueSessionID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

type received struct {
	id   string
	data string
}

// collect subscribes in the background and returns a function that waits for
// n messages (or times out).
func collect(ctx context.Context, t *testing.T, h sessions.SessionHost, sessionID, lastEventID string) (func(n int) []received, context.CancelFunc) {
	t.Helper()

	subCtx, cancel := context.WithCancel(ctx)

	var mu sync.Mutex
	var got []received

	go func() {
		_ = h.SubscribeSession(subCtx, sessionID, lastEventID, func(ctx context.Context, msgID string, msg []byte) error {
			mu.Lock()
			got = append(got, received{id: msgID, data: string(msg)})
			mu.Unlock()
			return nil
		})
	}()

	// Give the subscription a moment to register before the caller publishes.
	time.Sleep(50 * time.Millisecond)

	wait := func(n int) []received {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			if len(got) >= n {
				out := append([]received(nil), got...)
				mu.Unlock()
				return out
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("timed out waiting for %d messages, got %d", n, len(got))
		return nil
	}
	return wait, cancel
}

func testPublishAndSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sid := uniqueSessionID("pubsub")

	wait, stop := collect(ctx, t, h, sid, "")
	defer stop()

	evID, err := h.PublishSession(ctx, sid, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}

	got := wait(1)
	if got[0].id != evID {
		t.Errorf("event id mismatch: got %q, want %q", got[0].id, evID)
	}
	if got[0].data != `{"n":1}` {
		t.Errorf("payload mismatch: got %q", got[0].data)
	}
}

// A subscriber with no resume cursor must observe messages published before
// it attached. Transports rely on this: a response produced between session
// creation and stream attachment must not be lost.
func testReplayForLateSubscriber(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sid := uniqueSessionID("late")

	if _, err := h.PublishSession(ctx, sid, []byte("early")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	wait, stop := collect(ctx, t, h, sid, "")
	defer stop()

	got := wait(1)
	if got[0].data != "early" {
		t.Errorf("payload mismatch: got %q, want %q", got[0].data, "early")
	}
}

func testOrderingWithinSession(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sid := uniqueSessionID("ord")

	wait, stop := collect(ctx, t, h, sid, "")
	defer stop()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := h.PublishSession(ctx, sid, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	got := wait(n)
	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("msg-%d", i); got[i].data != want {
			t.Fatalf("out of order delivery at %d: got %q, want %q", i, got[i].data, want)
		}
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sid := uniqueSessionID("resume")

	// First subscriber receives two messages, then disconnects.
	wait, stop := collect(ctx, t, h, sid, "")
	if _, err := h.PublishSession(ctx, sid, []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := h.PublishSession(ctx, sid, []byte("b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first := wait(2)
	stop()

	// Resume after the first message: expect "b" replayed, then "c" live.
	wait2, stop2 := collect(ctx, t, h, sid, first[0].id)
	defer stop2()
	if _, err := h.PublishSession(ctx, sid, []byte("c")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := wait2(2)
	if got[0].data != "b" || got[1].data != "c" {
		t.Fatalf("resume delivered %q, %q; want \"b\", \"c\"", got[0].data, got[1].data)
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sidA := uniqueSessionID("iso-a")
	sidB := uniqueSessionID("iso-b")

	waitA, stopA := collect(ctx, t, h, sidA, "")
	defer stopA()
	waitB, stopB := collect(ctx, t, h, sidB, "")
	defer stopB()

	if _, err := h.PublishSession(ctx, sidA, []byte("for-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := h.PublishSession(ctx, sidB, []byte("for-b")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	gotA := waitA(1)
	gotB := waitB(1)
	if gotA[0].data != "for-a" {
		t.Errorf("session a received %q", gotA[0].data)
	}
	if gotB[0].data != "for-b" {
		t.Errorf("session b received %q", gotB[0].data)
	}
}

func testSubscriptionCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sid := uniqueSessionID("cancel")

	subCtx, subCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(subCtx, sid, "", func(ctx context.Context, msgID string, msg []byte) error {
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	subCancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end after cancellation")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sid := uniqueSessionID("err")

	errBoom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sid, "", func(ctx context.Context, msgID string, msg []byte) error {
			return errBoom
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := h.PublishSession(ctx, sid, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, errBoom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end after handler error")
	}
}
