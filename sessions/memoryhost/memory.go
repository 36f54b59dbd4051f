package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hostwire/hostwire/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost. It retains the
// full message history of each session until CleanupSession so that
// subscribers can resume from any previously delivered event ID.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*sessionData
	counter  atomic.Int64
}

type sessionData struct {
	mu       sync.Mutex
	messages []message
	notify   chan struct{}
	closed   bool
}

type message struct {
	id   string
	data []byte
}

func New() *Host {
	return &Host{sessions: make(map[string]*sessionData)}
}

func (h *Host) ensureSession(sessionID string) *sessionData {
	h.mu.Lock()
	defer h.mu.Unlock()
	sd, ok := h.sessions[sessionID]
	if !ok {
		sd = &sessionData{notify: make(chan struct{})}
		h.sessions[sessionID] = sd
	}
	return sd
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	sd := h.ensureSession(sessionID)
	evID := strconv.FormatInt(h.counter.Add(1), 10)

	sd.mu.Lock()
	if sd.closed {
		sd.mu.Unlock()
		return "", sessions.ErrSessionNotFound
	}
	sd.messages = append(sd.messages, message{id: evID, data: append([]byte(nil), data...)})
	// Wake all waiting subscribers.
	close(sd.notify)
	sd.notify = make(chan struct{})
	sd.mu.Unlock()

	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, fn sessions.MessageHandlerFunction) error {
	sd := h.ensureSession(sessionID)

	sd.mu.Lock()
	idx, err := sd.startIndexLocked(lastEventID)
	if err != nil {
		sd.mu.Unlock()
		return err
	}
	sd.mu.Unlock()

	for {
		sd.mu.Lock()
		if sd.closed {
			sd.mu.Unlock()
			return nil
		}
		var batch []message
		if idx < len(sd.messages) {
			batch = append(batch, sd.messages[idx:]...)
			idx = len(sd.messages)
		}
		notify := sd.notify
		sd.mu.Unlock()

		for _, m := range batch {
			if err := fn(ctx, m.id, m.data); err != nil {
				return err
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// startIndexLocked resolves the replay start position for a resume cursor.
// An empty cursor replays the session's full history, so a subscriber that
// attaches after the first publish still observes every message.
func (sd *sessionData) startIndexLocked(lastEventID string) (int, error) {
	if lastEventID == "" {
		return 0, nil
	}
	for i := range sd.messages {
		if sd.messages[i].id == lastEventID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("last event id %s not found", lastEventID)
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	sd, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	sd.mu.Lock()
	sd.closed = true
	close(sd.notify)
	sd.notify = make(chan struct{})
	sd.mu.Unlock()
	return nil
}

var _ sessions.SessionHost = (*Host)(nil)
