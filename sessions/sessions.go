// Package sessions defines the session identity and session-host contracts
// shared by the hostwire transports.
//
// A Session is one logical conversation with a peer. The stdio transport has
// exactly one ephemeral session per process and needs none of the machinery
// here beyond the Session interface. The SSE transport decouples message
// production (POST ingress) from delivery (GET stream) and therefore needs a
// SessionHost: an ordered, resumable per-session message queue that may be
// process-local (memoryhost) or shared between replicas (redishost).
package sessions

import (
	"context"
	"errors"
)

// ErrSessionNotFound indicates the referenced session does not exist or has
// been cleaned up.
var ErrSessionNotFound = errors.New("session not found")

// Session identifies one logical connection/conversation with a peer.
type Session interface {
	SessionID() string
}

// MessageHandlerFunction receives one delivered message together with its
// host-assigned event ID. Returning an error terminates the subscription.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// SessionHost provides ordered per-session messaging with resume semantics.
//
// Implementations must assign monotonically increasing event IDs within a
// session, deliver messages to a subscriber in publish order, and support
// resuming delivery after the message identified by lastEventID.
type SessionHost interface {
	// PublishSession appends a message to the session's queue and returns the
	// assigned event ID.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)

	// SubscribeSession delivers messages for the session to fn, starting after
	// lastEventID (or from the beginning of the session's history when
	// lastEventID is empty, so a late subscriber misses nothing). It blocks
	// until ctx is cancelled, fn returns an error, or the session is cleaned
	// up.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, fn MessageHandlerFunction) error

	// CleanupSession releases all resources held for the session. Active
	// subscribers are stopped. Cleaning up an unknown session is not an error.
	CleanupSession(ctx context.Context, sessionID string) error
}
