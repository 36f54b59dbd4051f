// Package redishost implements sessions.SessionHost using Redis Streams so
// that the SSE transport can run across multiple replicas: the replica that
// receives a POST ingress message need not be the replica holding the peer's
// event stream.
//
// Design Notes
//   - Session streams: XADD + blocking XREAD polling; at-least-once delivery
//   - Resume: the XADD stream ID is the event ID, so Last-Event-ID resume maps
//     directly onto XREAD's start cursor
//   - Cleanup: best-effort DEL of the session stream
//
// Example:
//
//	host, _ := redishost.NewFromEnv()
//	defer host.Close()
//
// Use memoryhost for ephemeral development; use redishost where scale-out is
// required.
package redishost
