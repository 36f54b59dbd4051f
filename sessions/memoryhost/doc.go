// Package memoryhost provides an in-memory sessions.SessionHost implementation
// suitable for tests, development, and single-process servers. All state is
// ephemeral and discarded on process exit. It implements ordered per-session
// message streaming using Go data structures guarded by mutexes.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : monotonic decimal IDs per session stream
//	Concurrency       : safe (mutex + notification channel)
//
// Example:
//
//	host := memoryhost.New()
//	// the SSE transport wires this host into sse.NewBinding(...)
//
// For multi-replica deployments prefer a shared host like redishost.
package memoryhost
