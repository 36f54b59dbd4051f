// Package service defines the capability contract that a hosted service
// exposes to the hostwire transports.
//
// A Service is discovered at runtime on a per-session basis: the hosting
// layer translates inbound protocol requests into calls on these interfaces.
// Implementations may be static (same operations for all sessions) or dynamic
// (vary by session) but MUST be safe for concurrent use and respect the
// provided context for cancellation and deadlines.
//
// Conventions used throughout this package:
//   - Lookup methods return (op, ok, err). A false ok indicates the operation
//     is not supported for the given session; err is reserved for transient or
//     internal failures while determining support.
//   - The sessions.Session value is the unit of isolation. All sessions share
//     one Service instance; any mutable state behind an operation must be
//     guarded by the implementation so that each invocation is atomic with
//     respect to concurrent invocations from other sessions.
package service

import (
	"context"

	"github.com/hostwire/hostwire/sessions"
)

// Info describes the hosted service implementation.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Service is the contract a hosted service satisfies. The hosting layer never
// reaches past this interface; in particular it holds no lock around
// invocations. Linearizability of state mutations is the implementation's
// responsibility.
type Service interface {
	// GetServiceInfo returns implementation information surfaced in describe
	// results. It MAY be called multiple times and SHOULD be inexpensive.
	GetServiceInfo(ctx context.Context, session sessions.Session) (Info, error)

	// ListOperations returns descriptors for every operation available to the
	// session. This is the capability-advertisement surface of the protocol.
	ListOperations(ctx context.Context, session sessions.Session) ([]OperationInfo, error)

	// GetOperation resolves an operation by name for the session. A false ok
	// means the operation does not exist for this session and the hosting
	// layer responds with a method-not-found error.
	GetOperation(ctx context.Context, session sessions.Session, name string) (op Operation, ok bool, err error)
}

// Option configures the Service built by New.
type Option func(*server)

type server struct {
	staticInfo   *Info
	infoProvider func(ctx context.Context, session sessions.Session) (Info, error)

	staticOps   *Registry
	opsProvider func(ctx context.Context, session sessions.Session) (*Registry, error)
}

// New builds a Service from functional options. Options allow configuring
// static values or per-session providers for info and operations.
func New(opts ...Option) Service {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithInfo sets a static service info value.
func WithInfo(info Info) Option {
	return func(s *server) { s.staticInfo = &info }
}

// WithInfoProvider sets a provider for per-session service info.
func WithInfoProvider(fn func(ctx context.Context, session sessions.Session) (Info, error)) Option {
	return func(s *server) { s.infoProvider = fn }
}

// WithOperations wires a static operation registry (used for all sessions).
func WithOperations(reg *Registry) Option {
	return func(s *server) { s.staticOps = reg }
}

// WithOperationsProvider wires a per-session operation registry provider.
func WithOperationsProvider(fn func(ctx context.Context, session sessions.Session) (*Registry, error)) Option {
	return func(s *server) { s.opsProvider = fn }
}

// GetServiceInfo implements Service.
func (s *server) GetServiceInfo(ctx context.Context, session sessions.Session) (Info, error) {
	if s.infoProvider != nil {
		return s.infoProvider(ctx, session)
	}
	if s.staticInfo != nil {
		return *s.staticInfo, nil
	}
	// Zero value if not configured; the hosting layer may still proceed.
	return Info{}, nil
}

// ListOperations implements Service.
func (s *server) ListOperations(ctx context.Context, session sessions.Session) ([]OperationInfo, error) {
	reg, err := s.registry(ctx, session)
	if err != nil || reg == nil {
		return nil, err
	}
	return reg.List(), nil
}

// GetOperation implements Service.
func (s *server) GetOperation(ctx context.Context, session sessions.Session, name string) (Operation, bool, error) {
	reg, err := s.registry(ctx, session)
	if err != nil || reg == nil {
		return nil, false, err
	}
	op, ok := reg.Get(name)
	return op, ok, nil
}

func (s *server) registry(ctx context.Context, session sessions.Session) (*Registry, error) {
	if s.opsProvider != nil {
		return s.opsProvider(ctx, session)
	}
	return s.staticOps, nil
}
