package service

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/hostwire/hostwire/sessions"
)

// OperationInfo is the descriptor advertised for one operation.
type OperationInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ArgsSchema  json.RawMessage `json:"argsSchema,omitempty"`
}

// Operation is one named, invocable capability of a Service. Invoke returns a
// result value that must be JSON-marshalable, or an error. Domain failures
// should be reported as *Error so they carry a stable code to the peer;
// any other error is treated as internal.
type Operation interface {
	Describe() OperationInfo
	Invoke(ctx context.Context, session sessions.Session, args json.RawMessage) (any, error)
}

// Registry is a concurrency-safe, named collection of operations.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry builds a registry from the given operations. Later duplicates
// replace earlier ones.
func NewRegistry(ops ...Operation) *Registry {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		r.ops[op.Describe().Name] = op
	}
	return r
}

// Register adds or replaces an operation.
func (r *Registry) Register(op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.Describe().Name] = op
}

// Get resolves an operation by name.
func (r *Registry) Get(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// List returns descriptors for all registered operations in name order.
func (r *Registry) List() []OperationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]OperationInfo, 0, len(r.ops))
	for _, op := range r.ops {
		infos = append(infos, op.Describe())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// OperationOption configures NewOperation behavior.
type OperationOption func(*operationConfig)

type operationConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the operation description used in listings.
func WithDescription(desc string) OperationOption {
	return func(c *operationConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// allowed. When false (default), the advertised schema sets
// additionalProperties=false and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) OperationOption {
	return func(c *operationConfig) { c.allowAdditionalProperties = allow }
}

type typedOperation[A any] struct {
	info   OperationInfo
	strict bool
	fn     func(ctx context.Context, session sessions.Session, args A) (any, error)
}

// NewOperation constructs an Operation from a typed args struct A. It:
//   - Reflects a JSON Schema from A using invopop/jsonschema
//   - Advertises the schema in the operation descriptor
//   - Wraps the handler with runtime JSON decoding (rejecting unknown fields
//     by default)
//
// Decoding failures surface to the peer as invalid-argument errors; they never
// reach fn.
func NewOperation[A any](name string, fn func(ctx context.Context, session sessions.Session, args A) (any, error), opts ...OperationOption) Operation {
	cfg := operationConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &typedOperation[A]{
		info: OperationInfo{
			Name:        name,
			Description: cfg.description,
			ArgsSchema:  reflectArgsSchema[A](cfg.allowAdditionalProperties),
		},
		strict: !cfg.allowAdditionalProperties,
		fn:     fn,
	}
}

func (o *typedOperation[A]) Describe() OperationInfo { return o.info }

func (o *typedOperation[A]) Invoke(ctx context.Context, session sessions.Session, args json.RawMessage) (any, error) {
	var a A
	if len(args) > 0 {
		if o.strict {
			dec := json.NewDecoder(bytes.NewReader(args))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return nil, InvalidArgumentf("invalid arguments: %v", err)
			}
		} else {
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, InvalidArgumentf("invalid arguments: %v", err)
			}
		}
	}
	return o.fn(ctx, session, a)
}

// reflectArgsSchema reflects a Go type A into a JSON Schema document. The
// struct is expanded at the root and definitions are inlined so the schema is
// self-contained on the wire.
func reflectArgsSchema[A any](allowAdditional bool) json.RawMessage {
	// The reflector cannot expand an unnamed type at the schema root (it keys
	// definitions by type name), so anonymous struct args get a bare object
	// schema. Runtime decoding still enforces the field set.
	if reflect.TypeFor[A]().Name() == "" {
		if allowAdditional {
			return json.RawMessage(`{"type":"object"}`)
		}
		return json.RawMessage(`{"type":"object","additionalProperties":false}`)
	}

	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	var zero A
	schema := r.Reflect(&zero)
	b, err := json.Marshal(schema)
	if err != nil {
		// Reflection output is always marshalable; a failure here is a
		// programming error in A itself.
		return nil
	}
	return b
}
