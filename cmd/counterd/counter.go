package main

import (
	"context"
	"sync"

	"github.com/hostwire/hostwire/service"
	"github.com/hostwire/hostwire/sessions"
)

// counter is the demo service: one shared integer, mutated under a single
// mutex so that adjustments from concurrent sessions are linearizable.
type counter struct {
	mu    sync.Mutex
	value int64
}

type adjustArgs struct {
	By *int64 `json:"by,omitempty" jsonschema:"minimum=1,description=Amount to apply (defaults to 1)"`
}

type getArgs struct{}

type counterValue struct {
	Value int64 `json:"value"`
}

func newCounterService() service.Service {
	c := &counter{}
	reg := service.NewRegistry(
		service.NewOperation("counter/increment", c.increment,
			service.WithDescription("Add to the shared counter and return the new value")),
		service.NewOperation("counter/decrement", c.decrement,
			service.WithDescription("Subtract from the shared counter and return the new value")),
		service.NewOperation("counter/get", c.get,
			service.WithDescription("Read the shared counter")),
	)
	return service.New(
		service.WithInfo(service.Info{Name: "counterd", Version: "0.1.0"}),
		service.WithOperations(reg),
	)
}

func (c *counter) increment(ctx context.Context, _ sessions.Session, args adjustArgs) (any, error) {
	by, err := adjustAmount(args)
	if err != nil {
		return nil, err
	}
	return c.apply(by), nil
}

func (c *counter) decrement(ctx context.Context, _ sessions.Session, args adjustArgs) (any, error) {
	by, err := adjustAmount(args)
	if err != nil {
		return nil, err
	}
	return c.apply(-by), nil
}

func (c *counter) get(ctx context.Context, _ sessions.Session, _ getArgs) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return counterValue{Value: c.value}, nil
}

func (c *counter) apply(delta int64) counterValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	return counterValue{Value: c.value}
}

func adjustAmount(args adjustArgs) (int64, error) {
	if args.By == nil {
		return 1, nil
	}
	if *args.By < 1 {
		return 0, service.InvalidArgumentf("by must be at least 1, got %d", *args.By)
	}
	return *args.By, nil
}
