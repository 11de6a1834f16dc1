// Package di provides a minimal typed service container used to wire modules.
package di

import (
	"fmt"
	"sync"
)

// ServiceRegistry is the read side of the container.
type ServiceRegistry interface {
	// Get returns the service registered under name, or nil.
	Get(name string) any
}

// Container registers services and lazy factories by name.
type Container interface {
	ServiceRegistry
	// Register stores an already-constructed service.
	Register(name string, service any)
	// RegisterFactory stores a factory invoked once on first Get.
	RegisterFactory(name string, factory func(ServiceRegistry) any)
}

// Token is a typed handle for a registered service.
type Token[T any] struct {
	name string
}

// NewToken creates a token; name must be unique across modules.
func NewToken[T any](name string) Token[T] {
	return Token[T]{name: name}
}

// Name returns the registration name behind the token.
func (t Token[T]) Name() string { return t.name }

// RegisterToken registers a typed factory under the token's name.
func RegisterToken[T any](c Container, token Token[T], factory func(ServiceRegistry) T) {
	c.RegisterFactory(token.name, func(sr ServiceRegistry) any {
		return factory(sr)
	})
}

// GetToken resolves a token to its service, panicking on a wiring mistake.
// Wiring errors are programmer errors; failing loudly at startup is intended.
func GetToken[T any](sr ServiceRegistry, token Token[T]) T {
	v := sr.Get(token.name)
	if v == nil {
		panic(fmt.Sprintf("di: service %q not registered", token.name))
	}
	typed, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("di: service %q has type %T, not the requested type", token.name, v))
	}
	return typed
}

type container struct {
	mu        sync.Mutex
	services  map[string]any
	factories map[string]func(ServiceRegistry) any
}

// NewContainer creates an empty container.
func NewContainer() Container {
	return &container{
		services:  make(map[string]any),
		factories: make(map[string]func(ServiceRegistry) any),
	}
}

func (c *container) Register(name string, service any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
}

func (c *container) RegisterFactory(name string, factory func(ServiceRegistry) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = factory
}

func (c *container) Get(name string) any {
	c.mu.Lock()
	if svc, ok := c.services[name]; ok {
		c.mu.Unlock()
		return svc
	}
	factory, ok := c.factories[name]
	c.mu.Unlock()

	if !ok {
		return nil
	}

	// Build outside the lock; factories may resolve other services.
	svc := factory(c)

	c.mu.Lock()
	c.services[name] = svc
	c.mu.Unlock()
	return svc
}
