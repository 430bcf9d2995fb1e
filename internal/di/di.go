// Package di provides a minimal dependency injection container with
// string tokens and lazily-resolved factories.
package di

import (
	"fmt"
	"sync"
)

// ServiceRegistry is the read side of the container.
type ServiceRegistry interface {
	// Get resolves a service by token, invoking its factory on first use.
	// It panics if the token is unknown.
	Get(token string) any
}

// Container registers services and factories and resolves them.
type Container interface {
	ServiceRegistry

	// Register stores an already-constructed service instance.
	Register(token string, service any)

	// RegisterFactory stores a factory invoked lazily on first Get.
	// The resolved instance is cached.
	RegisterFactory(token string, factory func(ServiceRegistry) any)
}

type container struct {
	mu        sync.RWMutex
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

func (c *container) Register(token string, service any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[token] = service
}

func (c *container) RegisterFactory(token string, factory func(ServiceRegistry) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[token] = factory
}

func (c *container) Get(token string) any {
	c.mu.RLock()
	if svc, ok := c.services[token]; ok {
		c.mu.RUnlock()
		return svc
	}
	factory, ok := c.factories[token]
	c.mu.RUnlock()

	if !ok {
		panic(fmt.Sprintf("di: unknown service token %q", token))
	}

	// Resolve outside the lock: factories may resolve other tokens.
	svc := factory(c)

	c.mu.Lock()
	c.services[token] = svc
	c.mu.Unlock()

	return svc
}

// RegisterToken registers a typed factory under the given token.
func RegisterToken[T any](c Container, token string, factory func(ServiceRegistry) T) {
	c.RegisterFactory(token, func(sr ServiceRegistry) any {
		return factory(sr)
	})
}

// Resolve resolves a token to its concrete type, panicking on mismatch.
func Resolve[T any](sr ServiceRegistry, token string) T {
	svc, ok := sr.Get(token).(T)
	if !ok {
		panic(fmt.Sprintf("di: service %q has unexpected type %T", token, sr.Get(token)))
	}
	return svc
}
