package signaling

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-process Bus. Two sessions sharing one MemoryBus can
// negotiate without touching the filesystem; dispatches call the remote
// handler directly.
type MemoryBus struct {
	mu        sync.Mutex
	providers map[string]*memoryProvider
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{providers: make(map[string]*memoryProvider)}
}

func (b *MemoryBus) Create(_ context.Context, name string, router Router) (Provider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.providers[name]; ok {
		return nil, ErrChannelExists
	}
	p := &memoryProvider{
		bus:     b,
		name:    name,
		router:  router,
		routes:  router.Routes(RoleProvider),
		clients: make(map[string]*memoryClient),
	}
	b.providers[name] = p
	return p, nil
}

func (b *MemoryBus) Connect(_ context.Context, name string, id Identity, router Router) (Client, error) {
	b.mu.Lock()
	p, ok := b.providers[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, name)
	}

	if err := p.router.Connected(id); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionRejected, name, err)
	}

	c := &memoryClient{
		provider: p,
		id:       id,
		routes:   router.Routes(RoleClient),
	}

	p.mu.Lock()
	p.clients[id.UUID] = c
	p.mu.Unlock()
	return c, nil
}

type memoryProvider struct {
	bus    *MemoryBus
	name   string
	router Router
	routes map[string]Handler

	mu      sync.Mutex
	clients map[string]*memoryClient
	closed  bool
}

func (p *memoryProvider) Name() string { return p.name }

func (p *memoryProvider) Dispatch(ctx context.Context, to Identity, action string, payload Payload) (Payload, error) {
	p.mu.Lock()
	c, ok := p.clients[to.UUID]
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return Payload{}, ErrClosed
	}
	if !ok {
		return Payload{}, fmt.Errorf("%w: %s", ErrUnknownClient, to)
	}
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	return invoke(ctx, c.routes, action, payload, Identity{Name: p.name}), nil
}

func (p *memoryProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.bus.mu.Lock()
	if p.bus.providers[p.name] == p {
		delete(p.bus.providers, p.name)
	}
	p.bus.mu.Unlock()
	return nil
}

type memoryClient struct {
	provider *memoryProvider
	id       Identity
	routes   map[string]Handler

	mu     sync.Mutex
	closed bool
}

func (c *memoryClient) Name() string       { return c.provider.name }
func (c *memoryClient) Identity() Identity { return c.id }

func (c *memoryClient) Dispatch(ctx context.Context, action string, payload Payload) (Payload, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	c.provider.mu.Lock()
	providerClosed := c.provider.closed
	c.provider.mu.Unlock()

	if closed || providerClosed {
		return Payload{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	return invoke(ctx, c.provider.routes, action, payload, c.id), nil
}

func (c *memoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	p := c.provider
	p.mu.Lock()
	delete(p.clients, c.id.UUID)
	p.mu.Unlock()
	p.router.Disconnected(c.id)
	return nil
}
