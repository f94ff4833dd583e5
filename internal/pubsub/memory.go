package pubsub

import (
	"context"
	"sync"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// MemoryBus is an in-process stand-in for the shared transport.
// Every client created from one bus behaves like a separate instance.
type MemoryBus struct {
	mu      sync.RWMutex
	clients map[*MemoryPubSub]struct{}
	down    bool
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{clients: make(map[*MemoryPubSub]struct{})}
}

// Client attaches a new instance to the bus
func (b *MemoryBus) Client() *MemoryPubSub {
	c := &MemoryPubSub{
		bus:      b,
		channels: make(map[string]struct{}),
		out:      make(chan Message, 1024),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// SetDown makes every operation fail with a transport error until called with false
func (b *MemoryBus) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *MemoryBus) isDown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.down
}

func (b *MemoryBus) publish(channel string, payload []byte) {
	b.mu.RLock()
	targets := make([]*MemoryPubSub, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.deliver(channel, payload)
	}
}

func (b *MemoryBus) detach(c *MemoryPubSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
}

// MemoryPubSub is one instance's view of a MemoryBus
type MemoryPubSub struct {
	bus      *MemoryBus
	mu       sync.Mutex
	channels map[string]struct{}
	out      chan Message
	closed   bool
}

func (c *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.bus.isDown() {
		return &types.TransportError{Op: "publish", Err: ErrTransportDown}
	}
	if err := ctx.Err(); err != nil {
		return &types.TransportError{Op: "publish", Err: err}
	}
	data := append([]byte(nil), payload...)
	c.bus.publish(channel, data)
	return nil
}

func (c *MemoryPubSub) Subscribe(ctx context.Context, channels ...string) error {
	if c.bus.isDown() {
		return &types.TransportError{Op: "subscribe", Err: ErrTransportDown}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return nil
}

func (c *MemoryPubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	if c.bus.isDown() {
		return &types.TransportError{Op: "unsubscribe", Err: ErrTransportDown}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	return nil
}

// Subscribed reports whether channel is in the subscription set
func (c *MemoryPubSub) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *MemoryPubSub) Messages() <-chan Message {
	return c.out
}

func (c *MemoryPubSub) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.bus.detach(c)
	close(c.out)
	return nil
}

func (c *MemoryPubSub) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver drops the message when the receiver is not subscribed or its buffer is full
func (c *MemoryPubSub) deliver(channel string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.channels[channel]; !ok {
		return
	}
	select {
	case c.out <- Message{Channel: channel, Payload: payload}:
	default:
	}
}
