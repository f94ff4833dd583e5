package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Options tune one connection's outbound path
type Options struct {
	BufferSize     int           // outbound queue length
	WriteTimeout   time.Duration // deadline for a single socket write
	EnqueueTimeout time.Duration // how long WriteJSON waits on a full queue
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		BufferSize:     100,
		WriteTimeout:   5 * time.Second,
		EnqueueTimeout: time.Second,
	}
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn          *websocket.Conn
	opts          Options
	writeCh       chan []byte
	identity      types.Identity
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	writerDone    chan struct{}
	mu            sync.RWMutex // protects identity fields
}

// NewConnection wraps conn and starts its single writer goroutine
func NewConnection(conn *websocket.Conn, opts Options) *Connection {
	defaults := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaults.EnqueueTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:       conn,
		opts:       opts,
		writeCh:    make(chan []byte, opts.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

// writeLoop is the only goroutine that writes data frames and the only one that closes the socket
// TECHNICAL DISCOVERY: writeCh is never closed; senders select on ctx instead,
// so a WriteJSON racing with Close cannot panic on a closed channel
func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				// A failed write leaves the socket unusable; cancelling wakes every waiter
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.drain()
			return
		}
	}
}

// drain flushes what was queued before Close, then says goodbye
// FUNCTIONAL DISCOVERY: An evicted socket is sent its "replaced" notice right before
// Close; draining makes sure the notice reaches the client
func (c *Connection) drain() {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data, deadline); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *Connection) write(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON marshals v and queues it for the writer goroutine
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	// Fast path: room in the queue
	select {
	case c.writeCh <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.opts.EnqueueTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer after it flushed queued messages and closes the socket.
// Safe to call repeatedly and from any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.cancel)
	if c.writerDone != nil {
		<-c.writerDone
	}
	return nil
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetIdentity stores verified credentials on the connection
func (c *Connection) SetIdentity(identity types.Identity) error {
	if identity.PeerID == "" || identity.SchoolID == "" {
		return ErrConnectionNotAuthenticated
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.identity = identity
	c.authenticated = true
	return nil
}

func (c *Connection) Identity() types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}
