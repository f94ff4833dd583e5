package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// RedisPubSub bridges instances through redis PUBLISH/SUBSCRIBE
// TECHNICAL DISCOVERY: go-redis remembers subscribed channels and resubscribes after
// a reconnect; the hub's reconcile loop only has to repair subscribe calls that failed
type RedisPubSub struct {
	client redis.UniversalClient
	ps     *redis.PubSub
	out    chan Message
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewRedisPubSub starts a subscription connection with no channels
func NewRedisPubSub(client redis.UniversalClient, bufferSize int, logger *slog.Logger) *RedisPubSub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	r := &RedisPubSub{
		client: client,
		ps:     client.Subscribe(context.Background()),
		out:    make(chan Message, bufferSize),
		done:   make(chan struct{}),
		logger: logging.OrDiscard(logger).With("component", "pubsub"),
	}
	go r.forward()
	return r
}

func (r *RedisPubSub) forward() {
	defer close(r.out)

	in := r.ps.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case r.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-r.done:
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return &types.TransportError{Op: "publish", Err: err}
	}
	return nil
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channels ...string) error {
	if r.isClosed() {
		return ErrClosed
	}
	if len(channels) == 0 {
		return nil
	}
	if err := r.ps.Subscribe(ctx, channels...); err != nil {
		return &types.TransportError{Op: "subscribe", Err: err}
	}
	return nil
}

func (r *RedisPubSub) Unsubscribe(ctx context.Context, channels ...string) error {
	if r.isClosed() {
		return ErrClosed
	}
	if len(channels) == 0 {
		return nil
	}
	if err := r.ps.Unsubscribe(ctx, channels...); err != nil {
		return &types.TransportError{Op: "unsubscribe", Err: err}
	}
	return nil
}

func (r *RedisPubSub) Messages() <-chan Message {
	return r.out
}

func (r *RedisPubSub) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.ps.Close()
	})
	return err
}

func (r *RedisPubSub) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
