package backplane

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	relayerr "relay-go/pkg/errors"
	"relay-go/pkg/logging"
)

// Redis implements the backplane on redis pub/sub. A single PubSub connection
// carries all channel subscriptions; go-redis reconnects and resubscribes it
// after transient failures, so a dropped broker connection degrades delivery
// temporarily instead of crashing the process.
type Redis struct {
	client *redis.Client
	log    *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	pubsub   *redis.PubSub

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRedis creates a redis backplane and starts its receive loop.
func NewRedis(client *redis.Client, log *logging.Logger) *Redis {
	r := &Redis{
		client:   client,
		log:      log,
		handlers: make(map[string]Handler),
		pubsub:   client.Subscribe(context.Background()),
		stop:     make(chan struct{}),
	}
	go r.receive()
	return r
}

// Publish sends payload on the channel. Failures are returned as typed
// backplane errors so callers can degrade to local-only delivery.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return relayerr.Backplane("redis publish failed", err)
	}
	return nil
}

// Subscribe registers the handler and joins the redis channel.
func (r *Redis) Subscribe(channel string, h Handler) error {
	r.mu.Lock()
	r.handlers[channel] = h
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(context.Background(), channel); err != nil {
		return relayerr.Backplane("redis subscribe failed", err)
	}
	return nil
}

// Unsubscribe leaves the redis channel and drops the handler.
func (r *Redis) Unsubscribe(channel string) error {
	r.mu.Lock()
	delete(r.handlers, channel)
	r.mu.Unlock()

	if err := r.pubsub.Unsubscribe(context.Background(), channel); err != nil {
		return relayerr.Backplane("redis unsubscribe failed", err)
	}
	return nil
}

// Close tears down the pubsub connection and the client.
func (r *Redis) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	if err := r.pubsub.Close(); err != nil {
		return err
	}
	return r.client.Close()
}

// receive dispatches inbound messages to their channel handlers. The channel
// returned by go-redis stays open across reconnects; it only closes once the
// PubSub itself is closed.
func (r *Redis) receive() {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-r.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.mu.RLock()
			h := r.handlers[msg.Channel]
			r.mu.RUnlock()
			if h == nil {
				r.log.Debug("no handler for backplane channel",
					zap.String("channel", msg.Channel))
				continue
			}
			h(msg.Channel, []byte(msg.Payload))
		}
	}
}
