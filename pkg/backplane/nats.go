package backplane

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	relayerr "relay-go/pkg/errors"
	"relay-go/pkg/logging"
)

// NATS implements the backplane on a NATS connection. Reconnection is handled
// by the client: subscriptions survive broker restarts, and publishes fail
// fast while disconnected so callers can degrade to local-only delivery.
type NATS struct {
	conn *nats.Conn
	log  *logging.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string, reconnectWait time.Duration, log *logging.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected, degrading to local-only broadcast", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, relayerr.Backplane("nats connect failed", err)
	}
	return &NATS{conn: conn, log: log, subs: make(map[string]*nats.Subscription)}, nil
}

// Publish sends payload on the subject named by channel.
func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	if err := n.conn.Publish(channel, payload); err != nil {
		return relayerr.Backplane("nats publish failed", err)
	}
	return nil
}

// Subscribe registers the handler for a channel subject.
func (n *NATS) Subscribe(channel string, h Handler) error {
	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return relayerr.Backplane("nats subscribe failed", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.subs[channel]; ok {
		_ = old.Unsubscribe()
	}
	n.subs[channel] = sub
	return nil
}

// Unsubscribe drops the channel subscription.
func (n *NATS) Unsubscribe(channel string) error {
	n.mu.Lock()
	sub, ok := n.subs[channel]
	delete(n.subs, channel)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return relayerr.Backplane("nats unsubscribe failed", err)
	}
	return nil
}

// Close drains the connection, flushing pending messages.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
