package gateway

import (
	"sync"

	"relay-go/pkg/models"
)

// transport is the connection surface the gateway needs. *Conn implements it;
// tests substitute an in-memory pipe.
type transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// client binds a session to its connection and outbound queue.
type client struct {
	session *models.Session
	conn    transport

	// send is the bounded outbound queue drained by the write pump.
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// violations counts protocol errors; guarded by the read pump being
	// the only writer.
	violations int
}

func newClient(session *models.Session, conn transport, buffer int) *client {
	return &client{
		session: session,
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// enqueue queues a frame for delivery without blocking, reporting whether the
// frame made it onto the queue. The caller decides what a full queue means:
// drop for ephemeral frames, force-close for priority frames.
func (c *client) enqueue(data []byte) bool {
	if data == nil {
		return true
	}
	select {
	case <-c.done:
		return true
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the transport and stops the write pump. Idempotent; both
// pumps and the gateway may race to call it.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
