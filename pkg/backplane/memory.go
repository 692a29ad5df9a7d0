package backplane

import (
	"context"
	"sync"
)

// Memory is an in-process backplane for single-instance deployments and
// tests. Handlers run synchronously on the publisher's goroutine, so delivery
// order matches publish order per channel.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewMemory creates an in-process backplane.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string][]Handler)}
}

// Publish delivers payload to every handler subscribed to the channel.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	hs := append([]Handler(nil), m.handlers[channel]...)
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil
	}
	for _, h := range hs {
		h(channel, payload)
	}
	return nil
}

// Subscribe registers a handler for a channel.
func (m *Memory) Subscribe(channel string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[channel] = append(m.handlers[channel], h)
	return nil
}

// Unsubscribe drops all handlers for the channel.
func (m *Memory) Unsubscribe(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, channel)
	return nil
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[string][]Handler)
	m.closed = true
	return nil
}
