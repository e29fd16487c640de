// Package feed provides a single-slot, latest-wins channel used to push full
// state replacements (document snapshots, store views) to one consumer.
package feed

import "sync"

// Mailbox holds at most one undelivered value. Offer never blocks: an
// undelivered value is replaced by the newer one, so the consumer always
// observes values in offer order and never an older one after a newer one.
type Mailbox[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, 1)}
}

// C is the receive side. It is closed by Close.
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// Offer reports false once the mailbox is closed.
func (m *Mailbox[T]) Offer(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	// Only Offer sends, and it holds mu, so after draining the slot the send
	// below cannot block.
	select {
	case <-m.ch:
	default:
	}
	m.ch <- v
	return true
}

// Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}
