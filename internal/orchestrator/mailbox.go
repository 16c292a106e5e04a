// ABOUTME: Unbounded FIFO mailbox feeding one conversation's prompt sub-stream
// ABOUTME: Push never blocks the dispatcher; receive waits without spinning

package orchestrator

import (
	"context"
	"sync"

	"github.com/hearthward/switchboard/internal/frontend"
)

// mailbox is an unbounded in-order queue of prompts for a single
// conversation. The dispatcher pushes, the conversation worker receives.
// Unbounded on purpose: a prompt accepted from a frontend must never be
// dropped, and a bounded channel would either lose it or stall the shared
// dispatcher behind one busy conversation.
type mailbox struct {
	mu     sync.Mutex
	items  []frontend.Prompt
	ready  chan struct{} // closed and replaced to signal waiters
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{})}
}

// push appends a prompt. Returns false if the mailbox is closed.
func (m *mailbox) push(p frontend.Prompt) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, p)
	close(m.ready)
	m.ready = make(chan struct{})
	m.mu.Unlock()
	return true
}

// recv returns the next prompt in arrival order, waiting if the mailbox is
// empty. Returns ok=false once the mailbox is closed and drained, or when ctx
// is cancelled.
func (m *mailbox) recv(ctx context.Context) (frontend.Prompt, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			p := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			return p, true
		}
		if m.closed {
			m.mu.Unlock()
			return frontend.Prompt{}, false
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return frontend.Prompt{}, false
		}
	}
}

// close marks the mailbox closed and wakes any waiter. Already-queued prompts
// remain receivable.
func (m *mailbox) close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.ready)
		m.ready = make(chan struct{})
	}
	m.mu.Unlock()
}

// depth reports the number of queued prompts.
func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
