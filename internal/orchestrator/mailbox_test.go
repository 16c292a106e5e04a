// ABOUTME: Tests for the unbounded per-conversation mailbox.
// ABOUTME: Covers FIFO order, close semantics, and blocked receivers waking up.

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthward/switchboard/internal/frontend"
)

func TestMailbox_FIFO(t *testing.T) {
	m := newMailbox()

	for _, text := range []string{"a", "b", "c"} {
		require.True(t, m.push(frontend.Prompt{Text: text}))
	}
	assert.Equal(t, 3, m.depth())

	for _, want := range []string{"a", "b", "c"} {
		p, ok := m.recv(t.Context())
		require.True(t, ok)
		assert.Equal(t, want, p.Text)
	}
	assert.Zero(t, m.depth())
}

func TestMailbox_RecvWaitsForPush(t *testing.T) {
	m := newMailbox()

	got := make(chan frontend.Prompt, 1)
	go func() {
		p, ok := m.recv(context.Background())
		if ok {
			got <- p
		}
	}()

	// Give the receiver time to block
	time.Sleep(10 * time.Millisecond)
	m.push(frontend.Prompt{Text: "wake"})

	select {
	case p := <-got:
		assert.Equal(t, "wake", p.Text)
	case <-time.After(time.Second):
		t.Fatal("receiver never woke up")
	}
}

func TestMailbox_CloseDrainsQueued(t *testing.T) {
	m := newMailbox()
	m.push(frontend.Prompt{Text: "queued"})
	m.close()

	// Queued prompts remain receivable after close
	p, ok := m.recv(t.Context())
	require.True(t, ok)
	assert.Equal(t, "queued", p.Text)

	_, ok = m.recv(t.Context())
	assert.False(t, ok)
}

func TestMailbox_PushAfterClose(t *testing.T) {
	m := newMailbox()
	m.close()
	assert.False(t, m.push(frontend.Prompt{Text: "late"}))
}

func TestMailbox_CloseWakesBlockedReceiver(t *testing.T) {
	m := newMailbox()

	done := make(chan bool, 1)
	go func() {
		_, ok := m.recv(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	m.close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("receiver never woke up after close")
	}
}

func TestMailbox_ContextCancelUnblocks(t *testing.T) {
	m := newMailbox()
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan bool, 1)
	go func() {
		_, ok := m.recv(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("receiver never unblocked on cancel")
	}
}

func TestMailbox_ConcurrentPushPreservesCount(t *testing.T) {
	m := newMailbox()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				m.push(frontend.Prompt{Text: "x"})
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 800, m.depth())
}
