// ABOUTME: Tests for the conversation orchestrator.
// ABOUTME: Covers per-key serialization, source tagging, control prompts, and error windows.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthward/switchboard/internal/frontend"
)

// funcInvoker adapts a function to the Invoker interface.
type funcInvoker func(ctx context.Context, sess *Session, p frontend.Prompt) (<-chan Chunk, error)

func (f funcInvoker) Invoke(ctx context.Context, sess *Session, p frontend.Prompt) (<-chan Chunk, error) {
	return f(ctx, sess, p)
}

// echoInvoker streams the prompt text back as one chunk and appends it to the
// session state so persistence is observable.
func echoInvoker() Invoker {
	return funcInvoker(func(_ context.Context, sess *Session, p frontend.Prompt) (<-chan Chunk, error) {
		sess.State = append(sess.State, []byte(p.Text+";")...)
		out := make(chan Chunk, 1)
		out <- Chunk{Text: "echo:" + p.Text}
		close(out)
		return out, nil
	})
}

// memorySessions is an in-memory SessionStore.
type memorySessions struct {
	mu       sync.Mutex
	sessions map[frontend.ConversationKey][]byte
	loadErr  error
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: make(map[frontend.ConversationKey][]byte)}
}

func (m *memorySessions) LoadSession(_ context.Context, key frontend.ConversationKey) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	state, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return &Session{Key: key, State: append([]byte(nil), state...)}, nil
}

func (m *memorySessions) SaveSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Key] = append([]byte(nil), sess.State...)
	return nil
}

func (m *memorySessions) state(key frontend.ConversationKey) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sessions[key]...)
}

func key(chatID int64, agent string) frontend.ConversationKey {
	return frontend.ConversationKey{ChatID: chatID, ThreadID: chatID, AgentID: agent}
}

// collect runs the orchestrator over the given prompts and returns every
// fragment emitted before the output stream closed.
func collect(t *testing.T, inv Invoker, sessions SessionStore, prompts []frontend.Prompt) []frontend.ReplyFragment {
	t.Helper()

	in := make(chan frontend.Prompt)
	o := New(inv, sessions, nil)
	out := o.Run(t.Context(), in)

	go func() {
		for _, p := range prompts {
			in <- p
		}
		close(in)
	}()

	var frags []frontend.ReplyFragment
	for frag := range out {
		frags = append(frags, frag)
	}
	return frags
}

func TestOrchestrator_SingleWindow(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	frags := collect(t, echoInvoker(), sessions, []frontend.Prompt{
		{Text: "hello", Key: k, Source: frontend.SourceConsole},
	})

	require.Len(t, frags, 2)
	assert.Equal(t, "echo:hello", frags[0].Payload)
	assert.Equal(t, frontend.SourceConsole, frags[0].Source)
	assert.False(t, frags[0].IsFinal)
	assert.True(t, frags[1].IsFinal)
	assert.Equal(t, frontend.SourceConsole, frags[1].Source)
	assert.Equal(t, k, frags[1].Key)

	// Session persisted after the window
	assert.Equal(t, []byte("hello;"), sessions.state(k))
}

func TestOrchestrator_FragmentsCarryPromptSource(t *testing.T) {
	sessions := newMemorySessions()

	frags := collect(t, echoInvoker(), sessions, []frontend.Prompt{
		{Text: "from-queue", Key: key(1, "helper"), Source: frontend.SourceQueue},
		{Text: "from-matrix", Key: key(2, "helper"), Source: frontend.SourceMatrix},
	})

	bySource := make(map[frontend.Source]int)
	for _, f := range frags {
		bySource[f.Source]++
	}
	// Each window: one chunk plus one final marker
	assert.Equal(t, 2, bySource[frontend.SourceQueue])
	assert.Equal(t, 2, bySource[frontend.SourceMatrix])
}

func TestOrchestrator_PerKeyOrder(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	var prompts []frontend.Prompt
	for i := range 5 {
		prompts = append(prompts, frontend.Prompt{
			Text:   fmt.Sprintf("p%d", i),
			Key:    k,
			Source: frontend.SourceConsole,
		})
	}

	frags := collect(t, echoInvoker(), sessions, prompts)

	var texts []string
	for _, f := range frags {
		if f.Payload != "" {
			texts = append(texts, f.Payload)
		}
	}
	assert.Equal(t, []string{"echo:p0", "echo:p1", "echo:p2", "echo:p3", "echo:p4"}, texts)

	// Session state accumulated in arrival order
	assert.Equal(t, []byte("p0;p1;p2;p3;p4;"), sessions.state(k))
}

func TestOrchestrator_OneExecutionPerKey(t *testing.T) {
	sessions := newMemorySessions()

	var mu sync.Mutex
	inFlight := make(map[frontend.ConversationKey]int)
	maxInFlight := make(map[frontend.ConversationKey]int)

	inv := funcInvoker(func(_ context.Context, sess *Session, p frontend.Prompt) (<-chan Chunk, error) {
		mu.Lock()
		inFlight[p.Key]++
		if inFlight[p.Key] > maxInFlight[p.Key] {
			maxInFlight[p.Key] = inFlight[p.Key]
		}
		mu.Unlock()

		out := make(chan Chunk)
		go func() {
			defer close(out)
			time.Sleep(5 * time.Millisecond)
			out <- Chunk{Text: "done"}
			mu.Lock()
			inFlight[p.Key]--
			mu.Unlock()
		}()
		return out, nil
	})

	var prompts []frontend.Prompt
	for i := range 4 {
		for chat := int64(1); chat <= 3; chat++ {
			prompts = append(prompts, frontend.Prompt{
				Text:   fmt.Sprintf("p%d", i),
				Key:    key(chat, "helper"),
				Source: frontend.SourceWebUI,
			})
		}
	}

	collect(t, inv, sessions, prompts)

	mu.Lock()
	defer mu.Unlock()
	for k, peak := range maxInFlight {
		assert.LessOrEqual(t, peak, 1, "conversation %v overlapped executions", k)
	}
}

func TestOrchestrator_InvokeErrorBecomesErrorFragment(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	calls := 0
	inv := funcInvoker(func(_ context.Context, sess *Session, p frontend.Prompt) (<-chan Chunk, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("backend unavailable")
		}
		out := make(chan Chunk, 1)
		out <- Chunk{Text: "recovered"}
		close(out)
		return out, nil
	})

	frags := collect(t, inv, sessions, []frontend.Prompt{
		{Text: "first", Key: k, Source: frontend.SourceQueue},
		{Text: "second", Key: k, Source: frontend.SourceQueue},
	})

	require.Len(t, frags, 3)

	// Failed window: exactly one error fragment, no final marker
	assert.True(t, frags[0].IsError())
	assert.Contains(t, frags[0].Error, "backend unavailable")
	assert.False(t, frags[0].IsFinal)

	// Conversation stayed usable
	assert.Equal(t, "recovered", frags[1].Payload)
	assert.True(t, frags[2].IsFinal)
}

func TestOrchestrator_MidStreamErrorEndsWindow(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	inv := funcInvoker(func(_ context.Context, sess *Session, p frontend.Prompt) (<-chan Chunk, error) {
		out := make(chan Chunk, 2)
		out <- Chunk{Text: "partial"}
		out <- Chunk{Err: errors.New("stream broke")}
		close(out)
		return out, nil
	})

	frags := collect(t, inv, sessions, []frontend.Prompt{
		{Text: "go", Key: k, Source: frontend.SourceWebUI},
	})

	require.Len(t, frags, 2)
	assert.Equal(t, "partial", frags[0].Payload)
	assert.True(t, frags[1].IsError())
	assert.False(t, frags[1].IsFinal)
}

func TestOrchestrator_ClearResetsSession(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	frags := collect(t, echoInvoker(), sessions, []frontend.Prompt{
		{Text: "one", Key: k, Source: frontend.SourceConsole},
		{Text: ControlClear, Key: k, Source: frontend.SourceConsole},
		{Text: "two", Key: k, Source: frontend.SourceConsole},
	})

	// Clear itself produces no fragments: two windows, four fragments
	require.Len(t, frags, 4)

	// Post-clear state contains only the second prompt
	assert.Equal(t, []byte("two;"), sessions.state(k))
}

func TestOrchestrator_ClearSurvivesRestore(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	collect(t, echoInvoker(), sessions, []frontend.Prompt{
		{Text: "one", Key: k, Source: frontend.SourceConsole},
		{Text: ControlClear, Key: k, Source: frontend.SourceConsole},
	})

	// The cleared (empty) session was persisted, so a restart cannot
	// resurrect the old state.
	assert.Empty(t, sessions.state(k))
}

func TestOrchestrator_CancelAbortsInFlight(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	started := make(chan struct{})
	inv := funcInvoker(func(ctx context.Context, sess *Session, p frontend.Prompt) (<-chan Chunk, error) {
		out := make(chan Chunk, 2)
		go func() {
			defer close(out)
			out <- Chunk{Text: "working"}
			close(started)
			<-ctx.Done()
			out <- Chunk{Err: ctx.Err()}
		}()
		return out, nil
	})

	in := make(chan frontend.Prompt)
	o := New(inv, sessions, nil)
	out := o.Run(t.Context(), in)

	go func() {
		in <- frontend.Prompt{Text: "long task", Key: k, Source: frontend.SourceWebUI}
		<-started
		in <- frontend.Prompt{Text: ControlCancel, Key: k, Source: frontend.SourceWebUI}
		close(in)
	}()

	var frags []frontend.ReplyFragment
	for frag := range out {
		frags = append(frags, frag)
	}

	// The cancelled window streamed its chunk but produced no final marker
	// and no error fragment.
	require.Len(t, frags, 1)
	assert.Equal(t, "working", frags[0].Payload)
}

func TestOrchestrator_CancelIdleIsNoop(t *testing.T) {
	sessions := newMemorySessions()
	k := key(1, "helper")

	frags := collect(t, echoInvoker(), sessions, []frontend.Prompt{
		{Text: ControlCancel, Key: k, Source: frontend.SourceWebUI},
		{Text: "after", Key: k, Source: frontend.SourceWebUI},
	})

	require.Len(t, frags, 2)
	assert.Equal(t, "echo:after", frags[0].Payload)
}

func TestOrchestrator_RestoreFailureStartsFresh(t *testing.T) {
	sessions := newMemorySessions()
	sessions.loadErr = errors.New("corrupt row")
	k := key(1, "helper")

	frags := collect(t, echoInvoker(), sessions, []frontend.Prompt{
		{Text: "hello", Key: k, Source: frontend.SourceWebUI},
	})

	// The window still ran to completion on a fresh session
	require.Len(t, frags, 2)
	assert.True(t, frags[1].IsFinal)
}

func TestOrchestrator_OutputClosesAfterInput(t *testing.T) {
	sessions := newMemorySessions()

	in := make(chan frontend.Prompt)
	o := New(echoInvoker(), sessions, nil)
	out := o.Run(t.Context(), in)

	close(in)

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("output stream never closed")
	}
}
