// ABOUTME: Groups the merged prompt stream by conversation and runs the agent
// ABOUTME: One execution in flight per key; replies re-tagged with the prompt's source

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthward/switchboard/internal/frontend"
)

// Control prompts handled by the orchestrator itself. They never reach the
// agent.
const (
	// ControlClear discards the conversation's session state. The
	// conversation stays active and the next real prompt starts fresh.
	ControlClear = "/clear"

	// ControlCancel aborts the in-flight agent call, if any, without
	// touching accumulated session state.
	ControlCancel = "/cancel"
)

// Chunk is one unit of agent output. A terminal Err ends the execution
// window as a failure.
type Chunk struct {
	Text string
	Err  error
}

// Session carries the opaque per-conversation agent state. The invoker may
// mutate State; the orchestrator persists it after each successful window.
type Session struct {
	Key       frontend.ConversationKey
	State     []byte
	UpdatedAt time.Time
}

// Invoker is the injected agent-invocation capability: given a session and a
// prompt, it returns a stream of output chunks. The stream must close when
// the call completes, fails, or the context is cancelled.
type Invoker interface {
	Invoke(ctx context.Context, sess *Session, prompt frontend.Prompt) (<-chan Chunk, error)
}

// SessionStore is the injected session persistence collaborator. LoadSession
// returns (nil, nil) when no session exists yet for the key.
type SessionStore interface {
	LoadSession(ctx context.Context, key frontend.ConversationKey) (*Session, error)
	SaveSession(ctx context.Context, sess *Session) error
}

// conversation is the per-key handle: its mailbox, and the cancel function
// for the execution currently in flight. Each handle is owned by the worker
// goroutine that drains it; only the cancel slot is touched from outside,
// under mu.
type conversation struct {
	key   frontend.ConversationKey
	inbox *mailbox

	mu         sync.Mutex
	cancelExec context.CancelFunc
}

// setCancel installs the in-flight cancel function. Pass nil to clear.
func (c *conversation) setCancel(fn context.CancelFunc) {
	c.mu.Lock()
	c.cancelExec = fn
	c.mu.Unlock()
}

// cancelInFlight aborts the running execution, if any. Returns whether a
// call was actually cancelled.
func (c *conversation) cancelInFlight() bool {
	c.mu.Lock()
	fn := c.cancelExec
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Orchestrator turns an unbounded interleaved prompt stream into one agent
// execution per conversation, and re-tags every reply fragment with the
// source of the prompt that opened its execution window.
type Orchestrator struct {
	invoker  Invoker
	sessions SessionStore
	logger   *slog.Logger

	mu    sync.Mutex
	convs map[frontend.ConversationKey]*conversation

	out chan frontend.ReplyFragment
	wg  sync.WaitGroup
}

// New creates an Orchestrator. Pass nil logger for the default.
func New(invoker Invoker, sessions SessionStore, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		invoker:  invoker,
		sessions: sessions,
		logger:   logger.With("component", "orchestrator"),
		convs:    make(map[frontend.ConversationKey]*conversation),
		out:      make(chan frontend.ReplyFragment, 64),
	}
}

// Run consumes the merged prompt stream and returns the reply fragment
// stream. The returned channel closes after the prompt stream closes and
// every conversation worker has finished. Run must be called once.
func (o *Orchestrator) Run(ctx context.Context, prompts <-chan frontend.Prompt) <-chan frontend.ReplyFragment {
	go o.dispatch(ctx, prompts)
	return o.out
}

// dispatch is the streaming group-by: it routes each prompt to its
// conversation's mailbox, creating the conversation on first sight of a key.
// Control prompts are intercepted here: Cancel out of band, Clear in band.
func (o *Orchestrator) dispatch(ctx context.Context, prompts <-chan frontend.Prompt) {
	for p := range prompts {
		if p.Text == ControlCancel {
			o.handleCancel(p.Key)
			continue
		}

		c := o.ensure(ctx, p.Key)
		if !c.inbox.push(p) {
			o.logger.Warn("prompt arrived for terminated conversation",
				"chat_id", p.Key.ChatID,
				"thread_id", p.Key.ThreadID,
				"agent_id", p.Key.AgentID)
		}
	}

	// Upstream closed: terminate every conversation and wait for workers.
	o.mu.Lock()
	for key, c := range o.convs {
		c.inbox.close()
		delete(o.convs, key)
	}
	o.mu.Unlock()

	o.wg.Wait()
	close(o.out)
}

// handleCancel aborts the in-flight execution for the key, if there is one.
// A cancel for an idle or unknown conversation is a no-op.
func (o *Orchestrator) handleCancel(key frontend.ConversationKey) {
	o.mu.Lock()
	c := o.convs[key]
	o.mu.Unlock()
	if c == nil {
		return
	}
	if c.cancelInFlight() {
		o.logger.Info("cancelled in-flight execution",
			"chat_id", key.ChatID,
			"thread_id", key.ThreadID,
			"agent_id", key.AgentID)
	}
}

// ensure returns the conversation for key, starting its worker if the key
// has not been seen before.
func (o *Orchestrator) ensure(ctx context.Context, key frontend.ConversationKey) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.convs[key]; ok {
		return c
	}
	c := &conversation{key: key, inbox: newMailbox()}
	o.convs[key] = c
	o.wg.Add(1)
	go o.runConversation(ctx, c)
	o.logger.Debug("conversation opened",
		"chat_id", key.ChatID,
		"thread_id", key.ThreadID,
		"agent_id", key.AgentID)
	return c
}

// CloseConversation explicitly terminates a conversation: its mailbox is
// closed and, once drained, the worker exits. Prompts already queued are
// still processed.
func (o *Orchestrator) CloseConversation(key frontend.ConversationKey) {
	o.mu.Lock()
	c := o.convs[key]
	delete(o.convs, key)
	o.mu.Unlock()
	if c != nil {
		c.inbox.close()
	}
}

// runConversation drains one conversation's mailbox in arrival order. Each
// real prompt opens exactly one execution window; Clear resets session state
// in band.
func (o *Orchestrator) runConversation(ctx context.Context, c *conversation) {
	defer o.wg.Done()

	var sess *Session
	for {
		p, ok := c.inbox.recv(ctx)
		if !ok {
			o.logger.Debug("conversation terminated",
				"chat_id", c.key.ChatID,
				"thread_id", c.key.ThreadID)
			return
		}

		if p.Text == ControlClear {
			sess = o.clearSession(ctx, c.key)
			continue
		}

		if sess == nil {
			sess = o.restoreSession(ctx, c.key)
		}
		o.execute(ctx, c, sess, p)
	}
}

// clearSession replaces the conversation's session with a fresh one, both in
// memory and in the store, so a later restore cannot resurrect old state.
func (o *Orchestrator) clearSession(ctx context.Context, key frontend.ConversationKey) *Session {
	sess := &Session{Key: key, UpdatedAt: time.Now()}
	if err := o.sessions.SaveSession(ctx, sess); err != nil {
		o.logger.Error("failed to persist cleared session",
			"error", err,
			"chat_id", key.ChatID,
			"thread_id", key.ThreadID)
	}
	o.logger.Info("session cleared",
		"chat_id", key.ChatID,
		"thread_id", key.ThreadID,
		"agent_id", key.AgentID)
	return sess
}

// restoreSession loads persisted state for the key, falling back to a fresh
// session on store failure so the conversation stays usable.
func (o *Orchestrator) restoreSession(ctx context.Context, key frontend.ConversationKey) *Session {
	sess, err := o.sessions.LoadSession(ctx, key)
	if err != nil {
		o.logger.Error("session restore failed, starting fresh",
			"error", err,
			"chat_id", key.ChatID,
			"thread_id", key.ThreadID)
	}
	if sess == nil {
		sess = &Session{Key: key, UpdatedAt: time.Now()}
	}
	return sess
}

// execute runs one execution window: invoke the agent, forward its chunks as
// reply fragments tagged with the triggering prompt's source, then emit the
// synthetic final marker. An agent failure becomes a single error fragment;
// a cancellation ends the window with no final marker.
func (o *Orchestrator) execute(ctx context.Context, c *conversation, sess *Session, p frontend.Prompt) {
	execCtx, cancel := context.WithCancel(ctx)
	c.setCancel(cancel)
	defer func() {
		c.setCancel(nil)
		cancel()
	}()

	chunks, err := o.invoker.Invoke(execCtx, sess, p)
	if err != nil {
		o.emitError(ctx, p, err)
		return
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			if errors.Is(chunk.Err, context.Canceled) {
				o.drain(chunks)
				break
			}
			o.emitError(ctx, p, chunk.Err)
			o.drain(chunks)
			return
		}
		o.emit(ctx, frontend.ReplyFragment{
			Key:     p.Key,
			Source:  p.Source,
			Payload: chunk.Text,
		})
	}

	if execCtx.Err() != nil && ctx.Err() == nil {
		// Cancelled via control prompt: the window produced no final
		// marker and the session is left as the agent last saw it.
		o.logger.Debug("execution window cancelled",
			"chat_id", p.Key.ChatID,
			"thread_id", p.Key.ThreadID)
		return
	}

	o.emit(ctx, frontend.ReplyFragment{
		Key:     p.Key,
		Source:  p.Source,
		IsFinal: true,
	})

	sess.UpdatedAt = time.Now()
	if err := o.sessions.SaveSession(ctx, sess); err != nil {
		o.logger.Error("failed to save session",
			"error", err,
			"chat_id", p.Key.ChatID,
			"thread_id", p.Key.ThreadID)
	}
}

// emitError surfaces an agent failure as one error-marked fragment so the
// conversation remains usable for the next prompt.
func (o *Orchestrator) emitError(ctx context.Context, p frontend.Prompt, err error) {
	o.logger.Error("agent execution failed",
		"error", err,
		"chat_id", p.Key.ChatID,
		"thread_id", p.Key.ThreadID,
		"agent_id", p.Key.AgentID)
	o.emit(ctx, frontend.ReplyFragment{
		Key:    p.Key,
		Source: p.Source,
		Error:  err.Error(),
	})
}

// emit writes a fragment to the shared output stream, giving up only if the
// orchestrator itself is shutting down.
func (o *Orchestrator) emit(ctx context.Context, frag frontend.ReplyFragment) {
	select {
	case o.out <- frag:
	case <-ctx.Done():
	}
}

// drain consumes a chunk stream to completion so the invoker's sender does
// not block after the window already failed.
func (o *Orchestrator) drain(chunks <-chan Chunk) {
	go func() {
		for range chunks {
		}
	}()
}
