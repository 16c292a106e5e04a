// ABOUTME: Composite presents N frontends as a single frontend
// ABOUTME: Fan-in of prompt streams, per-fragment source-aware fan-out of replies

package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// sourceComposite is the synthetic identity the composite reports.
	sourceComposite Source = "composite"

	// defaultFanoutBuffer is the per-frontend outbound channel buffer.
	// When a frontend falls this far behind, fragments addressed to it are
	// dropped with a log line rather than stalling the other frontends.
	defaultFanoutBuffer = 64
)

// Composite aggregates registered frontends behind the Frontend interface.
// Prompt streams are merged with no cross-frontend ordering guarantee (FIFO
// is preserved within each frontend). Each reply fragment is routed from its
// own Source field to the matching frontend plus, unconditionally, the
// universal viewer. There is deliberately no per-conversation "owning source"
// cache: two unrelated conversations may reuse a chat identifier across
// sources, and a cache would race on it.
type Composite struct {
	frontends []Frontend
	bySource  map[Source]Frontend
	buffer    int
	logger    *slog.Logger
}

// NewComposite builds a composite over the given frontends. Registering two
// frontends with the same source is a configuration error.
func NewComposite(logger *slog.Logger, frontends ...Frontend) (*Composite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Composite{
		frontends: frontends,
		bySource:  make(map[Source]Frontend, len(frontends)),
		buffer:    defaultFanoutBuffer,
		logger:    logger.With("component", "composite"),
	}
	for _, f := range frontends {
		src := f.Source()
		if _, dup := c.bySource[src]; dup {
			return nil, fmt.Errorf("duplicate frontend for source %q", src)
		}
		c.bySource[src] = f
	}
	return c, nil
}

// Source implements Frontend. The composite has no transport identity of its
// own.
func (c *Composite) Source() Source {
	return sourceComposite
}

// ReadPrompts merges every frontend's prompt stream into one interleaved
// stream. The merged channel closes when all underlying streams have closed.
func (c *Composite) ReadPrompts(ctx context.Context) <-chan Prompt {
	out := make(chan Prompt)

	var wg sync.WaitGroup
	for _, f := range c.frontends {
		in := f.ReadPrompts(ctx)
		wg.Go(func() {
			for p := range in {
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		})
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// Deliver fans the reply stream out to the frontends. Each frontend gets its
// own buffered channel and its own delivery goroutine, so one slow or failing
// frontend never stalls the others. Fragments for a full channel are dropped
// and logged. Deliver returns after the reply stream closes and every
// frontend's delivery task has finished.
func (c *Composite) Deliver(ctx context.Context, replies <-chan ReplyFragment) error {
	chans := make(map[Source]chan ReplyFragment, len(c.frontends))
	var wg sync.WaitGroup

	for _, f := range c.frontends {
		ch := make(chan ReplyFragment, c.buffer)
		chans[f.Source()] = ch
		wg.Go(func() {
			if err := f.Deliver(ctx, ch); err != nil {
				// Contained: a frontend's delivery failure is its own.
				c.logger.Error("frontend delivery ended with error",
					"source", f.Source(),
					"error", err)
			}
			// Drain so the fan-out loop can still write (and drop) freely.
			for range ch {
			}
		})
	}

	for frag := range replies {
		for _, src := range c.eligible(frag) {
			ch, ok := chans[src]
			if !ok {
				continue
			}
			select {
			case ch <- frag:
			default:
				c.logger.Warn("dropping fragment for slow frontend",
					"source", src,
					"chat_id", frag.Key.ChatID,
					"thread_id", frag.Key.ThreadID)
			}
		}
	}

	for _, ch := range chans {
		close(ch)
	}
	wg.Wait()
	return nil
}

// eligible computes, per fragment, the set of sources that must receive it:
// the fragment's own source plus the universal viewer.
func (c *Composite) eligible(frag ReplyFragment) []Source {
	if frag.Source == UniversalViewer {
		return []Source{frag.Source}
	}
	return []Source{frag.Source, UniversalViewer}
}

// ResolveOrCreateConversation forwards to exactly the frontend whose source
// matches the request. An unknown source is an error, not a no-op.
func (c *Composite) ResolveOrCreateConversation(ctx context.Context, req ConversationRequest) (ConversationKey, error) {
	f, ok := c.bySource[req.Source]
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: %q", ErrUnknownSource, req.Source)
	}
	return f.ResolveOrCreateConversation(ctx, req)
}

// StartSessionFor asks the frontend for the given source to open an
// unsolicited session. Unlike conversation resolution, a missing or incapable
// frontend is a legitimate no-op here: not every transport supports sessions
// it did not initiate.
func (c *Composite) StartSessionFor(ctx context.Context, src Source, key ConversationKey, title string) error {
	f, ok := c.bySource[src]
	if !ok {
		c.logger.Debug("no frontend for background session", "source", src)
		return nil
	}
	starter, ok := f.(SessionStarter)
	if !ok {
		c.logger.Debug("frontend does not support background sessions", "source", src)
		return nil
	}
	return starter.StartSession(ctx, key, title)
}
