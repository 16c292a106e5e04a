// ABOUTME: Local console frontend for operating an agent from a terminal
// ABOUTME: Reads lines from an injected reader and streams replies with color

package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/hearthward/switchboard/internal/frontend"
)

// Config names the agent the console talks to and who the prompts come from.
type Config struct {
	AgentID string
	Sender  string
}

// Frontend is the local terminal surface. The whole session is one
// conversation: a key is assigned at construction and every line typed
// becomes a prompt on it.
type Frontend struct {
	cfg    Config
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
	key    frontend.ConversationKey

	prompts  chan frontend.Prompt
	readOnce sync.Once

	chunkColor *color.Color
	errColor   *color.Color
}

// New creates the console frontend reading from in and writing to out.
// Injected streams keep the package testable without a real terminal.
func New(cfg Config, in io.Reader, out io.Writer, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Sender == "" {
		cfg.Sender = "console"
	}
	return &Frontend{
		cfg:    cfg,
		in:     in,
		out:    out,
		logger: logger.With("component", "console"),
		key: frontend.ConversationKey{
			ChatID:   rand.Int64N(1<<62) + 1,
			ThreadID: rand.Int64N(1<<62) + 1,
			AgentID:  cfg.AgentID,
		},
		prompts:    make(chan frontend.Prompt, 16),
		chunkColor: color.New(color.FgCyan),
		errColor:   color.New(color.FgRed, color.Bold),
	}
}

// Source implements frontend.Frontend.
func (c *Frontend) Source() frontend.Source {
	return frontend.SourceConsole
}

// Key returns the conversation key this console session is bound to.
func (c *Frontend) Key() frontend.ConversationKey {
	return c.key
}

// ReadPrompts starts the line reader on first call and returns the prompt
// stream. The stream closes when the reader hits EOF or ctx is cancelled.
func (c *Frontend) ReadPrompts(ctx context.Context) <-chan frontend.Prompt {
	c.readOnce.Do(func() {
		go c.readLoop(ctx)
	})
	return c.prompts
}

func (c *Frontend) readLoop(ctx context.Context) {
	defer close(c.prompts)

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		prompt := frontend.Prompt{
			Text:       line,
			Key:        c.key,
			Sender:     c.cfg.Sender,
			SequenceID: uuid.New().String(),
			Source:     frontend.SourceConsole,
		}
		select {
		case c.prompts <- prompt:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("console input failed", "error", err)
	}
}

// Deliver streams reply text to the terminal as it arrives. Chunks print
// incrementally; the final marker ends the line.
func (c *Frontend) Deliver(_ context.Context, replies <-chan frontend.ReplyFragment) error {
	for frag := range replies {
		switch {
		case frag.IsError():
			c.errColor.Fprintf(c.out, "\nerror: %s\n", frag.Error)
		case frag.IsFinal:
			fmt.Fprintln(c.out)
		default:
			c.chunkColor.Fprint(c.out, frag.Payload)
		}
	}
	return nil
}

// ResolveOrCreateConversation implements frontend.Frontend. The console has
// exactly one conversation; resolving for its agent returns it.
func (c *Frontend) ResolveOrCreateConversation(_ context.Context, req frontend.ConversationRequest) (frontend.ConversationKey, error) {
	if req.AgentID != "" && req.AgentID != c.cfg.AgentID {
		return frontend.ConversationKey{}, fmt.Errorf("console is bound to agent %q", c.cfg.AgentID)
	}
	return c.key, nil
}
