// ABOUTME: Built-in echo agent used for development and end-to-end testing
// ABOUTME: Streams the prompt back word by word and keeps a running transcript

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hearthward/switchboard/internal/frontend"
	"github.com/hearthward/switchboard/internal/orchestrator"
)

// Echo is a development implementation of orchestrator.Invoker. It streams
// the prompt text back a word at a time, and records every exchange in the
// session state so conversation memory (and /clear wiping it) is observable
// without a real agent backend.
type Echo struct {
	// Delay between streamed words. Zero means no artificial pacing.
	Delay time.Duration
}

// transcript is the session state the echo agent persists between prompts.
type transcript struct {
	Exchanges []exchange `json:"exchanges"`
}

type exchange struct {
	Sender string `json:"sender"`
	Prompt string `json:"prompt"`
}

// Invoke implements orchestrator.Invoker.
func (e *Echo) Invoke(ctx context.Context, session *orchestrator.Session, prompt frontend.Prompt) (<-chan orchestrator.Chunk, error) {
	var t transcript
	if len(session.State) > 0 {
		if err := json.Unmarshal(session.State, &t); err != nil {
			return nil, fmt.Errorf("decoding session state: %w", err)
		}
	}
	t.Exchanges = append(t.Exchanges, exchange{Sender: prompt.Sender, Prompt: prompt.Text})

	state, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding session state: %w", err)
	}
	session.State = state

	out := make(chan orchestrator.Chunk)
	go func() {
		defer close(out)

		words := strings.Fields(fmt.Sprintf("(%d) %s", len(t.Exchanges), prompt.Text))
		for i, word := range words {
			if i > 0 {
				word = " " + word
			}
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					out <- orchestrator.Chunk{Err: ctx.Err()}
					return
				}
			}
			select {
			case out <- orchestrator.Chunk{Text: word}:
			case <-ctx.Done():
				out <- orchestrator.Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}
