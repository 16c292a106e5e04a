// ABOUTME: Tests for the console frontend's line reader and reply printer.
// ABOUTME: Uses injected reader/writer streams instead of a real terminal.

package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthward/switchboard/internal/frontend"
)

func TestFrontend_ReadPrompts_LinesBecomePrompts(t *testing.T) {
	in := strings.NewReader("first line\n\nsecond line\n")
	c := New(Config{AgentID: "helper"}, in, &bytes.Buffer{}, nil)

	prompts := c.ReadPrompts(t.Context())

	var texts []string
	for p := range prompts {
		texts = append(texts, p.Text)
		assert.Equal(t, frontend.SourceConsole, p.Source)
		assert.Equal(t, c.Key(), p.Key)
		assert.Equal(t, "console", p.Sender)
		assert.NotEmpty(t, p.SequenceID)
	}

	// Blank lines are skipped; the stream closes on EOF
	assert.Equal(t, []string{"first line", "second line"}, texts)
}

func TestFrontend_ReadPrompts_CustomSender(t *testing.T) {
	in := strings.NewReader("hi\n")
	c := New(Config{AgentID: "helper", Sender: "alex"}, in, &bytes.Buffer{}, nil)

	p := <-c.ReadPrompts(t.Context())
	assert.Equal(t, "alex", p.Sender)
}

func TestFrontend_Deliver_StreamsChunks(t *testing.T) {
	var out bytes.Buffer
	c := New(Config{AgentID: "helper"}, strings.NewReader(""), &out, nil)

	replies := make(chan frontend.ReplyFragment, 3)
	replies <- frontend.ReplyFragment{Key: c.Key(), Source: frontend.SourceConsole, Payload: "Hello, "}
	replies <- frontend.ReplyFragment{Key: c.Key(), Source: frontend.SourceConsole, Payload: "world"}
	replies <- frontend.ReplyFragment{Key: c.Key(), Source: frontend.SourceConsole, IsFinal: true}
	close(replies)

	require.NoError(t, c.Deliver(t.Context(), replies))
	assert.Contains(t, out.String(), "Hello, ")
	assert.Contains(t, out.String(), "world")
}

func TestFrontend_Deliver_PrintsErrors(t *testing.T) {
	var out bytes.Buffer
	c := New(Config{AgentID: "helper"}, strings.NewReader(""), &out, nil)

	replies := make(chan frontend.ReplyFragment, 1)
	replies <- frontend.ReplyFragment{Key: c.Key(), Source: frontend.SourceConsole, Error: "backend gone"}
	close(replies)

	require.NoError(t, c.Deliver(t.Context(), replies))
	assert.Contains(t, out.String(), "backend gone")
}

func TestFrontend_ResolveOrCreateConversation(t *testing.T) {
	c := New(Config{AgentID: "helper"}, strings.NewReader(""), &bytes.Buffer{}, nil)

	key, err := c.ResolveOrCreateConversation(t.Context(), frontend.ConversationRequest{
		Source:  frontend.SourceConsole,
		AgentID: "helper",
	})
	require.NoError(t, err)
	assert.Equal(t, c.Key(), key)

	_, err = c.ResolveOrCreateConversation(t.Context(), frontend.ConversationRequest{
		Source:  frontend.SourceConsole,
		AgentID: "someone-else",
	})
	assert.Error(t, err)
}

func TestFrontend_KeyIsStable(t *testing.T) {
	c := New(Config{AgentID: "helper"}, strings.NewReader(""), &bytes.Buffer{}, nil)

	k1 := c.Key()
	time.Sleep(time.Millisecond)
	k2 := c.Key()
	assert.Equal(t, k1, k2)
	assert.Positive(t, k1.ChatID)
	assert.Equal(t, "helper", k1.AgentID)
}
