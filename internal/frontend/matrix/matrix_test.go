// ABOUTME: Tests for the Matrix frontend's room mapping and delivery filtering.
// ABOUTME: Exercises pure paths; the sync loop itself needs a live homeserver.

package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/hearthward/switchboard/internal/frontend"
)

func newTestFrontend(t *testing.T, cfg Config) *Frontend {
	t.Helper()
	if cfg.Homeserver == "" {
		cfg.Homeserver = "https://matrix.example.org"
	}
	if cfg.UserID == "" {
		cfg.UserID = "@bot:example.org"
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = "token"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "helper"
	}
	m, err := New(cfg, nil)
	require.NoError(t, err)
	return m
}

func TestFrontend_KeyForRoom_Stable(t *testing.T) {
	m := newTestFrontend(t, Config{})

	room := id.RoomID("!abc:example.org")
	k1 := m.keyForRoom(room)
	k2 := m.keyForRoom(room)

	assert.Equal(t, k1, k2)
	assert.Positive(t, k1.ChatID)
	assert.Equal(t, "helper", k1.AgentID)
}

func TestFrontend_KeyForRoom_DistinctRooms(t *testing.T) {
	m := newTestFrontend(t, Config{})

	k1 := m.keyForRoom(id.RoomID("!room-one:example.org"))
	k2 := m.keyForRoom(id.RoomID("!room-two:example.org"))

	assert.NotEqual(t, k1.ChatID, k2.ChatID)
}

func TestFrontend_IsRoomAllowed(t *testing.T) {
	open := newTestFrontend(t, Config{})
	assert.True(t, open.isRoomAllowed("!any:example.org"))

	restricted := newTestFrontend(t, Config{AllowedRooms: []string{"!ok:example.org"}})
	assert.True(t, restricted.isRoomAllowed("!ok:example.org"))
	assert.False(t, restricted.isRoomAllowed("!other:example.org"))
}

func TestFrontend_WindowAccumulation(t *testing.T) {
	m := newTestFrontend(t, Config{})
	k := frontend.ConversationKey{ChatID: 1, ThreadID: 1, AgentID: "helper"}

	m.appendWindow(k, "part one ")
	m.appendWindow(k, "part two")

	assert.Equal(t, "part one part two", m.takeWindow(k))
	// Window is consumed
	assert.Empty(t, m.takeWindow(k))
}

func TestFrontend_Deliver_DropsUnknownConversations(t *testing.T) {
	m := newTestFrontend(t, Config{})

	// No room mapping exists: fragments are dropped without network calls
	k := frontend.ConversationKey{ChatID: 42, ThreadID: 42, AgentID: "helper"}
	replies := make(chan frontend.ReplyFragment, 2)
	replies <- frontend.ReplyFragment{Key: k, Source: frontend.SourceMatrix, Payload: "text"}
	replies <- frontend.ReplyFragment{Key: k, Source: frontend.SourceMatrix, IsFinal: true}
	close(replies)

	require.NoError(t, m.Deliver(t.Context(), replies))
}

func TestFrontend_ResolveOrCreateConversation(t *testing.T) {
	m := newTestFrontend(t, Config{})

	// Matrix cannot synthesize conversations
	_, err := m.ResolveOrCreateConversation(t.Context(), frontend.ConversationRequest{
		Source:  frontend.SourceMatrix,
		AgentID: "helper",
	})
	assert.Error(t, err)

	// Known room resolves
	room := id.RoomID("!abc:example.org")
	k := m.keyForRoom(room)
	m.roomMu.Lock()
	m.rooms[k] = room
	m.roomMu.Unlock()

	got, err := m.ResolveOrCreateConversation(t.Context(), frontend.ConversationRequest{
		Source:   frontend.SourceMatrix,
		ChatID:   k.ChatID,
		ThreadID: k.ThreadID,
		AgentID:  "helper",
	})
	require.NoError(t, err)
	assert.Equal(t, k, got)
}
