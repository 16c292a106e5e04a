// ABOUTME: Matrix bot frontend built on the mautrix sync loop
// ABOUTME: Maps rooms to conversation keys and replies back into the room

package matrix

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/hearthward/switchboard/internal/dedupe"
	"github.com/hearthward/switchboard/internal/frontend"
)

// typingTimeout is how long a typing indicator stays visible.
const typingTimeout = 30 * time.Second

// networkTimeout bounds Matrix API calls so shutdown never hangs on them.
const networkTimeout = 10 * time.Second

// Config holds homeserver credentials and room policy for the bot.
type Config struct {
	Homeserver    string
	UserID        string
	AccessToken   string
	AgentID       string
	AllowedRooms  []string
	CommandPrefix string
}

// Frontend is the Matrix surface. Each room maps to one conversation: the
// room id hashes to a stable ChatID/ThreadID pair, and replies are routed
// back by remembering which room a key came from.
type Frontend struct {
	cfg    Config
	client *mautrix.Client
	logger *slog.Logger
	seen   *dedupe.Cache

	prompts  chan frontend.Prompt
	readOnce sync.Once

	// rooms remembers which room each conversation key belongs to so
	// Deliver can address replies. Written on receipt, read on delivery.
	roomMu sync.RWMutex
	rooms  map[frontend.ConversationKey]id.RoomID

	// windows accumulates streamed text until the final marker.
	winMu   sync.Mutex
	windows map[frontend.ConversationKey]*strings.Builder
}

// New creates the Matrix frontend and its client. The sync loop starts when
// ReadPrompts is first called.
func New(cfg Config, logger *slog.Logger) (*Frontend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Frontend{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("component", "matrix"),
		seen:    dedupe.New(10*time.Minute, 4096),
		prompts: make(chan frontend.Prompt, 64),
		rooms:   make(map[frontend.ConversationKey]id.RoomID),
		windows: make(map[frontend.ConversationKey]*strings.Builder),
	}, nil
}

// Source implements frontend.Frontend.
func (m *Frontend) Source() frontend.Source {
	return frontend.SourceMatrix
}

// ReadPrompts starts the sync loop on first call and returns the prompt
// stream.
func (m *Frontend) ReadPrompts(ctx context.Context) <-chan frontend.Prompt {
	m.readOnce.Do(func() {
		go m.syncLoop(ctx)
	})
	return m.prompts
}

// syncLoop runs the mautrix sync, restarting with backoff on failure.
func (m *Frontend) syncLoop(ctx context.Context) {
	defer close(m.prompts)
	defer m.seen.Close()

	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		m.logger.Error("unexpected syncer type, matrix frontend disabled",
			"type", fmt.Sprintf("%T", m.client.Syncer))
		return
	}
	syncer.OnEventType(event.EventMessage, func(evtCtx context.Context, evt *event.Event) {
		m.handleMessageEvent(ctx, evt)
	})

	m.logger.Info("connecting to matrix homeserver", "homeserver", m.cfg.Homeserver)

	backoff := time.Second
	for {
		err := m.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		m.logger.Error("matrix sync failed, restarting",
			"error", err,
			"retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// handleMessageEvent turns one room message into a prompt.
func (m *Frontend) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(m.cfg.UserID) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID
	if !m.isRoomAllowed(roomID.String()) {
		m.logger.Debug("ignoring message from non-allowed room", "room", roomID.String())
		return
	}

	// Sync restarts can redeliver events; the same event id never becomes a
	// second prompt.
	if m.seen.CheckAndMark(evt.ID.String()) {
		m.logger.Debug("dropping redelivered event", "event_id", evt.ID.String())
		return
	}

	body := content.Body
	if m.cfg.CommandPrefix != "" {
		if !strings.HasPrefix(body, m.cfg.CommandPrefix) {
			return
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, m.cfg.CommandPrefix))
	}
	if body == "" {
		return
	}

	key := m.keyForRoom(roomID)
	m.roomMu.Lock()
	m.rooms[key] = roomID
	m.roomMu.Unlock()

	m.logger.Info("received message",
		"room", roomID.String(),
		"sender", evt.Sender.String())

	m.setTyping(roomID, true)

	prompt := frontend.Prompt{
		Text:       body,
		Key:        key,
		Sender:     evt.Sender.String(),
		SequenceID: evt.ID.String(),
		Source:     frontend.SourceMatrix,
	}
	select {
	case m.prompts <- prompt:
	case <-ctx.Done():
	}
}

// keyForRoom derives a stable conversation key from the room id. Room ids
// are strings; hashing gives the numeric pair the rest of the system keys on.
func (m *Frontend) keyForRoom(roomID id.RoomID) frontend.ConversationKey {
	h := fnv.New64a()
	h.Write([]byte(roomID.String()))
	n := int64(h.Sum64() & (1<<62 - 1))
	if n == 0 {
		n = 1
	}
	return frontend.ConversationKey{
		ChatID:   n,
		ThreadID: n,
		AgentID:  m.cfg.AgentID,
	}
}

// Deliver consumes the fragment stream. Matrix has no incremental edit
// worth the churn, so chunks accumulate and the room gets one message per
// completed reply.
func (m *Frontend) Deliver(ctx context.Context, replies <-chan frontend.ReplyFragment) error {
	for frag := range replies {
		roomID, ok := m.roomFor(frag.Key)
		if !ok {
			m.logger.Debug("no room for conversation, dropping fragment",
				"chat_id", frag.Key.ChatID,
				"thread_id", frag.Key.ThreadID)
			continue
		}

		switch {
		case frag.IsError():
			m.takeWindow(frag.Key)
			m.setTyping(roomID, false)
			m.sendText(roomID, fmt.Sprintf("Error: %s", frag.Error))
		case frag.IsFinal:
			body := m.takeWindow(frag.Key)
			m.setTyping(roomID, false)
			if body != "" {
				m.sendText(roomID, body)
			}
		default:
			m.appendWindow(frag.Key, frag.Payload)
		}
	}
	return nil
}

func (m *Frontend) roomFor(key frontend.ConversationKey) (id.RoomID, bool) {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	roomID, ok := m.rooms[key]
	return roomID, ok
}

func (m *Frontend) appendWindow(key frontend.ConversationKey, text string) {
	m.winMu.Lock()
	b, ok := m.windows[key]
	if !ok {
		b = &strings.Builder{}
		m.windows[key] = b
	}
	b.WriteString(text)
	m.winMu.Unlock()
}

func (m *Frontend) takeWindow(key frontend.ConversationKey) string {
	m.winMu.Lock()
	defer m.winMu.Unlock()
	b, ok := m.windows[key]
	if !ok {
		return ""
	}
	delete(m.windows, key)
	return b.String()
}

func (m *Frontend) isRoomAllowed(roomID string) bool {
	if len(m.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range m.cfg.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

func (m *Frontend) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := m.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		m.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

func (m *Frontend) sendText(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.client.SendText(ctx, roomID, text); err != nil {
		m.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// ResolveOrCreateConversation implements frontend.Frontend. Matrix
// conversations exist only for rooms the bot has seen traffic in.
func (m *Frontend) ResolveOrCreateConversation(_ context.Context, req frontend.ConversationRequest) (frontend.ConversationKey, error) {
	if req.ChatID == 0 || req.ThreadID == 0 {
		return frontend.ConversationKey{}, fmt.Errorf("matrix conversations are created by room messages")
	}
	key := frontend.ConversationKey{
		ChatID:   req.ChatID,
		ThreadID: req.ThreadID,
		AgentID:  req.AgentID,
	}
	if _, ok := m.roomFor(key); !ok {
		return frontend.ConversationKey{}, fmt.Errorf("no room known for conversation %d/%d", req.ChatID, req.ThreadID)
	}
	return key, nil
}
