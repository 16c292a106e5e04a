// ABOUTME: In-memory fan-out of reply events to connected SSE clients
// ABOUTME: Subscribers are keyed by agent id; slow clients drop, never block

package webui

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the channel buffer for each SSE subscriber.
const subscriberBuffer = 64

// event is one server-sent event pushed to browsers.
type event struct {
	Type     string `json:"type"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int64  `json:"thread_id"`
	Source   string `json:"source"`
	Text     string `json:"text,omitempty"`
	HTML     string `json:"html,omitempty"`
	Error    string `json:"error,omitempty"`
}

// hub is the in-memory pub/sub between Deliver and the SSE handlers.
type hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan event // agentID -> subID -> ch
	logger      *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		subscribers: make(map[string]map[string]chan event),
		logger:      logger.With("component", "webui-hub"),
	}
}

// subscribe registers an SSE client for events on agentID. The returned
// function unsubscribes and closes the channel.
func (h *hub) subscribe(agentID string) (<-chan event, func()) {
	subID := uuid.New().String()
	ch := make(chan event, subscriberBuffer)

	h.mu.Lock()
	if _, ok := h.subscribers[agentID]; !ok {
		h.subscribers[agentID] = make(map[string]chan event)
	}
	h.subscribers[agentID][subID] = ch
	h.mu.Unlock()

	return ch, func() { h.unsubscribe(agentID, subID) }
}

func (h *hub) unsubscribe(agentID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[agentID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, agentID)
	}
}

// publish sends an event to every subscriber for agentID. Non-blocking:
// events are dropped for subscribers whose channels are full.
func (h *hub) publish(agentID string, ev event) {
	h.mu.RLock()
	subs := h.subscribers[agentID]
	targets := make([]chan event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow SSE subscriber",
				"agent_id", agentID,
				"type", ev.Type)
		}
	}
}
