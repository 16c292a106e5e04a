// ABOUTME: Interactive web frontend: JSON send endpoint plus SSE reply stream
// ABOUTME: Universal viewer - receives and persists every reply in the system

package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/hearthward/switchboard/internal/frontend"
	"github.com/hearthward/switchboard/internal/store"
)

// promptBuffer bounds how many accepted-but-unmerged prompts the frontend
// holds. A full buffer turns into HTTP 503 backpressure, never a silent drop.
const promptBuffer = 128

// Store is what the web frontend needs from persistence.
type Store interface {
	SaveReply(ctx context.Context, reply *store.Reply) error
	ListReplies(ctx context.Context, key frontend.ConversationKey, limit int) ([]*store.Reply, error)
}

// Frontend is the interactive web surface. It is the universal viewer: the
// composite delivers every fragment here regardless of source, and this is
// where final replies are persisted to the ledger.
type Frontend struct {
	store  Store
	logger *slog.Logger

	prompts   chan frontend.Prompt
	readOnce  sync.Once
	hub       *hub
	agentIDs  map[string]bool

	// windows accumulates streamed text per conversation until the final
	// marker arrives.
	mu      sync.Mutex
	windows map[windowKey]*bytes.Buffer
}

type windowKey struct {
	key    frontend.ConversationKey
	source frontend.Source
}

// New creates the web frontend. agentIDs is the configured agent set used to
// validate send requests.
func New(s Store, agentIDs []string, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = slog.Default()
	}
	ids := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		ids[id] = true
	}
	return &Frontend{
		store:    s,
		logger:   logger.With("component", "webui"),
		prompts:  make(chan frontend.Prompt, promptBuffer),
		hub:      newHub(logger),
		agentIDs: ids,
		windows:  make(map[windowKey]*bytes.Buffer),
	}
}

// Source implements frontend.Frontend.
func (w *Frontend) Source() frontend.Source {
	return frontend.SourceWebUI
}

// ReadPrompts returns the stream of prompts submitted via the send endpoint.
func (w *Frontend) ReadPrompts(ctx context.Context) <-chan frontend.Prompt {
	w.readOnce.Do(func() {
		go func() {
			<-ctx.Done()
			close(w.prompts)
		}()
	})
	return w.prompts
}

// Deliver consumes the fragment stream: chunks are pushed to SSE subscribers
// as they arrive, and on the final marker the accumulated reply is rendered
// and persisted. A store failure is logged, never propagated.
func (w *Frontend) Deliver(ctx context.Context, replies <-chan frontend.ReplyFragment) error {
	for frag := range replies {
		switch {
		case frag.IsError():
			w.finishWindow(frag)
			w.hub.publish(frag.Key.AgentID, event{
				Type:     "error",
				ChatID:   frag.Key.ChatID,
				ThreadID: frag.Key.ThreadID,
				Source:   string(frag.Source),
				Error:    frag.Error,
			})
			w.persist(frag, frag.Error, true)

		case frag.IsFinal:
			body := w.finishWindow(frag)
			w.hub.publish(frag.Key.AgentID, event{
				Type:     "done",
				ChatID:   frag.Key.ChatID,
				ThreadID: frag.Key.ThreadID,
				Source:   string(frag.Source),
				Text:     body,
				HTML:     renderMarkdown(body),
			})
			w.persist(frag, body, false)

		default:
			w.appendWindow(frag)
			w.hub.publish(frag.Key.AgentID, event{
				Type:     "text",
				ChatID:   frag.Key.ChatID,
				ThreadID: frag.Key.ThreadID,
				Source:   string(frag.Source),
				Text:     frag.Payload,
			})
		}
	}
	return nil
}

func (w *Frontend) appendWindow(frag frontend.ReplyFragment) {
	k := windowKey{key: frag.Key, source: frag.Source}
	w.mu.Lock()
	buf, ok := w.windows[k]
	if !ok {
		buf = &bytes.Buffer{}
		w.windows[k] = buf
	}
	buf.WriteString(frag.Payload)
	w.mu.Unlock()
}

func (w *Frontend) finishWindow(frag frontend.ReplyFragment) string {
	k := windowKey{key: frag.Key, source: frag.Source}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, ok := w.windows[k]
	if !ok {
		return ""
	}
	delete(w.windows, k)
	return buf.String()
}

// persist records the completed reply with its own deadline so a slow store
// never stalls delivery.
func (w *Frontend) persist(frag frontend.ReplyFragment, body string, isError bool) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.store.SaveReply(saveCtx, &store.Reply{
		ID:        uuid.New().String(),
		Key:       frag.Key,
		Source:    frag.Source,
		Body:      body,
		IsError:   isError,
		CreatedAt: time.Now(),
	})
	if err != nil {
		w.logger.Error("failed to persist reply",
			"error", err,
			"chat_id", frag.Key.ChatID,
			"thread_id", frag.Key.ThreadID)
	}
}

// ResolveOrCreateConversation assigns identifiers for a new web
// conversation, or echoes back an existing pair.
func (w *Frontend) ResolveOrCreateConversation(_ context.Context, req frontend.ConversationRequest) (frontend.ConversationKey, error) {
	if req.AgentID == "" {
		return frontend.ConversationKey{}, fmt.Errorf("agent id is required")
	}
	key := frontend.ConversationKey{
		ChatID:   req.ChatID,
		ThreadID: req.ThreadID,
		AgentID:  req.AgentID,
	}
	if key.ChatID == 0 {
		key.ChatID = rand.Int64N(1<<62) + 1
	}
	if key.ThreadID == 0 {
		key.ThreadID = rand.Int64N(1<<62) + 1
	}
	return key, nil
}

// StartSession implements frontend.SessionStarter: a background session
// surfaces as a hub event so connected browsers can show the new thread.
func (w *Frontend) StartSession(_ context.Context, key frontend.ConversationKey, title string) error {
	w.hub.publish(key.AgentID, event{
		Type:     "session_started",
		ChatID:   key.ChatID,
		ThreadID: key.ThreadID,
		Source:   string(frontend.SourceWebUI),
		Text:     title,
	})
	return nil
}

// RegisterRoutes mounts the web API on mux.
func (w *Frontend) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/send", w.handleSend)
	mux.HandleFunc("GET /api/stream", w.handleStream)
	mux.HandleFunc("GET /api/history", w.handleHistory)
}

type sendRequest struct {
	AgentID  string `json:"agent_id"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int64  `json:"thread_id,omitempty"`
	Sender   string `json:"sender,omitempty"`
	Text     string `json:"text"`
}

type sendResponse struct {
	ChatID     int64  `json:"chat_id"`
	ThreadID   int64  `json:"thread_id"`
	SequenceID string `json:"sequence_id"`
}

func (w *Frontend) handleSend(rw http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(rw, "text is required", http.StatusBadRequest)
		return
	}
	if !w.agentIDs[req.AgentID] {
		http.Error(rw, fmt.Sprintf("unknown agent %q", req.AgentID), http.StatusBadRequest)
		return
	}

	key, err := w.ResolveOrCreateConversation(r.Context(), frontend.ConversationRequest{
		Source:   frontend.SourceWebUI,
		ChatID:   req.ChatID,
		ThreadID: req.ThreadID,
		AgentID:  req.AgentID,
	})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	sender := req.Sender
	if sender == "" {
		sender = "web"
	}
	prompt := frontend.Prompt{
		Text:       req.Text,
		Key:        key,
		Sender:     sender,
		SequenceID: uuid.New().String(),
		Source:     frontend.SourceWebUI,
	}

	select {
	case w.prompts <- prompt:
	default:
		// Buffer full: tell the caller to back off instead of dropping.
		http.Error(rw, "busy, retry later", http.StatusServiceUnavailable)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(sendResponse{
		ChatID:     key.ChatID,
		ThreadID:   key.ThreadID,
		SequenceID: prompt.SequenceID,
	})
}

func (w *Frontend) handleStream(rw http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(rw, "agent_id is required", http.StatusBadRequest)
		return
	}

	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	events, unsubscribe := w.hub.subscribe(agentID)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (w *Frontend) handleHistory(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	chatID, _ := strconv.ParseInt(q.Get("chat_id"), 10, 64)
	threadID, _ := strconv.ParseInt(q.Get("thread_id"), 10, 64)
	if agentID == "" || chatID == 0 || threadID == 0 {
		http.Error(rw, "agent_id, chat_id and thread_id are required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	replies, err := w.store.ListReplies(r.Context(), frontend.ConversationKey{
		ChatID:   chatID,
		ThreadID: threadID,
		AgentID:  agentID,
	}, limit)
	if err != nil {
		w.logger.Error("history query failed", "error", err)
		http.Error(rw, "history unavailable", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(replies)
}

// renderMarkdown converts a completed reply to HTML for browser display.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}
