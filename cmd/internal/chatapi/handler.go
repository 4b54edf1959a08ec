// Package chatapi exposes the HTTP collaborator surface of the messaging
// core: transactional send (for clients without a live socket), conversation
// listing, message fetch, and mark-read.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Purna998/studverse-chatapplication/cmd/internal/auth"
	"github.com/Purna998/studverse-chatapplication/cmd/internal/realtime"
)

const maxRequestBytes = 64 << 10

// Handler wires chat HTTP endpoints to the message store and room registry.
type Handler struct {
	log      *slog.Logger
	store    realtime.MessageStore
	registry *realtime.Registry
	tokens   auth.TokenValidator

	// msgCounter disambiguates server-derived identifiers within a millisecond.
	msgCounter atomic.Uint64
}

// NewHandler constructs the chat API handler.
func NewHandler(log *slog.Logger, store realtime.MessageStore, registry *realtime.Registry, tokens auth.TokenValidator) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("chatapi: nil store")
	}
	if tokens == nil {
		return nil, errors.New("chatapi: nil token validator")
	}
	return &Handler{log: log, store: store, registry: registry, tokens: tokens}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/messages/send", h.handleSend)
	mux.HandleFunc("GET /api/conversations", h.handleListConversations)
	mux.HandleFunc("GET /api/messages", h.handleListMessages)
	mux.HandleFunc("POST /api/messages/read", h.handleMarkRead)
}

// identify authenticates the request via its Authorization header.
func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token, err := auth.BearerFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed bearer token")
		return auth.Identity{}, false
	}

	identity, err := h.tokens.Validate(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
		return auth.Identity{}, false
	}
	return identity, true
}

type sendRequest struct {
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
}

type sendResponse struct {
	ConversationID    int64  `json:"conversation_id"`
	MessageID         string `json:"message_id"`
	Timestamp         int64  `json:"timestamp"`
	IsNewConversation bool   `json:"is_new_conversation"`
}

// handleSend writes the message durably first, then publishes to any live
// sessions. Unlike the websocket hot path, a storage failure here fails the
// request: callers of the HTTP surface expect transactional behavior.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	req.Receiver = strings.TrimSpace(req.Receiver)
	if req.Receiver == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "receiver and message are required")
		return
	}

	now := time.Now().UTC()
	results, err := h.store.AppendDirectBatch(r.Context(), []realtime.DirectWrite{{
		Sender:   identity.Username,
		Receiver: req.Receiver,
		Body:     req.Message,
		SentAt:   now,
	}})
	if err != nil || len(results) != 1 {
		h.log.Error("chatapi.send.fail", "sender", identity.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "message could not be saved")
		return
	}
	res := results[0]

	msgID := realtime.DeriveMessageID(identity.Username, req.Receiver, nil, now, h.msgCounter.Add(1))

	// Live delivery is best-effort; absent rooms are a silent no-op.
	if h.registry != nil {
		convID := res.ConversationID
		ev := realtime.ChatEvent{
			MessageID:         msgID,
			Sender:            identity.Username,
			Receiver:          req.Receiver,
			Body:              req.Message,
			Timestamp:         now.Unix(),
			ConversationID:    &convID,
			IsNewConversation: res.NewConversation,
		}
		if req.Receiver != identity.Username {
			h.registry.Publish(realtime.RoomForUser(req.Receiver), ev)
		}
		echo := ev
		echo.Echo = true
		h.registry.Publish(realtime.RoomForUser(identity.Username), echo)
	}

	writeJSON(w, http.StatusCreated, sendResponse{
		ConversationID:    res.ConversationID,
		MessageID:         msgID,
		Timestamp:         now.Unix(),
		IsNewConversation: res.NewConversation,
	})
}

type conversationItem struct {
	ID          int64  `json:"id"`
	Participant string `json:"participant"`
	UpdatedAt   int64  `json:"updated_at"`
	UnreadCount int    `json:"unread_count"`
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	convs, err := h.store.ListConversations(r.Context(), identity.Username)
	if err != nil {
		h.log.Error("chatapi.conversations.fail", "user", identity.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "could not list conversations")
		return
	}

	out := make([]conversationItem, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationItem{
			ID:          c.ID,
			Participant: c.Participant,
			UpdatedAt:   c.UpdatedAt.Unix(),
			UnreadCount: c.UnreadCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

type messageItem struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Sender         string `json:"sender"`
	Message        string `json:"message"`
	Timestamp      int64  `json:"timestamp"`
	IsRead         bool   `json:"is_read"`
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}

	convID, err := strconv.ParseInt(r.URL.Query().Get("conversation_id"), 10, 64)
	if err != nil || convID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid conversation_id")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := h.store.ListMessages(r.Context(), convID, limit)
	if err != nil {
		h.log.Error("chatapi.messages.fail", "conversation_id", convID, "err", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "could not list messages")
		return
	}

	out := make([]messageItem, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageItem{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Sender:         m.Sender,
			Message:        m.Body,
			Timestamp:      m.SentAt.Unix(),
			IsRead:         m.Read,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type markReadRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil || req.ConversationID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid conversation_id")
		return
	}

	n, err := h.store.MarkMessagesRead(r.Context(), req.ConversationID, identity.Username)
	if err != nil {
		h.log.Error("chatapi.mark_read.fail", "conversation_id", req.ConversationID, "err", err)
		writeError(w, http.StatusInternalServerError, "store_failed", "could not mark messages read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"marked_read": n})
}
