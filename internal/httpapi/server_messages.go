package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"projectpulse/internal/store"
)

type messageDTO struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	Author         string  `json:"author"`
	AvatarInitials *string `json:"avatarInitials"`
	Content        string  `json:"content"`
	CreatedAt      string  `json:"createdAt"`
}

func toMessageDTO(m store.Message) messageDTO {
	return messageDTO{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID,
		Author:         m.Author,
		AvatarInitials: m.AvatarInitials,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toMessageDTOs(msgs []store.Message) []messageDTO {
	return lo.Map(msgs, func(m store.Message, _ int) messageDTO {
		return toMessageDTO(m)
	})
}

// Event envelopes pushed over SSE. "init" replaces the client's view with the
// backlog; "message" appends one item.
type initEvent struct {
	Type     string       `json:"type"`
	Messages []messageDTO `json:"messages"`
}

type messageEvent struct {
	Type    string     `json:"type"`
	Message messageDTO `json:"message"`
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversationId required"})
		return
	}
	limit := clampInt(intQuery(r, "limit", s.backlogLimit), 1, 500)

	msgs, err := s.store.RecentMessages(r.Context(), conversationID, limit)
	if err != nil {
		logError(r.Context(), "list messages failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, toMessageDTOs(msgs))
}

type createMessageRequest struct {
	ConversationID string  `json:"conversationId" validate:"required"`
	Author         string  `json:"author" validate:"required,max=120"`
	AvatarInitials *string `json:"avatarInitials" validate:"omitempty,max=8"`
	Content        string  `json:"content" validate:"required,max=4000"`
}

func (s *server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if !readJSONLimited(w, r, &req, 64*1024) {
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.Author = strings.TrimSpace(req.Author)
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
		return
	}

	msg, err := s.store.CreateMessage(r.Context(), store.NewMessage{
		ConversationID: req.ConversationID,
		Author:         req.Author,
		AvatarInitials: req.AvatarInitials,
		Content:        req.Content,
	})
	if err != nil {
		logError(r.Context(), "create message failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "create failed"})
		return
	}

	// Fan out only after the durable insert, and never let fan-out affect the
	// create response: delivery is a best-effort convenience on top of an
	// independently fetchable message list.
	dto := toMessageDTO(msg)
	s.br.publish(msg.ConversationID, messageEvent{Type: "message", Message: dto})

	writeJSON(w, http.StatusCreated, dto)
}

func (s *server) handleMessagesStream(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversationId required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	// Backlog first, so a failed fetch is still a clean JSON error. Subscribing
	// happens after the init frame; a message created in between is an accepted
	// miss covered by the reconnect backlog.
	backlog, err := s.store.RecentMessages(r.Context(), conversationID, s.backlogLimit)
	if err != nil {
		logError(r.Context(), "sse backlog fetch failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "backlog fetch failed"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sess := &streamSession{
		conversationID: conversationID,
		br:             s.br,
		bw:             bufio.NewWriterSize(w, 16*1024),
		flusher:        flusher,
		keepAlive:      s.keepAlive,
	}
	sess.run(r.Context(), toMessageDTOs(backlog))
}

// streamSession owns one open stream: the buffered writer, the subscriber
// channel and the keep-alive ticker. run returns when the client disconnects,
// a write fails, or the subscriber channel is closed; the connection is done
// either way and a reconnect builds a fresh session.
type streamSession struct {
	conversationID string
	br             *broker
	bw             *bufio.Writer
	flusher        http.Flusher
	keepAlive      time.Duration
}

func (ss *streamSession) run(ctx context.Context, backlog []messageDTO) {
	init, err := json.Marshal(initEvent{Type: "init", Messages: backlog})
	if err != nil {
		logError(ctx, "sse marshal init failed", err)
		return
	}
	if err := ss.writeFrame(init); err != nil {
		logError(ctx, "sse write failed", err)
		return
	}

	ch := ss.br.subscribe(ss.conversationID)
	defer ss.br.unsubscribe(ss.conversationID, ch)

	keepAlive := time.NewTicker(ss.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if err := ss.writeFrame(payload); err != nil {
				logError(ctx, "sse write failed", err)
				return
			}
		case <-keepAlive.C:
			if err := ss.writeKeepAlive(); err != nil {
				logError(ctx, "sse keepalive write failed", err)
				return
			}
		}
	}
}

func (ss *streamSession) writeFrame(payload []byte) error {
	if _, err := ss.bw.WriteString("data: "); err != nil {
		return err
	}
	if _, err := ss.bw.Write(payload); err != nil {
		return err
	}
	if _, err := ss.bw.WriteString("\n\n"); err != nil {
		return err
	}
	return ss.flush()
}

// Comment frame ignored by EventSource clients; its only job is to keep
// intermediaries from timing out an idle connection. Liveness is detected via
// the request context, not via this frame.
func (ss *streamSession) writeKeepAlive() error {
	if _, err := ss.bw.WriteString(": ping\n\n"); err != nil {
		return err
	}
	return ss.flush()
}

func (ss *streamSession) flush() error {
	if err := ss.bw.Flush(); err != nil {
		return err
	}
	ss.flusher.Flush()
	return nil
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
