package service

import (
	"context"
	"sync"
	"time"

	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/Yazington/aprv-ai-backend/pkg/logger"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ProgressEvent is the wire shape pushed to websocket subscribers whenever
// a task advances.
type ProgressEvent struct {
	TaskID         string           `json:"task_id"`
	ConversationID string           `json:"conversation_id"`
	Status         model.TaskStatus `json:"status"`
	TotalPages     int              `json:"total_pages"`
	ProcessedPages int              `json:"processed_pages"`
	SkippedPages   int              `json:"skipped_pages"`
	ErrorMsg       string           `json:"error_msg,omitempty"`
}

// ProgressHub fans task progress out to websocket clients. Clients subscribe
// per conversation; a slow or dead client is dropped rather than allowed to
// block the pipeline.
type ProgressHub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{} // conversationID -> conns
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{clients: make(map[string]map[*websocket.Conn]struct{})}
}

// Subscribe registers a connection for a conversation's events. The hub owns
// writes; the caller keeps reading to detect the peer closing.
func (h *ProgressHub) Subscribe(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conversationID] == nil {
		h.clients[conversationID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[conversationID][conn] = struct{}{}
}

// Unsubscribe removes and closes a connection.
func (h *ProgressHub) Unsubscribe(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, conversationID)
		}
	}
	conn.Close()
}

// NotifyTask implements Notifier.
func (h *ProgressHub) NotifyTask(task *model.Task) {
	event := ProgressEvent{
		TaskID:         task.ID,
		ConversationID: task.ConversationID,
		Status:         task.Status,
		TotalPages:     task.TotalPages,
		ProcessedPages: task.ProcessedPages,
		SkippedPages:   task.SkippedPages,
		ErrorMsg:       task.ErrorMsg,
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[task.ConversationID]))
	for conn := range h.clients[task.ConversationID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	var dead []*websocket.Conn
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			logger.Warn(context.Background(), "dropping websocket client", "conversation_id", task.ConversationID, "error", err)
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		h.Unsubscribe(task.ConversationID, conn)
	}
}
