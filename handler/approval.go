package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/Yazington/aprv-ai-backend/middleware"
	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/Yazington/aprv-ai-backend/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// FileUploader stores uploaded document bytes. Satisfied by
// *service.MinioFileStore.
type FileUploader interface {
	PutBytes(ctx context.Context, fileID string, data []byte, contentType string) error
}

type ApprovalHandler struct {
	approvals     *service.ApprovalService
	conversations service.ConversationStore
	uploader      FileUploader
	hub           *service.ProgressHub
	upgrader      websocket.Upgrader
}

func NewApprovalHandler(approvals *service.ApprovalService, conversations service.ConversationStore, uploader FileUploader, hub *service.ProgressHub) *ApprovalHandler {
	return &ApprovalHandler{
		approvals:     approvals,
		conversations: conversations,
		uploader:      uploader,
		hub:           hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type RegisterConversationRequest struct {
	ConversationID string   `json:"conversation_id"`
	DesignIDs      []string `json:"design_ids"`
	GuidelineID    string   `json:"guideline_id"`
}

// RegisterConversation links already-stored design and guideline file ids to
// a conversation. A missing conversation id creates a new conversation.
func (h *ApprovalHandler) RegisterConversation(c *gin.Context) {
	var req RegisterConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	err := h.conversations.SetFiles(c.Request.Context(), conversationID, service.ConversationFiles{
		DesignIDs:   req.DesignIDs,
		GuidelineID: req.GuidelineID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save conversation: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"design_ids":      req.DesignIDs,
		"guideline_id":    req.GuidelineID,
	})
}

// Upload stores a design image or guideline PDF for a conversation.
func (h *ApprovalHandler) Upload(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	conversationID := c.Param("id")

	kind := c.PostForm("kind")
	if kind != "design" && kind != "guideline" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be 'design' or 'guideline'"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	var contentType string
	switch {
	case kind == "guideline" && ext == ".pdf":
		contentType = "application/pdf"
	case kind == "design" && (ext == ".png"):
		contentType = "image/png"
	case kind == "design" && (ext == ".jpg" || ext == ".jpeg"):
		contentType = "image/jpeg"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported file type for " + kind})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}

	fileID := fmt.Sprintf("%s/%s/%s/%s", tenant, conversationID, kind, uuid.New().String()+ext)
	if err := h.uploader.PutBytes(c.Request.Context(), fileID, data, contentType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store file: " + err.Error()})
		return
	}

	files, err := h.conversations.GetFiles(c.Request.Context(), conversationID)
	if err != nil && !errors.Is(err, service.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load conversation: " + err.Error()})
		return
	}
	if kind == "design" {
		files.DesignIDs = append(files.DesignIDs, fileID)
	} else {
		files.GuidelineID = fileID
	}
	if err := h.conversations.SetFiles(c.Request.Context(), conversationID, files); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save conversation: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"file_id":         fileID,
		"kind":            kind,
		"filename":        header.Filename,
	})
}

// StartProcess kicks off the approval run for a conversation.
func (h *ApprovalHandler) StartProcess(c *gin.Context) {
	conversationID := c.Param("id")

	task, err := h.approvals.Start(c.Request.Context(), conversationID)
	switch {
	case errors.Is(err, service.ErrPrecondition):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Conversation needs exactly one design and one guideline document"})
		return
	case errors.Is(err, service.ErrTaskActive):
		c.JSON(http.StatusConflict, gin.H{"error": "A task for this conversation is already running"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start task: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, taskResponse(task))
}

// GetProcessStatus returns the latest task for a conversation.
func (h *ApprovalHandler) GetProcessStatus(c *gin.Context) {
	conversationID := c.Param("id")

	task, err := h.approvals.GetTaskStatus(c.Request.Context(), conversationID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No task for this conversation"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load task: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, taskResponse(task))
}

// GetReviews returns a task's page reviews ordered by page number.
func (h *ApprovalHandler) GetReviews(c *gin.Context) {
	taskID := c.Param("id")

	reviews, err := h.approvals.GetReviews(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load reviews: " + err.Error()})
		return
	}

	result := make([]gin.H, len(reviews))
	for i, review := range reviews {
		result[i] = gin.H{
			"id":          review.ID,
			"page_number": review.PageNumber,
			"verdict":     review.Verdict,
			"rationale":   review.Rationale,
			"created_at":  review.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "reviews": result})
}

// GetConversationReviews returns all reviews across a conversation's tasks.
func (h *ApprovalHandler) GetConversationReviews(c *gin.Context) {
	conversationID := c.Param("id")

	reviews, err := h.approvals.GetReviewsByConversation(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load reviews: " + err.Error()})
		return
	}

	result := make([]gin.H, len(reviews))
	for i, review := range reviews {
		result[i] = gin.H{
			"id":          review.ID,
			"task_id":     review.TaskID,
			"page_number": review.PageNumber,
			"verdict":     review.Verdict,
			"rationale":   review.Rationale,
			"created_at":  review.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "reviews": result})
}

// Cancel stops a running task.
func (h *ApprovalHandler) Cancel(c *gin.Context) {
	taskID := c.Param("id")

	if !h.approvals.Cancel(taskID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No running task with this id"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cancellation requested"})
}

// WSProgress upgrades to a websocket streaming task progress events for a
// conversation.
func (h *ApprovalHandler) WSProgress(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	h.hub.Subscribe(conversationID, conn)
	defer h.hub.Unsubscribe(conversationID, conn)

	// Read loop only detects the peer going away; the hub owns all writes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func taskResponse(task *model.Task) gin.H {
	return gin.H{
		"task_id":         task.ID,
		"conversation_id": task.ConversationID,
		"status":          task.Status,
		"total_pages":     task.TotalPages,
		"processed_pages": task.ProcessedPages,
		"skipped_pages":   task.SkippedPages,
		"error_msg":       task.ErrorMsg,
		"created_at":      task.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		"updated_at":      task.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
