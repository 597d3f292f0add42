package model

import (
	"time"
)

// TaskStatus is the lifecycle state of an approval task. Transitions are
// monotonic: pending -> in_progress -> completed|failed. Terminal states
// are never left.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskInProgress || next == TaskFailed
	case TaskInProgress:
		return next == TaskCompleted || next == TaskFailed
	default:
		return false
	}
}

// Task represents one design approval job for a conversation.
type Task struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Status         TaskStatus `json:"status"`
	TotalPages     int        `json:"total_pages"`
	ProcessedPages int        `json:"processed_pages"`
	SkippedPages   int        `json:"skipped_pages"`
	ErrorMsg       string     `json:"error_msg,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
