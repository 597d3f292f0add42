package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/google/uuid"
)

// Store persists tasks and reviews. Implementations must make
// IncrementProcessed a single atomic operation: page completions race and
// the orchestrator relies on the returned count to detect the last page.
type Store interface {
	// CreateTask persists a new pending task. Returns ErrTaskActive while a
	// non-terminal task exists for the conversation; the check and the insert
	// are one atomic operation so concurrent starts cannot both succeed.
	CreateTask(ctx context.Context, conversationID string) (*model.Task, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	// GetLatestTask returns the most recently created task for a conversation.
	GetLatestTask(ctx context.Context, conversationID string) (*model.Task, error)
	// StartProcessing records the page count and moves the task to in_progress.
	StartProcessing(ctx context.Context, taskID string, totalPages int) error
	// IncrementProcessed atomically bumps processed_pages and returns the new value.
	IncrementProcessed(ctx context.Context, taskID string) (int, error)
	// IncrementSkipped atomically bumps skipped_pages.
	IncrementSkipped(ctx context.Context, taskID string) error
	// FinishTask moves the task to a terminal state. Returns ErrTerminal if
	// the task is already terminal; terminal transitions happen exactly once.
	FinishTask(ctx context.Context, taskID string, status model.TaskStatus, errMsg string) error

	CreateReview(ctx context.Context, review *model.Review) error
	ListReviewsByTask(ctx context.Context, taskID string) ([]*model.Review, error)
	ListReviewsByConversation(ctx context.Context, conversationID string) ([]*model.Review, error)
}

// MemoryStore is an in-memory Store used for tests and single-node
// deployments. Production deployments use the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*model.Task
	reviews map[string][]*model.Review // keyed by task id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*model.Task),
		reviews: make(map[string][]*model.Review),
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, conversationID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.ConversationID == conversationID && !t.Status.Terminal() {
			return nil, ErrTaskActive
		}
	}

	now := time.Now()
	task := &model.Task{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Status:         model.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.tasks[task.ID] = task

	slog.Info("task created", "task_id", task.ID, "conversation_id", conversationID)
	return cloneTask(task), nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) GetLatestTask(ctx context.Context, conversationID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Task
	for _, t := range s.tasks {
		if t.ConversationID != conversationID {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneTask(latest), nil
}

func (s *MemoryStore) StartProcessing(ctx context.Context, taskID string, totalPages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if !task.Status.CanTransitionTo(model.TaskInProgress) {
		return ErrTerminal
	}
	task.Status = model.TaskInProgress
	task.TotalPages = totalPages
	task.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) IncrementProcessed(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return 0, ErrNotFound
	}
	if task.ProcessedPages >= task.TotalPages {
		return task.ProcessedPages, ErrTerminal
	}
	task.ProcessedPages++
	task.UpdatedAt = time.Now()
	return task.ProcessedPages, nil
}

func (s *MemoryStore) IncrementSkipped(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.SkippedPages++
	task.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) FinishTask(ctx context.Context, taskID string, status model.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	if !status.Terminal() {
		return ErrTerminal
	}
	task.Status = status
	task.ErrorMsg = errMsg
	task.UpdatedAt = time.Now()

	slog.Info("task finished", "task_id", taskID, "status", status, "error", errMsg)
	return nil
}

func (s *MemoryStore) CreateReview(ctx context.Context, review *model.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now()
	}
	stored := *review
	s.reviews[review.TaskID] = append(s.reviews[review.TaskID], &stored)
	return nil
}

func (s *MemoryStore) ListReviewsByTask(ctx context.Context, taskID string) ([]*model.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reviews := make([]*model.Review, 0, len(s.reviews[taskID]))
	for _, r := range s.reviews[taskID] {
		copied := *r
		reviews = append(reviews, &copied)
	}
	sortReviews(reviews)
	return reviews, nil
}

func (s *MemoryStore) ListReviewsByConversation(ctx context.Context, conversationID string) ([]*model.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reviews []*model.Review
	for _, taskReviews := range s.reviews {
		for _, r := range taskReviews {
			if r.ConversationID == conversationID {
				copied := *r
				reviews = append(reviews, &copied)
			}
		}
	}
	sortReviewsByCreation(reviews)
	return reviews, nil
}

func sortReviews(reviews []*model.Review) {
	sort.Slice(reviews, func(i, j int) bool {
		return reviews[i].PageNumber < reviews[j].PageNumber
	})
}

// sortReviewsByCreation orders reviews across tasks: creation time first,
// then task id and page number as deterministic tie-breaks.
func sortReviewsByCreation(reviews []*model.Review) {
	sort.Slice(reviews, func(i, j int) bool {
		if !reviews[i].CreatedAt.Equal(reviews[j].CreatedAt) {
			return reviews[i].CreatedAt.Before(reviews[j].CreatedAt)
		}
		if reviews[i].TaskID != reviews[j].TaskID {
			return reviews[i].TaskID < reviews[j].TaskID
		}
		return reviews[i].PageNumber < reviews[j].PageNumber
	})
}

func cloneTask(t *model.Task) *model.Task {
	copied := *t
	return &copied
}
