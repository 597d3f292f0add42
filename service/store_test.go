package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Yazington/aprv-ai-backend/model"
)

func TestMemoryStoreTaskLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task, err := store.CreateTask(ctx, "conv-1")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.Status != model.TaskPending {
		t.Errorf("expected pending status, got %s", task.Status)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.ID != task.ID || got.ConversationID != "conv-1" {
		t.Errorf("unexpected task: %+v", got)
	}

	if err := store.StartProcessing(ctx, task.ID, 5); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.Status != model.TaskInProgress || got.TotalPages != 5 {
		t.Errorf("expected in_progress with 5 pages, got %s/%d", got.Status, got.TotalPages)
	}

	if err := store.FinishTask(ctx, task.ID, model.TaskCompleted, ""); err != nil {
		t.Fatalf("FinishTask failed: %v", err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.Status != model.TaskCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestMemoryStoreCreateTaskRejectsActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.CreateTask(ctx, "conv-1")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	// pending and in_progress both block a second task
	if _, err := store.CreateTask(ctx, "conv-1"); !errors.Is(err, ErrTaskActive) {
		t.Errorf("expected ErrTaskActive while pending, got %v", err)
	}
	store.StartProcessing(ctx, first.ID, 1)
	if _, err := store.CreateTask(ctx, "conv-1"); !errors.Is(err, ErrTaskActive) {
		t.Errorf("expected ErrTaskActive while in progress, got %v", err)
	}

	// other conversations are unaffected
	if _, err := store.CreateTask(ctx, "conv-other"); err != nil {
		t.Errorf("CreateTask for another conversation failed: %v", err)
	}

	store.FinishTask(ctx, first.ID, model.TaskCompleted, "")
	if _, err := store.CreateTask(ctx, "conv-1"); err != nil {
		t.Errorf("CreateTask after terminal task failed: %v", err)
	}
}

func TestMemoryStoreGetTaskNotFound(t *testing.T) {
	store := NewMemoryStore()

	if _, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetLatestTask(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreGetLatestTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, _ := store.CreateTask(ctx, "conv-1")
	store.FinishTask(ctx, first.ID, model.TaskFailed, "boom")
	second, _ := store.CreateTask(ctx, "conv-1")
	store.CreateTask(ctx, "conv-other")

	latest, err := store.GetLatestTask(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetLatestTask failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("expected latest task %s, got %s", second.ID, latest.ID)
	}
}

func TestMemoryStoreIncrementProcessedConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "conv-1")
	const total = 50
	if err := store.StartProcessing(ctx, task.ID, total); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementProcessed(ctx, task.ID); err != nil {
				t.Errorf("IncrementProcessed failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := store.GetTask(ctx, task.ID)
	if got.ProcessedPages != total {
		t.Errorf("expected %d processed pages, got %d", total, got.ProcessedPages)
	}

	// processed never exceeds total
	if _, err := store.IncrementProcessed(ctx, task.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal past total, got %v", err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.ProcessedPages != total {
		t.Errorf("processed pages exceeded total: %d", got.ProcessedPages)
	}
}

func TestMemoryStoreFinishTaskOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "conv-1")
	store.StartProcessing(ctx, task.ID, 1)

	if err := store.FinishTask(ctx, task.ID, model.TaskCompleted, ""); err != nil {
		t.Fatalf("first FinishTask failed: %v", err)
	}
	if err := store.FinishTask(ctx, task.ID, model.TaskFailed, "late failure"); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal on second finish, got %v", err)
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.Status != model.TaskCompleted || got.ErrorMsg != "" {
		t.Errorf("terminal state was overwritten: %s / %q", got.Status, got.ErrorMsg)
	}
}

func TestMemoryStoreFinishTaskRejectsNonTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "conv-1")
	if err := store.FinishTask(ctx, task.ID, model.TaskInProgress, ""); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal for non-terminal target, got %v", err)
	}
}

func TestMemoryStoreReviewsOrderedByPage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "conv-1")
	for _, page := range []int{3, 1, 2} {
		err := store.CreateReview(ctx, &model.Review{
			TaskID:         task.ID,
			ConversationID: "conv-1",
			PageNumber:     page,
			Verdict:        model.VerdictApproved,
		})
		if err != nil {
			t.Fatalf("CreateReview failed: %v", err)
		}
	}

	reviews, err := store.ListReviewsByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListReviewsByTask failed: %v", err)
	}
	if len(reviews) != 3 {
		t.Fatalf("expected 3 reviews, got %d", len(reviews))
	}
	for i, r := range reviews {
		if r.PageNumber != i+1 {
			t.Errorf("review %d: expected page %d, got %d", i, i+1, r.PageNumber)
		}
		if r.ID == "" {
			t.Errorf("review %d: missing generated id", i)
		}
	}

	byConv, err := store.ListReviewsByConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ListReviewsByConversation failed: %v", err)
	}
	if len(byConv) != 3 {
		t.Errorf("expected 3 reviews by conversation, got %d", len(byConv))
	}
}

func TestMemoryStoreReviewsByConversationDeterministicOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	when := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// same timestamp across two tasks, inserted out of order
	for _, r := range []struct {
		taskID string
		page   int
	}{
		{"task-b", 2},
		{"task-a", 1},
		{"task-b", 1},
		{"task-a", 2},
	} {
		err := store.CreateReview(ctx, &model.Review{
			TaskID:         r.taskID,
			ConversationID: "conv-1",
			PageNumber:     r.page,
			Verdict:        model.VerdictApproved,
			CreatedAt:      when,
		})
		if err != nil {
			t.Fatalf("CreateReview failed: %v", err)
		}
	}

	reviews, err := store.ListReviewsByConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ListReviewsByConversation failed: %v", err)
	}
	want := []struct {
		taskID string
		page   int
	}{
		{"task-a", 1},
		{"task-a", 2},
		{"task-b", 1},
		{"task-b", 2},
	}
	if len(reviews) != len(want) {
		t.Fatalf("expected %d reviews, got %d", len(want), len(reviews))
	}
	for i, r := range reviews {
		if r.TaskID != want[i].taskID || r.PageNumber != want[i].page {
			t.Errorf("position %d: expected %s/%d, got %s/%d",
				i, want[i].taskID, want[i].page, r.TaskID, r.PageNumber)
		}
	}
}

func TestMemoryStoreIncrementSkipped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "conv-1")
	store.StartProcessing(ctx, task.ID, 2)

	if err := store.IncrementSkipped(ctx, task.ID); err != nil {
		t.Fatalf("IncrementSkipped failed: %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.SkippedPages != 1 {
		t.Errorf("expected 1 skipped page, got %d", got.SkippedPages)
	}
}
