package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/Yazington/aprv-ai-backend/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// errCancelled marks a task torn down through Cancel rather than a failure
// of its own pipeline.
var errCancelled = errors.New("cancelled by user")

// ContentExtractor is the per-page extraction contract the orchestrator
// drives. Satisfied by *Extractor; stubbed in tests.
type ContentExtractor interface {
	PageCount(doc []byte) (int, error)
	ExtractPage(ctx context.Context, doc []byte, pageNumber int) (model.PageContentUnit, error)
}

// PageComparator produces one Review per guideline page. Satisfied by
// *Comparator; stubbed in tests.
type PageComparator interface {
	ComparePage(ctx context.Context, task *model.Task, unit model.PageContentUnit, designImages [][]byte) (*model.Review, error)
}

// Notifier receives task snapshots as progress is made. Optional.
type Notifier interface {
	NotifyTask(task *model.Task)
}

// ApprovalService owns the approval job lifecycle: it validates
// preconditions, creates the task, drives extraction and per-page
// comparison concurrently, and finalizes the task exactly once.
type ApprovalService struct {
	store         Store
	conversations ConversationStore
	files         FileStore
	extractor     ContentExtractor
	comparator    PageComparator
	notifier      Notifier

	mu         sync.Mutex
	cancellers map[string]context.CancelCauseFunc

	// tuning knobs, shortened in tests
	backpressureWait    time.Duration
	backpressureRetries int
}

func NewApprovalService(store Store, conversations ConversationStore, files FileStore, extractor ContentExtractor, comparator PageComparator, notifier Notifier) *ApprovalService {
	return &ApprovalService{
		store:               store,
		conversations:       conversations,
		files:               files,
		extractor:           extractor,
		comparator:          comparator,
		notifier:            notifier,
		cancellers:          make(map[string]context.CancelCauseFunc),
		backpressureWait:    500 * time.Millisecond,
		backpressureRetries: 5,
	}
}

// Start validates preconditions, persists a pending task and launches the
// background run. It returns immediately; callers poll for status.
//
// Preconditions, none of which leave an orphan task on rejection:
//   - the conversation has exactly one design and one guideline document
//     (checked here, before anything is persisted)
//   - no prior task for the conversation is still non-terminal (enforced
//     atomically by the store at task creation)
func (s *ApprovalService) Start(ctx context.Context, conversationID string) (*model.Task, error) {
	files, err := s.conversations.GetFiles(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPrecondition
		}
		return nil, err
	}
	if files.GuidelineID == "" || len(files.DesignIDs) != 1 {
		return nil, ErrPrecondition
	}

	// the store enforces one active task per conversation atomically, so
	// concurrent starts cannot both create a task
	task, err := s.store.CreateTask(ctx, conversationID)
	if err != nil {
		if errors.Is(err, ErrTaskActive) {
			return nil, ErrTaskActive
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// The job outlives the HTTP request; it gets its own context, cancellable
	// through Cancel.
	jobCtx, cancel := context.WithCancelCause(context.Background())
	jobCtx = context.WithValue(jobCtx, logger.ConversationIDKey, conversationID)
	jobCtx = context.WithValue(jobCtx, logger.TaskIDKey, task.ID)

	s.mu.Lock()
	s.cancellers[task.ID] = cancel
	s.mu.Unlock()

	go s.run(jobCtx, task, files)

	return task, nil
}

// Cancel signals a running task to stop submitting new page comparisons and
// drain. Returns false if the task has no running job.
func (s *ApprovalService) Cancel(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancellers[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel(errCancelled)
	return true
}

// GetTaskStatus returns the current task for a conversation. Side-effect-free.
func (s *ApprovalService) GetTaskStatus(ctx context.Context, conversationID string) (*model.Task, error) {
	return s.store.GetLatestTask(ctx, conversationID)
}

// GetReviews returns a task's reviews ordered by page number.
func (s *ApprovalService) GetReviews(ctx context.Context, taskID string) ([]*model.Review, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListReviewsByTask(ctx, taskID)
}

// GetReviewsByConversation returns all reviews across a conversation's tasks.
func (s *ApprovalService) GetReviewsByConversation(ctx context.Context, conversationID string) ([]*model.Review, error) {
	return s.store.ListReviewsByConversation(ctx, conversationID)
}

func (s *ApprovalService) run(ctx context.Context, task *model.Task, files ConversationFiles) {
	defer func() {
		s.mu.Lock()
		delete(s.cancellers, task.ID)
		s.mu.Unlock()
	}()

	logger.Info(ctx, "approval job starting", "guideline_id", files.GuidelineID)

	guideline, designs, err := s.fetchDocuments(ctx, files)
	if err != nil {
		s.finish(ctx, task.ID, model.TaskFailed, err.Error())
		return
	}

	totalPages, err := s.extractor.PageCount(guideline)
	if err != nil {
		s.finish(ctx, task.ID, model.TaskFailed, err.Error())
		return
	}
	if totalPages == 0 {
		s.finish(ctx, task.ID, model.TaskFailed, "guideline document has no pages")
		return
	}

	if err := s.store.StartProcessing(ctx, task.ID, totalPages); err != nil {
		s.finish(ctx, task.ID, model.TaskFailed, fmt.Sprintf("failed to record page count: %v", err))
		return
	}
	s.notifyProgress(ctx, task.ID)
	logger.Info(ctx, "extraction complete, fanning out", "total_pages", totalPages)

	// All pages are submitted concurrently; the gateway's shared pool is the
	// only throughput bound. Page-local problems are contained inside
	// processPage; an error returned here is a storage failure and fails the
	// whole task (in-flight pages are cancelled through the group context).
	g, groupCtx := errgroup.WithContext(ctx)
	for pageNumber := 1; pageNumber <= totalPages; pageNumber++ {
		g.Go(func() error {
			return s.processPage(groupCtx, task, guideline, designs, pageNumber)
		})
	}
	err = g.Wait()

	switch {
	case context.Cause(ctx) == errCancelled:
		s.finish(ctx, task.ID, model.TaskFailed, errCancelled.Error())
	case err != nil:
		s.finish(ctx, task.ID, model.TaskFailed, err.Error())
	default:
		s.finish(ctx, task.ID, model.TaskCompleted, "")
	}
}

func (s *ApprovalService) fetchDocuments(ctx context.Context, files ConversationFiles) (guideline []byte, designs [][]byte, err error) {
	guideline, err = s.files.GetBytes(ctx, files.GuidelineID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch guideline document: %w", err)
	}
	for _, id := range files.DesignIDs {
		design, err := s.files.GetBytes(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch design %s: %w", id, err)
		}
		designs = append(designs, design)
	}
	return guideline, designs, nil
}

// processPage extracts one page and produces its review. Extraction and
// inference problems are contained here; only persistence errors escalate.
func (s *ApprovalService) processPage(ctx context.Context, task *model.Task, guideline []byte, designs [][]byte, pageNumber int) error {
	unit, err := s.extractor.ExtractPage(ctx, guideline, pageNumber)
	if err != nil {
		// The document opened during PageCount, so a per-page error is a
		// degradation: record the page as skipped and move on.
		logger.Warn(ctx, "page extraction failed, skipping", "page", pageNumber, "error", err)
		return s.recordSkipped(ctx, task.ID)
	}
	if unit.Empty() {
		logger.Warn(ctx, "page produced no content, skipping", "page", pageNumber)
		return s.recordSkipped(ctx, task.ID)
	}

	review, err := s.compareWithBackoff(ctx, task, unit, designs)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Inference problems never abort sibling pages: record what happened
		// as an inconclusive verdict so the page is visible in the results.
		logger.Warn(ctx, "page comparison failed", "page", pageNumber, "error", err)
		review = &model.Review{
			TaskID:         task.ID,
			ConversationID: task.ConversationID,
			PageNumber:     unit.PageNumber,
			Verdict:        model.VerdictInconclusive,
			Rationale:      fmt.Sprintf("Comparison did not complete: %v", err),
		}
	}

	if err := s.store.CreateReview(ctx, review); err != nil {
		return fmt.Errorf("failed to persist review for page %d: %w", pageNumber, err)
	}
	if _, err := s.store.IncrementProcessed(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to update progress for page %d: %w", pageNumber, err)
	}
	s.notifyProgress(ctx, task.ID)
	return nil
}

// compareWithBackoff retries gateway backpressure rejections a bounded
// number of times before giving up on the page.
func (s *ApprovalService) compareWithBackoff(ctx context.Context, task *model.Task, unit model.PageContentUnit, designs [][]byte) (*model.Review, error) {
	var lastErr error
	for attempt := 0; attempt <= s.backpressureRetries; attempt++ {
		review, err := s.comparator.ComparePage(ctx, task, unit, designs)
		if err == nil {
			return review, nil
		}
		lastErr = err
		if !errors.Is(err, ErrBackpressure) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backpressureWait * time.Duration(attempt+1)):
		}
	}
	return nil, lastErr
}

func (s *ApprovalService) recordSkipped(ctx context.Context, taskID string) error {
	if err := s.store.IncrementSkipped(ctx, taskID); err != nil {
		return fmt.Errorf("failed to record skipped page: %w", err)
	}
	if _, err := s.store.IncrementProcessed(ctx, taskID); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	s.notifyProgress(ctx, taskID)
	return nil
}

// finish performs the single terminal transition. The store guards against
// double-finishing, so late failures after completion are ignored.
func (s *ApprovalService) finish(ctx context.Context, taskID string, status model.TaskStatus, errMsg string) {
	// the job context may already be cancelled; finalization must still land
	err := s.store.FinishTask(context.WithoutCancel(ctx), taskID, status, errMsg)
	if err != nil && !errors.Is(err, ErrTerminal) {
		logger.Error(ctx, "failed to finalize task", "status", status, "error", err)
		return
	}
	s.notifyProgress(ctx, taskID)
}

func (s *ApprovalService) notifyProgress(ctx context.Context, taskID string) {
	if s.notifier == nil {
		return
	}
	task, err := s.store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return
	}
	s.notifier.NotifyTask(task)
}
