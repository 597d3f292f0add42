package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on top of Postgres. Progress counters are
// updated with single-statement UPDATE ... RETURNING so concurrent page
// completions never lose increments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    status          TEXT NOT NULL,
    total_pages     INT NOT NULL DEFAULT 0,
    processed_pages INT NOT NULL DEFAULT 0,
    skipped_pages   INT NOT NULL DEFAULT 0,
    error_msg       TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks (conversation_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active
    ON tasks (conversation_id) WHERE status IN ('pending', 'in_progress');

CREATE TABLE IF NOT EXISTS reviews (
    id              TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL REFERENCES tasks (id),
    conversation_id TEXT NOT NULL,
    page_number     INT NOT NULL,
    verdict         TEXT NOT NULL,
    rationale       TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (task_id, page_number)
);
CREATE INDEX IF NOT EXISTS idx_reviews_conversation ON reviews (conversation_id, created_at);
`)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateTask(ctx context.Context, conversationID string) (*model.Task, error) {
	task := &model.Task{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Status:         model.TaskPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, conversation_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		task.ID, task.ConversationID, string(task.Status), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		// the partial unique index on active tasks turns a concurrent start
		// into a unique violation
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrTaskActive
		}
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, status, total_pages, processed_pages, skipped_pages, error_msg, created_at, updated_at
		 FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) GetLatestTask(ctx context.Context, conversationID string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, status, total_pages, processed_pages, skipped_pages, error_msg, created_at, updated_at
		 FROM tasks WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`, conversationID)
	return scanTask(row)
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var task model.Task
	var status string
	err := row.Scan(&task.ID, &task.ConversationID, &status, &task.TotalPages,
		&task.ProcessedPages, &task.SkippedPages, &task.ErrorMsg, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Status = model.TaskStatus(status)
	return &task, nil
}

func (s *PostgresStore) StartProcessing(ctx context.Context, taskID string, totalPages int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, total_pages = $2, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		string(model.TaskInProgress), totalPages, taskID, string(model.TaskPending),
	)
	if err != nil {
		return fmt.Errorf("failed to start processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

func (s *PostgresStore) IncrementProcessed(ctx context.Context, taskID string) (int, error) {
	var processed int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET processed_pages = processed_pages + 1, updated_at = now()
		 WHERE id = $1 AND processed_pages < total_pages
		 RETURNING processed_pages`, taskID,
	).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		// missing task or counter already at total
		return 0, ErrTerminal
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment processed pages: %w", err)
	}
	return processed, nil
}

func (s *PostgresStore) IncrementSkipped(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET skipped_pages = skipped_pages + 1, updated_at = now() WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to increment skipped pages: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, taskID string, status model.TaskStatus, errMsg string) error {
	if !status.Terminal() {
		return ErrTerminal
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, error_msg = $2, updated_at = now()
		 WHERE id = $3 AND status IN ($4, $5)`,
		string(status), errMsg, taskID, string(model.TaskPending), string(model.TaskInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

func (s *PostgresStore) CreateReview(ctx context.Context, review *model.Review) error {
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reviews (id, task_id, conversation_id, page_number, verdict, rationale, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		review.ID, review.TaskID, review.ConversationID, review.PageNumber,
		review.Verdict.String(), review.Rationale, review.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewsByTask(ctx context.Context, taskID string) ([]*model.Review, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, conversation_id, page_number, verdict, rationale, created_at
		 FROM reviews WHERE task_id = $1 ORDER BY page_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()
	return scanReviews(rows)
}

func (s *PostgresStore) ListReviewsByConversation(ctx context.Context, conversationID string) ([]*model.Review, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, conversation_id, page_number, verdict, rationale, created_at
		 FROM reviews WHERE conversation_id = $1 ORDER BY created_at, task_id, page_number`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()
	return scanReviews(rows)
}

func scanReviews(rows pgx.Rows) ([]*model.Review, error) {
	var reviews []*model.Review
	for rows.Next() {
		var r model.Review
		var verdict string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ConversationID, &r.PageNumber,
			&verdict, &r.Rationale, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		parsed, err := model.ParseVerdict(verdict)
		if err != nil {
			return nil, fmt.Errorf("review %s has invalid verdict: %w", r.ID, err)
		}
		r.Verdict = parsed
		reviews = append(reviews, &r)
	}
	return reviews, rows.Err()
}
