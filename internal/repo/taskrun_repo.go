package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/bookingfleet/internal/domain"
)

// TaskRunRepo — журнал выполнения задач.
type TaskRunRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRunRepo создаёт новый TaskRunRepo.
func NewTaskRunRepo(pool *pgxpool.Pool) *TaskRunRepo {
	return &TaskRunRepo{pool: pool}
}

const taskRunColumns = `id, module_id, queue_name, job_id, state, progress, attempts_made,
		       payload, result, error, proxy_id, order_group_id, order_item_id,
		       started_at, finished_at, created_at, updated_at`

// Create создаёт запись в состоянии waiting.
//
// Идемпотентно по (queue_name, job_id): если запись уже есть, run
// заполняется существующей записью и возвращается false.
func (r *TaskRunRepo) Create(ctx context.Context, run *domain.TaskRun) (bool, error) {
	payload, err := marshalJSON(run.Payload)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO task_runs (id, module_id, queue_name, job_id, state, progress, attempts_made,
		                       payload, order_group_id, order_item_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (queue_name, job_id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.ModuleID,
		run.QueueName,
		run.JobID,
		run.State,
		run.Progress,
		run.AttemptsMade,
		payload,
		nullUUID(run.OrderGroupID),
		nullUUID(run.OrderItemID),
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert task run: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := r.GetByJob(ctx, run.QueueName, run.JobID)
	if err != nil {
		return false, err
	}
	*run = *existing
	return false, nil
}

// GetByJob возвращает запись по (queue_name, job_id).
func (r *TaskRunRepo) GetByJob(ctx context.Context, queueName, jobID string) (*domain.TaskRun, error) {
	query := `SELECT ` + taskRunColumns + ` FROM task_runs WHERE queue_name = $1 AND job_id = $2`
	return scanTaskRun(r.pool.QueryRow(ctx, query, queueName, jobID))
}

// Update сохраняет изменяемые поля записи.
//
// Финальная запись не перезаписывается: условие state NOT IN (...)
// защищает от запоздалых обновлений другого воркера.
func (r *TaskRunRepo) Update(ctx context.Context, run *domain.TaskRun) error {
	res, err := marshalJSON(run.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE task_runs
		SET state = $3, progress = $4, attempts_made = $5, result = $6, error = $7,
		    proxy_id = $8, started_at = $9, finished_at = $10, updated_at = $11
		WHERE queue_name = $1 AND job_id = $2
		  AND state NOT IN ('completed', 'failed')
	`
	result, err := r.pool.Exec(ctx, query,
		run.QueueName,
		run.JobID,
		run.State,
		run.Progress,
		run.AttemptsMade,
		res,
		nullString(run.Error),
		nullUUID(run.ProxyID),
		run.StartedAt,
		run.FinishedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: task run %s/%s is terminal or missing", domain.ErrInvalidTransition, run.QueueName, run.JobID)
	}
	return nil
}

// UpdateProgress обновляет прогресс активной записи.
func (r *TaskRunRepo) UpdateProgress(ctx context.Context, queueName, jobID string, progress int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE task_runs SET progress = $3, updated_at = NOW()
		WHERE queue_name = $1 AND job_id = $2 AND state = 'active'`,
		queueName, jobID, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// TaskRunFilter — параметры фильтрации журнала.
type TaskRunFilter struct {
	ModuleID    string
	QueueName   string
	State       domain.JobState
	OrderItemID *uuid.UUID
	Limit       int
}

// List возвращает записи журнала, новые первыми.
func (r *TaskRunRepo) List(ctx context.Context, filter TaskRunFilter) ([]domain.TaskRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + taskRunColumns + `
		FROM task_runs
		WHERE ($1::text IS NULL OR module_id = $1)
		  AND ($2::text IS NULL OR queue_name = $2)
		  AND ($3::text IS NULL OR state = $3)
		  AND ($4::uuid IS NULL OR order_item_id = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(filter.ModuleID),
		nullString(filter.QueueName),
		nullString(string(filter.State)),
		nullUUID(filter.OrderItemID),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanTaskRun(row pgx.Row) (*domain.TaskRun, error) {
	var run domain.TaskRun
	var payload, result []byte
	var runError *string

	err := row.Scan(
		&run.ID,
		&run.ModuleID,
		&run.QueueName,
		&run.JobID,
		&run.State,
		&run.Progress,
		&run.AttemptsMade,
		&payload,
		&result,
		&runError,
		&run.ProxyID,
		&run.OrderGroupID,
		&run.OrderItemID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task run: %w", err)
	}

	if payload != nil {
		if err := json.Unmarshal(payload, &run.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if result != nil {
		if err := json.Unmarshal(result, &run.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	run.Error = derefString(runError)
	return &run, nil
}
