package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/bookingfleet/internal/domain"
)

// ModuleRepo — репозиторий конфигураций модулей.
type ModuleRepo struct {
	pool *pgxpool.Pool
}

// NewModuleRepo создаёт новый ModuleRepo.
func NewModuleRepo(pool *pgxpool.Pool) *ModuleRepo {
	return &ModuleRepo{pool: pool}
}

const moduleColumns = `module_id, queue_name, enabled, concurrency, attempts, backoff_ms,
		       category, schedule, use_proxy, description, created_at, updated_at`

// Create создаёт конфигурацию. Если модуль уже есть — ErrAlreadyExists.
func (r *ModuleRepo) Create(ctx context.Context, m *domain.TaskModule) error {
	query := `
		INSERT INTO task_modules (module_id, queue_name, enabled, concurrency, attempts, backoff_ms,
		                          category, schedule, use_proxy, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.pool.Exec(ctx, query,
		m.ModuleID,
		m.QueueName,
		m.Enabled,
		m.Concurrency,
		m.Attempts,
		m.BackoffMs,
		m.Category,
		nullString(m.Schedule),
		m.UseProxy,
		nullString(m.Description),
		m.CreatedAt,
		m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("module %s: %w", m.ModuleID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert module: %w", err)
	}
	return nil
}

// GetByID возвращает конфигурацию модуля.
func (r *ModuleRepo) GetByID(ctx context.Context, moduleID string) (*domain.TaskModule, error) {
	query := `SELECT ` + moduleColumns + ` FROM task_modules WHERE module_id = $1`
	return scanModule(r.pool.QueryRow(ctx, query, moduleID))
}

// List возвращает все конфигурации.
func (r *ModuleRepo) List(ctx context.Context) ([]domain.TaskModule, error) {
	query := `SELECT ` + moduleColumns + ` FROM task_modules ORDER BY module_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var modules []domain.TaskModule
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, *m)
	}
	return modules, rows.Err()
}

// Update обновляет конфигурацию.
func (r *ModuleRepo) Update(ctx context.Context, m *domain.TaskModule) error {
	query := `
		UPDATE task_modules
		SET queue_name = $2, enabled = $3, concurrency = $4, attempts = $5, backoff_ms = $6,
		    category = $7, schedule = $8, use_proxy = $9, description = $10, updated_at = NOW()
		WHERE module_id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		m.ModuleID,
		m.QueueName,
		m.Enabled,
		m.Concurrency,
		m.Attempts,
		m.BackoffMs,
		m.Category,
		nullString(m.Schedule),
		m.UseProxy,
		nullString(m.Description),
	)
	if err != nil {
		return fmt.Errorf("update module: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateQueueName сохраняет нормализованное имя очереди.
func (r *ModuleRepo) UpdateQueueName(ctx context.Context, moduleID, queueName string) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE task_modules SET queue_name = $2, updated_at = NOW() WHERE module_id = $1`,
		moduleID, queueName)
	if err != nil {
		return fmt.Errorf("update queue name: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled включает или выключает модуль.
func (r *ModuleRepo) SetEnabled(ctx context.Context, moduleID string, enabled bool) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE task_modules SET enabled = $2, updated_at = NOW() WHERE module_id = $1`,
		moduleID, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanModule(row pgx.Row) (*domain.TaskModule, error) {
	var m domain.TaskModule
	var schedule, description *string

	err := row.Scan(
		&m.ModuleID,
		&m.QueueName,
		&m.Enabled,
		&m.Concurrency,
		&m.Attempts,
		&m.BackoffMs,
		&m.Category,
		&schedule,
		&m.UseProxy,
		&description,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan module: %w", err)
	}

	m.Schedule = derefString(schedule)
	m.Description = derefString(description)
	return &m, nil
}
