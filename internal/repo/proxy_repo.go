package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/bookingfleet/internal/domain"
)

// ProxyRepo — репозиторий прокси.
type ProxyRepo struct {
	pool *pgxpool.Pool
}

// NewProxyRepo создаёт новый ProxyRepo.
func NewProxyRepo(pool *pgxpool.Pool) *ProxyRepo {
	return &ProxyRepo{pool: pool}
}

const proxyColumns = `id, ip, port, type, status, fail_count, latency_ms, last_checked_at, created_at, updated_at`

// Create добавляет прокси. Повтор по (ip, port) — ErrAlreadyExists.
func (r *ProxyRepo) Create(ctx context.Context, p *domain.ProxyNode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO proxy_nodes (`+proxyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.IP, p.Port, p.Type, p.Status, p.FailCount, p.LatencyMs,
		p.LastCheckedAt, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("proxy %s: %w", p.Addr(), ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert proxy: %w", err)
	}
	return nil
}

// List возвращает все прокси в стабильном порядке.
func (r *ProxyRepo) List(ctx context.Context) ([]domain.ProxyNode, error) {
	return r.query(ctx, `SELECT `+proxyColumns+` FROM proxy_nodes ORDER BY created_at, id`)
}

// ListOnline возвращает ONLINE прокси в стабильном порядке.
func (r *ProxyRepo) ListOnline(ctx context.Context) ([]domain.ProxyNode, error) {
	return r.query(ctx, `SELECT `+proxyColumns+` FROM proxy_nodes WHERE status = 'ONLINE' ORDER BY created_at, id`)
}

// GetByID возвращает прокси по ID.
func (r *ProxyRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ProxyNode, error) {
	return scanProxy(r.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxy_nodes WHERE id = $1`, id))
}

// UpdateHealth сохраняет статус, счётчик ошибок и задержку.
func (r *ProxyRepo) UpdateHealth(ctx context.Context, p *domain.ProxyNode) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE proxy_nodes
		SET status = $2, fail_count = $3, latency_ms = $4, last_checked_at = $5, updated_at = $6
		WHERE id = $1`,
		p.ID, p.Status, p.FailCount, p.LatencyMs, p.LastCheckedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update proxy health: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ProxyRepo) query(ctx context.Context, query string) ([]domain.ProxyNode, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var nodes []domain.ProxyNode
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *p)
	}
	return nodes, rows.Err()
}

func scanProxy(row pgx.Row) (*domain.ProxyNode, error) {
	var p domain.ProxyNode
	err := row.Scan(
		&p.ID, &p.IP, &p.Port, &p.Type, &p.Status, &p.FailCount, &p.LatencyMs,
		&p.LastCheckedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proxy: %w", err)
	}
	return &p, nil
}
