package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderLock — лидерство через pg_try_advisory_lock.
//
// Advisory lock держится на уровне сессии, поэтому для него берётся
// отдельное соединение из пула и удерживается до Release.
type LeaderLock struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

// NewLeaderLock создаёт LeaderLock с ключом key.
func NewLeaderLock(pool *pgxpool.Pool, key int64) *LeaderLock {
	return &LeaderLock{pool: pool, key: key}
}

// TryAcquire пытается стать лидером. Повторный вызов у лидера
// проверяет, что соединение живо.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err != nil {
			// соединение потеряно — вместе с ним и блокировка
			l.conn.Release()
			l.conn = nil
			return false, fmt.Errorf("leader conn lost: %w", err)
		}
		return true, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// IsLeader возвращает true, если блокировка удерживается.
func (l *LeaderLock) IsLeader() bool {
	return l.conn != nil
}

// Release снимает блокировку.
func (l *LeaderLock) Release(ctx context.Context) {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}
