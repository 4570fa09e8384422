package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/bookingfleet/internal/domain"
)

// AccountRepo — репозиторий учётных записей пула.
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo создаёт новый AccountRepo.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Create добавляет учётную запись.
func (r *AccountRepo) Create(ctx context.Context, a *domain.PoolAccount) error {
	agreements := a.CorporateAgreements
	if agreements == nil {
		agreements = []string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pool_accounts (id, label, online, is_new_user, is_platinum, corporate_agreements,
		                           encrypted_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Label, a.Online, a.IsNewUser, a.IsPlatinum, agreements,
		a.EncryptedToken, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// ListOnline возвращает онлайн-записи.
func (r *AccountRepo) ListOnline(ctx context.Context) ([]domain.PoolAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, label, online, is_new_user, is_platinum, corporate_agreements,
		       encrypted_token, created_at, updated_at
		FROM pool_accounts
		WHERE online
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.PoolAccount
	for rows.Next() {
		var a domain.PoolAccount
		if err := rows.Scan(
			&a.ID, &a.Label, &a.Online, &a.IsNewUser, &a.IsPlatinum, &a.CorporateAgreements,
			&a.EncryptedToken, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetOnline включает или выключает учётную запись.
func (r *AccountRepo) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE pool_accounts SET online = $2, updated_at = NOW() WHERE id = $1`, id, online)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
