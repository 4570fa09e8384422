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

// OrderRepo — репозиторий заказов и позиций.
type OrderRepo struct {
	pool *pgxpool.Pool
}

// NewOrderRepo создаёт новый OrderRepo.
func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

const itemColumns = `id, order_id, hotel_id, room_type_id, check_in, check_out, room_count,
		       guest_name, guest_phone, booking_tier, execution_status, status,
		       atour_order_id, payment_links, last_error, created_at, updated_at`

// Create создаёт заказ вместе с позициями в одной транзакции.
func (r *OrderRepo) Create(ctx context.Context, order *domain.Order, items []domain.OrderItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		order.ID, order.UserID, order.Status, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range items {
		links, err := marshalJSON(item.PaymentLinks)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (id, order_id, hotel_id, room_type_id, check_in, check_out, room_count,
			                         guest_name, guest_phone, booking_tier, execution_status, status,
			                         atour_order_id, payment_links, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			item.ID,
			order.ID,
			item.HotelID,
			item.RoomTypeID,
			item.CheckIn,
			item.CheckOut,
			item.RoomCount,
			item.GuestName,
			item.GuestPhone,
			nullString(string(item.BookingTier)),
			item.ExecutionStatus,
			item.Status,
			item.AtourOrderID,
			links,
			nullString(item.LastError),
			item.CreatedAt,
			item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetOrder возвращает заказ по ID.
func (r *OrderRepo) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, status, created_at, updated_at
		FROM orders WHERE id = $1`, id).Scan(
		&o.ID, &o.UserID, &o.Status, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// GetItem возвращает позицию по ID.
func (r *OrderRepo) GetItem(ctx context.Context, id uuid.UUID) (*domain.OrderItem, error) {
	query := `SELECT ` + itemColumns + ` FROM order_items WHERE id = $1`
	return scanItem(r.pool.QueryRow(ctx, query, id))
}

// ListItems возвращает позиции заказа.
func (r *OrderRepo) ListItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	query := `SELECT ` + itemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// UpdateItem сохраняет статус и результат исполнения позиции.
//
// Если позиция в БД уже CANCELLED, а item — нет, запись не меняется
// и возвращается false: отмена имеет приоритет над поздними обновлениями.
func (r *OrderRepo) UpdateItem(ctx context.Context, item *domain.OrderItem) (bool, error) {
	links, err := marshalJSON(item.PaymentLinks)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE order_items
		SET execution_status = $2, status = $3, atour_order_id = $4, payment_links = $5,
		    last_error = $6, updated_at = $7
		WHERE id = $1
		  AND (execution_status <> 'CANCELLED' OR $2 = 'CANCELLED')
	`
	result, err := r.pool.Exec(ctx, query,
		item.ID,
		item.ExecutionStatus,
		item.Status,
		item.AtourOrderID,
		links,
		nullString(item.LastError),
		item.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdateOrderStatus сохраняет агрегированный статус заказа.
func (r *OrderRepo) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.ItemStatus) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`,
		orderID, status)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanItem(row pgx.Row) (*domain.OrderItem, error) {
	var item domain.OrderItem
	var tier, lastError *string
	var links []byte

	err := row.Scan(
		&item.ID,
		&item.OrderID,
		&item.HotelID,
		&item.RoomTypeID,
		&item.CheckIn,
		&item.CheckOut,
		&item.RoomCount,
		&item.GuestName,
		&item.GuestPhone,
		&tier,
		&item.ExecutionStatus,
		&item.Status,
		&item.AtourOrderID,
		&links,
		&lastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}

	item.BookingTier = domain.ParseTier(derefString(tier))
	item.LastError = derefString(lastError)
	if links != nil {
		if err := json.Unmarshal(links, &item.PaymentLinks); err != nil {
			return nil, fmt.Errorf("unmarshal payment links: %w", err)
		}
	}
	return &item, nil
}
