package domain

import (
	"time"

	"github.com/google/uuid"
)

// Order — заказ пользователя, агрегат из одной или нескольких позиций.
//
// Status не редактируется напрямую: он пересчитывается из статусов позиций
// через AggregateOrderStatus при каждом изменении позиции.
type Order struct {
	ID        uuid.UUID  `json:"id"`
	UserID    string     `json:"user_id"`
	Status    ItemStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PaymentLink — ссылка на оплату, выданная внешним сервисом.
type PaymentLink struct {
	Channel   string     `json:"channel"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// OrderItem — одна бронируемая единица внутри заказа.
type OrderItem struct {
	ID      uuid.UUID `json:"id"`
	OrderID uuid.UUID `json:"order_id"`

	HotelID    string    `json:"hotel_id"`
	RoomTypeID string    `json:"room_type_id"`
	CheckIn    time.Time `json:"check_in"`
	CheckOut   time.Time `json:"check_out"`
	RoomCount  int       `json:"room_count"`
	GuestName  string    `json:"guest_name"`
	GuestPhone string    `json:"guest_phone"`

	// BookingTier — подсказка для выбора учётной записи из пула.
	BookingTier Tier `json:"booking_tier,omitempty"`

	ExecutionStatus ExecutionStatus `json:"execution_status"`
	Status          ItemStatus      `json:"status"`

	// AtourOrderID — номер брони во внешней системе, nil до подтверждения.
	AtourOrderID *string `json:"atour_order_id,omitempty"`

	PaymentLinks []PaymentLink `json:"payment_links,omitempty"`
	LastError    string        `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetExecution меняет ExecutionStatus и синхронно пересчитывает Status.
func (i *OrderItem) SetExecution(exec ExecutionStatus) {
	i.ExecutionStatus = exec
	i.Status = ItemStatusFor(exec)
	i.UpdatedAt = time.Now().UTC()
}

// IsCancelled возвращает true, если позиция отменена.
func (i *OrderItem) IsCancelled() bool {
	return i.ExecutionStatus == ExecutionCancelled
}

// MarkOrdered фиксирует успешную бронь.
func (i *OrderItem) MarkOrdered(atourOrderID string, links []PaymentLink) {
	i.AtourOrderID = &atourOrderID
	i.PaymentLinks = links
	i.LastError = ""
	i.SetExecution(ExecutionOrdered)
}

// MarkFailed фиксирует ошибку исполнения.
func (i *OrderItem) MarkFailed(reason string) {
	i.LastError = reason
	i.SetExecution(ExecutionFailed)
}

// OrderRef — ссылка задачи на заказ и/или позицию.
type OrderRef struct {
	OrderGroupID *uuid.UUID `json:"order_group_id,omitempty"`
	OrderItemID  *uuid.UUID `json:"order_item_id,omitempty"`
}

// IsZero возвращает true, если ссылка пустая.
func (r OrderRef) IsZero() bool {
	return r.OrderGroupID == nil && r.OrderItemID == nil
}
