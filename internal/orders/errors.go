package orders

import (
	"errors"
	"fmt"

	"github.com/shaiso/bookingfleet/internal/domain"
)

// Ошибки модулей заказов.
var (
	// ErrInvalidPayload — в payload нет корректного orderItemId.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrItemCancelled — позиция отменена, отправка запрещена.
	ErrItemCancelled = errors.New("order item cancelled")

	// ErrNoToken — ни пул, ни конфигурация не дали токен.
	ErrNoToken = fmt.Errorf("no booking token: %w", domain.ErrResourceUnavailable)
)
