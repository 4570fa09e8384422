package domain

// ExecutionStatus — статус исполнения позиции заказа.
//
// Жизненный цикл:
//
//	PENDING → SUBMITTING → ORDERED
//	                     ↘ FAILED
//	(из любого нефинального) → CANCELLED
type ExecutionStatus string

const (
	// ExecutionPending — позиция создана, отправка ещё не начиналась.
	ExecutionPending ExecutionStatus = "PENDING"

	// ExecutionSubmitting — идёт отправка во внешний сервис.
	ExecutionSubmitting ExecutionStatus = "SUBMITTING"

	// ExecutionOrdered — внешний сервис подтвердил бронь.
	ExecutionOrdered ExecutionStatus = "ORDERED"

	// ExecutionFailed — отправка завершилась ошибкой.
	ExecutionFailed ExecutionStatus = "FAILED"

	// ExecutionCancelled — позиция отменена.
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// ItemStatus — укрупнённый статус позиции (и заказа).
type ItemStatus string

const (
	StatusProcessing ItemStatus = "PROCESSING"
	StatusConfirmed  ItemStatus = "CONFIRMED"
	StatusFailed     ItemStatus = "FAILED"
	StatusCancelled  ItemStatus = "CANCELLED"
)

// ItemStatusFor — единственное отображение ExecutionStatus → ItemStatus.
func ItemStatusFor(exec ExecutionStatus) ItemStatus {
	switch exec {
	case ExecutionOrdered:
		return StatusConfirmed
	case ExecutionFailed:
		return StatusFailed
	case ExecutionCancelled:
		return StatusCancelled
	default:
		return StatusProcessing
	}
}

// AggregateOrderStatus вычисляет статус заказа по статусам позиций.
//
// Правила (по порядку):
//   - нет позиций → PROCESSING
//   - все CANCELLED → CANCELLED
//   - есть PROCESSING → PROCESSING
//   - есть FAILED → FAILED
//   - иначе (только CONFIRMED и CANCELLED) → CONFIRMED
func AggregateOrderStatus(statuses []ItemStatus) ItemStatus {
	if len(statuses) == 0 {
		return StatusProcessing
	}

	var processing, failed, cancelled int
	for _, s := range statuses {
		switch s {
		case StatusCancelled:
			cancelled++
		case StatusFailed:
			failed++
		case StatusConfirmed:
		default:
			processing++
		}
	}

	switch {
	case cancelled == len(statuses):
		return StatusCancelled
	case processing > 0:
		return StatusProcessing
	case failed > 0:
		return StatusFailed
	default:
		return StatusConfirmed
	}
}
