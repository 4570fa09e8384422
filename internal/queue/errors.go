package queue

import "errors"

var (
	// ErrJobNotFound — задачи нет в очереди (никогда не было или удалена ретеншеном).
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownStatus — неизвестный раздел очереди.
	ErrUnknownStatus = errors.New("unknown job status")

	// ErrLeaseLost — аренда задачи истекла или принадлежит другому воркеру.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrUnavailable — Redis недоступен.
	ErrUnavailable = errors.New("queue backend unavailable")
)
