package worker

import (
	"errors"

	"github.com/shaiso/bookingfleet/internal/domain"
)

// Ошибки воркера.
var (
	// ErrPoolStopped — пул остановлен.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolRunning — пул уже запущен.
	ErrPoolRunning = errors.New("worker pool already running")
)

// fatalError — ошибка, после которой задача не ретраится.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal помечает ошибку как неретраемую.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal проверяет, нужно ли пропустить retry.
//
// Кроме явно обёрнутых в Fatal, фатальными считаются ошибки конфигурации
// (модуль выключен или не реализован), отсутствие ресурса и ссылки на
// несуществующие записи.
func IsFatal(err error) bool {
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	return errors.Is(err, domain.ErrModuleDisabled) ||
		errors.Is(err, domain.ErrModuleNotImplemented) ||
		errors.Is(err, domain.ErrResourceUnavailable) ||
		errors.Is(err, domain.ErrNotFound)
}
