package domain

import "errors"

// Общие виды ошибок платформы. Пакеты оборачивают их через
// fmt.Errorf("%w: ...") и проверяют через errors.Is.
var (
	// ErrModuleNotFound — модуль не найден в конфигурации.
	ErrModuleNotFound = errors.New("module not found")

	// ErrModuleDisabled — модуль выключен оператором.
	ErrModuleDisabled = errors.New("module disabled")

	// ErrModuleNotImplemented — для модуля не зарегистрирован обработчик.
	ErrModuleNotImplemented = errors.New("module not implemented")

	// ErrPlatformDisabled — брокер очередей недоступен.
	ErrPlatformDisabled = errors.New("platform disabled")

	// ErrResourceUnavailable — нет подходящего токена или прокси.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrRemoteStepFailed — внешний сервис вернул неуспешный код.
	ErrRemoteStepFailed = errors.New("remote step failed")

	// ErrTimeout — внешний вызов превысил таймаут.
	ErrTimeout = errors.New("remote call timeout")

	// ErrNotFound — заказ, позиция, задача или очередь не найдены.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition — недопустимый переход состояния.
	ErrInvalidTransition = errors.New("invalid state transition")
)
