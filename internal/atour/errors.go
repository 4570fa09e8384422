package atour

import (
	"errors"
	"fmt"

	"github.com/shaiso/bookingfleet/internal/domain"
)

// ErrRequest — запрос не удалось отправить или разобрать ответ.
var ErrRequest = errors.New("atour request failed")

// StepError — неуспешный ответ внешнего сервиса на шаге бронирования.
type StepError struct {
	Step       Step
	HTTPStatus int
	Code       int
	Message    string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s (http %d, code %d): %s", e.Step, domain.ErrRemoteStepFailed, e.HTTPStatus, e.Code, e.Message)
}

// Unwrap позволяет проверять ошибку через errors.Is(err, domain.ErrRemoteStepFailed).
func (e *StepError) Unwrap() error {
	return domain.ErrRemoteStepFailed
}
