// Package atour — клиент внешнего API бронирования.
//
// Бронь выполняется в три шага:
//   - CalculatePrice — проверка наличия и расчёт цены
//   - CreateOrder    — создание заказа
//   - CreatePayment  — создание платёжной сессии
//
// Каждый ответ приходит в конверте {code, message, result}. Шаг успешен,
// только если HTTP-статус 2xx и code == 200; иначе возвращается *StepError,
// который оборачивает domain.ErrRemoteStepFailed. Превышение таймаута
// возвращается как domain.ErrTimeout.
//
// Каждый вызов ограничен таймаутом (12s по умолчанию) и общим rate limiter'ом
// клиента; токен учётной записи и прокси передаются на каждый вызов.
package atour
