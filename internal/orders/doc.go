// Package orders — машина состояний заказов и модули, которые ей управляют.
//
// Service пересчитывает агрегированный статус заказа по статусам позиций
// и переводит позиции в FAILED по результатам задач (worker.OrderTracker).
//
// Модули:
//   - order.submit       — бронь позиции во внешнем сервисе (SubmitHandler)
//   - order.cancel       — отмена позиции (CancelHandler)
//   - order.payment-link — ссылки на оплату позиции (PaymentLinkHandler)
//
// Отмена имеет приоритет: позиция в CANCELLED не переводится ни в FAILED,
// ни в ORDERED поздним результатом задачи.
package orders
