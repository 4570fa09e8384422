// Package api содержит HTTP API операторов.
//
// Структура:
//   - handler.go        — Handler и его зависимости (Platform, ProxyChecker)
//   - routes.go         — маршруты chi, /healthz и /metrics
//   - middleware.go     — logging и recovery
//   - response.go       — JSON-ответы и отображение ошибок платформы на HTTP
//   - dto.go            — запросы и ответы
//   - module_handler.go — модули, постановка задач, действия с позициями заказов
//   - queue_handler.go  — очереди, задачи, журнал, проверка прокси
//   - audit.go          — consumer событий задач из RabbitMQ
package api
