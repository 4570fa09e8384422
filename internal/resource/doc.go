// Package resource управляет общими ресурсами: учётными записями (токенами)
// и прокси.
//
// Основные компоненты:
//   - Pool — выдача токена по tier и прокси по типу (round-robin)
//   - Decryptor — расшифровка сохранённых токенов
//   - HealthChecker — проверка доступности прокси
package resource
