// Package cli реализует инструмент командной строки fleet.
//
// # Обзор
//
// CLI — клиентская утилита для операторского API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления модулями, очередями, позициями заказов
// и прокси.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для API. Инкапсулирует запросы, разбор ответов
// (data, list, error) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	modules, err := client.ListModules()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: fleet queue list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - module: list, sync, enqueue
//   - queue: list, pause, resume, jobs, run
//   - order: submit, cancel, payment-link
//   - proxy: health-check
//
// Каждая группа создаётся через фабричную функцию (NewModuleCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
