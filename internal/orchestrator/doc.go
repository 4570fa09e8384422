// Package orchestrator управляет модулями, очередями и пулами воркеров.
//
// Orchestrator отвечает за:
//   - Синхронизацию конфигурации модулей с БД (Sync)
//   - Создание очереди Redis на каждое имя очереди
//   - Запуск одного пула воркеров на очередь
//   - Постановку задач в очередь с записью в журнал (Enqueue)
//   - Управление очередями: пауза, возобновление, просмотр задач
//
// Orchestrator — это "мозг" платформы: HTTP API и планировщик ставят задачи
// только через него.
package orchestrator
