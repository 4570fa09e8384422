// Package worker выполняет задачи модулей из очередей Redis.
//
// # Обзор
//
// Worker — stateless компонент платформы. На каждую очередь Orchestrator
// запускает один Pool; воркеры пула забирают задачи любых модулей
// этой очереди. Пакет отвечает за:
//
//   - Аренду задач из очереди и продление аренды во время выполнения
//   - Возврат в очередь задач упавших процессов (истёкшая аренда)
//   - Запись журнала выполнения (TaskRun): active → completed / failed
//   - Retry по политике модуля (attempts, backoff) или отказ без retry
//   - Пересчёт статусов заказа по результату
//   - Публикацию событий задач (опционально)
//
// Pools масштабируются горизонтально: несколько процессов могут
// обслуживать одну очередь, задача достаётся ровно одному воркеру.
//
// # Ключевые компоненты
//
// ## Pool
//
//	p := worker.NewPool(worker.PoolConfig{
//	    Queue:       q,
//	    Registry:    registry,
//	    Modules:     orch,
//	    Ledger:      ledger,
//	    Concurrency: 4,
//	    Logger:      logger,
//	})
//
//	if err := p.Start(ctx); err != nil {
//	    return err
//	}
//	defer p.Stop()
//
// ## Handler
//
// Обработчик модуля:
//
//	type Handler interface {
//	    Handle(ctx context.Context, job *Job) (any, error)
//	}
//
// Результат сериализуется в JSON и попадает в журнал и в очередь.
// Job.Progress сообщает прогресс 0–100.
//
// ## Registry
//
// Реестр обработчиков по moduleID вместе с конфигурацией модуля
// по умолчанию. Orchestrator сохраняет её в БД при первом Sync.
//
// # Ошибки
//
// Ошибки обработчика по умолчанию ретраятся. Без retry завершаются:
//   - ошибки, обёрнутые в Fatal
//   - ErrModuleDisabled, ErrModuleNotImplemented
//   - ErrResourceUnavailable, ErrNotFound
package worker
