// Package scheduler ставит в очередь задачи модулей категории SCHEDULED.
//
// Для каждого включённого SCHEDULED модуля в его очереди хранится регистрация
// повторяющейся задачи (ключ "repeat:<moduleID>", cron-выражение и время
// следующего срабатывания). Tick ставит задачу на каждую наступившую
// регистрацию и сдвигает время следующего срабатывания.
//
// Sync получает полный список модулей из Orchestrator.Sync и снимает
// регистрации "repeat:*" без владельца в этом списке. Передавать в Sync
// частичный список нельзя.
//
// Структура:
//   - scheduler.go — Sync (регистрации из конфигурации модулей) и Tick
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Orchestrator: orch,
//	    Logger:       logger,
//	})
//
//	modules, _ := orch.Sync(ctx)
//	if err := sched.Sync(ctx, modules); err != nil {
//	    logger.Error("scheduler sync failed", "error", err)
//	}
//
//	// Вызывается каждый тик (обычно раз в секунду)
//	if _, err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock (repo.LeaderLock).
// Идентификатор задачи "repeat:<moduleID>:<dueMillis>" делает срабатывание
// идемпотентным, даже если два экземпляра успели выполнить Tick.
package scheduler
