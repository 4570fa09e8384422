package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/orchestrator"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/telemetry"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// SourceScheduler — значение meta.source у задач планировщика.
const SourceScheduler = "scheduler"

// Enqueuer — часть оркестратора, нужная планировщику.
type Enqueuer interface {
	Enqueue(ctx context.Context, moduleID string, payload map[string]any, meta map[string]string, opts orchestrator.EnqueueOptions) (*orchestrator.EnqueueResult, error)
	Queue(name string) (*queue.Queue, bool)
	QueueNames() []string
}

// Scheduler — планировщик SCHEDULED модулей.
type Scheduler struct {
	orch     Enqueuer
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// Config — конфигурация Scheduler.
type Config struct {
	Orchestrator Enqueuer

	// Location — часовой пояс cron-выражений (default: UTC).
	Location *time.Location

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		orch:     cfg.Orchestrator,
		location: loc,
		now:      now,
		logger:   logger,
	}
}

const repeatPrefix = "repeat:"

// RepeatKey возвращает ключ регистрации модуля.
func RepeatKey(moduleID string) string {
	return repeatPrefix + moduleID
}

// jobID — идентификатор задачи срабатывания, одинаковый у всех экземпляров.
func jobID(r queue.Repeat) string {
	return fmt.Sprintf("%s:%d", r.Key, r.Next.UnixMilli())
}

// Sync приводит регистрации в соответствие с конфигурацией модулей.
//
// Включённый SCHEDULED модуль с непустым расписанием регистрируется в своей
// очереди; время следующего срабатывания сохраняется, если расписание не
// изменилось. Регистрации, которыми не владеет ни один такой модуль из
// modules, снимаются во всех известных очередях: модуль выключен, расписание
// очищено или некорректно, модуль удалён или не прошёл проверку конфигурации.
func (s *Scheduler) Sync(ctx context.Context, modules []domain.TaskModule) error {
	var errs []error
	var registered int

	// owned — ключ регистрации → очередь модуля-владельца
	owned := make(map[string]string)
	for _, m := range modules {
		if !m.IsScheduled() || !m.Enabled || m.Schedule == "" {
			continue
		}

		if err := ValidateCronExpr(m.Schedule); err != nil {
			s.logger.Error("invalid module schedule, skipping",
				"module_id", m.ModuleID,
				"schedule", m.Schedule,
				"error", err,
			)
			continue
		}

		key := RepeatKey(m.ModuleID)
		owned[key] = m.QueueName
		if err := s.register(ctx, m, key); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}

	removed, err := s.prune(ctx, owned)
	if err != nil {
		errs = append(errs, err)
	}

	s.logger.Debug("scheduler synced", "registered", registered, "removed", removed)
	return errors.Join(errs...)
}

// register создаёт или обновляет регистрацию модуля в его очереди.
func (s *Scheduler) register(ctx context.Context, m domain.TaskModule, key string) error {
	q, ok := s.orch.Queue(m.QueueName)
	if !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrQueueNotFound, m.QueueName)
	}

	existing, err := q.GetRepeat(ctx, key)
	if err != nil {
		return err
	}

	var next time.Time
	if existing != nil && existing.Pattern == m.Schedule {
		next = existing.Next
	} else {
		next, err = NextFire(m.Schedule, s.now().In(s.location))
		if err != nil {
			return err
		}
		s.logger.Info("module schedule registered",
			"module_id", m.ModuleID,
			"queue", m.QueueName,
			"schedule", m.Schedule,
			"next", next,
		)
	}

	return q.UpsertRepeat(ctx, queue.Repeat{
		Key:     key,
		Name:    m.ModuleID,
		Pattern: m.Schedule,
		Next:    next,
	})
}

// prune снимает регистрации модулей, которых нет в owned или которые
// принадлежат другой очереди.
func (s *Scheduler) prune(ctx context.Context, owned map[string]string) (int, error) {
	var removed int
	var errs []error

	for _, name := range s.orch.QueueNames() {
		q, ok := s.orch.Queue(name)
		if !ok {
			continue
		}
		repeats, err := q.Repeats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			continue
		}

		for _, r := range repeats {
			if !strings.HasPrefix(r.Key, repeatPrefix) {
				continue
			}
			if queueName, ok := owned[r.Key]; ok && queueName == name {
				continue
			}
			ok, err := q.RemoveRepeat(ctx, r.Key)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				removed++
				s.logger.Info("module schedule removed", "key", r.Key, "queue", name)
			}
		}
	}
	return removed, errors.Join(errs...)
}

// Tick ставит в очередь задачи всех наступивших регистраций.
//
// 1. Находит регистрации с next <= now во всех очередях
// 2. Ставит задачу с id "repeat:<moduleID>:<dueMillis>"
// 3. Сдвигает next на следующее срабатывание после now
//
// Ошибки одной регистрации не блокируют обработку остальных.
// Возвращает количество поставленных задач.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	var fired int
	var errs []error

	for _, name := range s.orch.QueueNames() {
		q, ok := s.orch.Queue(name)
		if !ok {
			continue
		}

		due, err := q.DueRepeats(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			continue
		}

		for _, r := range due {
			created, err := s.fire(ctx, q, r, now)
			if err != nil {
				s.logger.Error("failed to fire scheduled job",
					"queue", name,
					"module_id", r.Name,
					"error", err,
				)
				errs = append(errs, err)
				continue
			}
			if created {
				fired++
			}
		}
	}

	if fired > 0 {
		s.logger.Info("scheduler tick completed", "fired", fired)
	}
	return fired, errors.Join(errs...)
}

// fire ставит задачу одной регистрации и сдвигает её время.
// Возвращает true, если задача была создана (не дубликат).
func (s *Scheduler) fire(ctx context.Context, q *queue.Queue, r queue.Repeat, now time.Time) (bool, error) {
	id := jobID(r)
	meta := map[string]string{worker.MetaSource: SourceScheduler}

	var created bool
	res, err := s.orch.Enqueue(ctx, r.Name, map[string]any{}, meta, orchestrator.EnqueueOptions{JobID: id})
	switch {
	case err == nil:
		created = res.Created
		if created {
			telemetry.SchedulerFired.WithLabelValues(r.Name).Inc()
			s.logger.Info("scheduled job enqueued", "module_id", r.Name, "job_id", id, "queue", res.QueueName)
		}
	case errors.Is(err, domain.ErrModuleNotFound), errors.Is(err, domain.ErrModuleDisabled):
		// регистрацию снимет следующий Sync, если модуль не вернётся
		s.logger.Warn("scheduled module unavailable, skipping", "module_id", r.Name, "error", err)
	default:
		return false, fmt.Errorf("enqueue %s: %w", r.Name, err)
	}

	// пропущенные срабатывания схлопываются в одно
	next, err := NextFire(r.Pattern, now.In(s.location))
	if err != nil {
		return created, err
	}
	if err := q.SetRepeatNext(ctx, r.Key, next); err != nil {
		return created, fmt.Errorf("advance %s: %w", r.Key, err)
	}
	return created, nil
}
