package domain

import (
	"strings"
	"time"
)

// ModuleCategory — категория модуля.
type ModuleCategory string

const (
	// CategoryOnDemand — модуль запускается только через Enqueue.
	CategoryOnDemand ModuleCategory = "ON_DEMAND"

	// CategoryScheduled — модуль запускается планировщиком по cron-выражению.
	CategoryScheduled ModuleCategory = "SCHEDULED"
)

// DefaultQueueName — очередь, в которую попадают модули с пустым или
// полностью некорректным именем очереди.
const DefaultQueueName = "default"

// TaskModule — конфигурация модуля (обработчика задач).
//
// Конфигурация хранится в БД и редактируется извне. Платформа читает её
// при старте и на каждом Sync. Несколько модулей могут делить одну очередь.
type TaskModule struct {
	// ModuleID — стабильный уникальный идентификатор, например "order.submit".
	ModuleID string `json:"module_id" validate:"required"`

	// QueueName — имя очереди (нормализуется через NormalizeQueueName).
	QueueName string `json:"queue_name" validate:"required"`

	// Enabled — модуль включён.
	Enabled bool `json:"enabled"`

	// Concurrency — сколько задач очереди выполняется параллельно.
	Concurrency int `json:"concurrency" validate:"gte=1"`

	// Attempts — максимальное количество попыток (включая первую).
	Attempts int `json:"attempts" validate:"gte=1"`

	// BackoffMs — фиксированная задержка между попытками.
	BackoffMs int `json:"backoff_ms" validate:"gte=0"`

	// Category — ON_DEMAND или SCHEDULED.
	Category ModuleCategory `json:"category" validate:"required,oneof=ON_DEMAND SCHEDULED"`

	// Schedule — cron-выражение, обязательно для SCHEDULED.
	Schedule string `json:"schedule,omitempty" validate:"required_if=Category SCHEDULED"`

	// UseProxy — воркер берёт прокси из пула перед вызовом обработчика.
	UseProxy bool `json:"use_proxy"`

	// Description — описание для операторов.
	Description string `json:"description,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTaskModule возвращает полностью заполненную конфигурацию ON_DEMAND модуля
// с безопасными значениями по умолчанию.
func NewTaskModule(moduleID, queueName string) TaskModule {
	now := time.Now().UTC()
	return TaskModule{
		ModuleID:    moduleID,
		QueueName:   NormalizeQueueName(queueName),
		Enabled:     true,
		Concurrency: 1,
		Attempts:    1,
		BackoffMs:   0,
		Category:    CategoryOnDemand,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsScheduled возвращает true, если модуль должен запускаться по расписанию.
func (m *TaskModule) IsScheduled() bool {
	return m.Category == CategoryScheduled
}

// Backoff возвращает задержку между попытками.
func (m *TaskModule) Backoff() time.Duration {
	if m.BackoffMs <= 0 {
		return 0
	}
	return time.Duration(m.BackoffMs) * time.Millisecond
}

// NormalizeQueueName приводит имя очереди к каноническому набору символов
// [a-z0-9_-]. Функция идемпотентна.
func NormalizeQueueName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			// '-' и любой недопустимый символ схлопываются в один '-'
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	out := strings.Trim(b.String(), "-")
	if out == "" {
		return DefaultQueueName
	}
	return out
}
