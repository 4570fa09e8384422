package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix — префикс ключей Redis по умолчанию.
const DefaultPrefix = "fleet"

// Default configuration values.
const (
	defaultKeepCompleted = 1000
	defaultKeepFailed    = 5000
)

// Options — настройки очереди.
type Options struct {
	// Prefix — префикс ключей (default: "fleet").
	Prefix string

	// KeepCompleted — сколько завершённых задач хранить (default: 1000, <0 — все).
	KeepCompleted int

	// KeepFailed — сколько упавших задач хранить (default: 5000, <0 — все).
	KeepFailed int

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// Queue — надёжная очередь задач поверх Redis.
//
// Раскладка ключей (<prefix>:<name>:...):
//   - wait      — list, ожидающие задачи (LPUSH → RPOPLPUSH, FIFO)
//   - active    — list, задачи в работе
//   - delayed   — zset, отложенные задачи (score = время готовности, ms)
//   - completed — zset, завершённые (score = время завершения)
//   - failed    — zset, окончательно упавшие
//   - paused    — флаг паузы
//   - job:<id>  — hash с данными задачи
//   - lock:<id> — аренда задачи воркером
type Queue struct {
	client        *redis.Client
	name          string
	prefix        string
	keepCompleted int
	keepFailed    int
	now           func() time.Time
}

// New создаёт очередь с именем name.
func New(client *redis.Client, name string, opts Options) *Queue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	keepCompleted := opts.KeepCompleted
	if keepCompleted == 0 {
		keepCompleted = defaultKeepCompleted
	}
	keepFailed := opts.KeepFailed
	if keepFailed == 0 {
		keepFailed = defaultKeepFailed
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Queue{
		client:        client,
		name:          name,
		prefix:        fmt.Sprintf("%s:%s:", prefix, name),
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		now:           now,
	}
}

// Name возвращает имя очереди.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(suffix string) string { return q.prefix + suffix }
func (q *Queue) jobKey(id string) string  { return q.prefix + "job:" + id }
func (q *Queue) lockKey(id string) string { return q.prefix + "lock:" + id }
func (q *Queue) nowMillis() int64         { return q.now().UnixMilli() }
func (q *Queue) waitKey() string          { return q.key("wait") }
func (q *Queue) activeKey() string        { return q.key("active") }
func (q *Queue) delayedKey() string       { return q.key("delayed") }
func (q *Queue) completedKey() string     { return q.key("completed") }
func (q *Queue) failedKey() string        { return q.key("failed") }
func (q *Queue) pausedKey() string        { return q.key("paused") }

// Ping проверяет доступность Redis.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Add добавляет задачу. Возвращает false, если задача с таким ID уже есть
// (в этом случае возвращается существующая задача).
func (q *Queue) Add(ctx context.Context, spec JobSpec) (*Job, bool, error) {
	if spec.Name == "" {
		return nil, false, fmt.Errorf("job name is required")
	}
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	attempts := spec.Attempts
	if attempts < 1 {
		attempts = 1
	}

	data, err := json.Marshal(nonNilPayload(spec.Payload))
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := json.Marshal(spec.Meta)
	if err != nil {
		return nil, false, fmt.Errorf("marshal meta: %w", err)
	}

	now := q.nowMillis()
	var dueAt int64
	if spec.Delay > 0 {
		dueAt = now + spec.Delay.Milliseconds()
	}

	created, err := addScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.waitKey(), q.delayedKey()},
		id, spec.Name, string(data), string(meta), attempts, spec.Backoff.Milliseconds(), now, dueAt,
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("add job %s: %w", id, err)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, created == 1, nil
}

// Reserve забирает следующую задачу в работу и выдаёт аренду на lease.
// Возвращает nil, nil если очередь пуста или на паузе.
func (q *Queue) Reserve(ctx context.Context, lease time.Duration) (*Job, error) {
	token := uuid.New().String()

	id, err := reserveScript.Run(ctx, q.client,
		[]string{q.waitKey(), q.activeKey(), q.delayedKey(), q.pausedKey(), q.prefix},
		q.nowMillis(), lease.Milliseconds(), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.LockToken = token
	return job, nil
}

// Complete помечает задачу завершённой и сохраняет результат.
func (q *Queue) Complete(ctx context.Context, job *Job, result any) error {
	rv, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	res, err := completeScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.completedKey(), q.jobKey(job.ID), q.lockKey(job.ID), q.prefix},
		job.ID, q.nowMillis(), string(rv), q.keepCompleted, job.LockToken,
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}
	return nil
}

// Fail фиксирует ошибку попытки. Если retry разрешён и попытки остались,
// задача откладывается на backoff и возвращается true.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string, retry bool) (bool, error) {
	retryFlag := "0"
	if retry {
		retryFlag = "1"
	}

	res, err := failScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.delayedKey(), q.failedKey(), q.jobKey(job.ID), q.lockKey(job.ID), q.prefix},
		job.ID, q.nowMillis(), reason, retryFlag, q.keepFailed, job.LockToken,
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if res < 0 {
		return false, fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}
	return res == 1, nil
}

// ExtendLease продлевает аренду задачи. Возвращает ErrLeaseLost, если аренда
// уже принадлежит другому воркеру или истекла.
func (q *Queue) ExtendLease(ctx context.Context, job *Job, lease time.Duration) error {
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.lockKey(job.ID)},
		job.LockToken, lease.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}
	return nil
}

// RecoverStalled возвращает в очередь задачи, чья аренда истекла
// (воркер упал посреди выполнения).
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitKey(), q.prefix},
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stalled: %w", err)
	}
	return n, nil
}

// GetJob возвращает задачу по ID.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job, err := decodeJob(fields)
	if errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// Pause ставит очередь на паузу: Reserve перестаёт выдавать задачи.
func (q *Queue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume снимает паузу.
func (q *Queue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// IsPaused проверяет флаг паузы.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Counts — количество задач по разделам очереди.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Counts возвращает счётчики очереди.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	paused := pipe.Exists(ctx, q.pausedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == 1,
	}, nil
}

// Jobs возвращает до limit задач в разделе status.
// Завершённые и упавшие — от новых к старым.
func (q *Queue) Jobs(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	stop := int64(limit - 1)

	var ids []string
	var err error
	switch status {
	case StatusWaiting:
		ids, err = q.client.LRange(ctx, q.waitKey(), 0, stop).Result()
	case StatusActive:
		ids, err = q.client.LRange(ctx, q.activeKey(), 0, stop).Result()
	case StatusDelayed:
		ids, err = q.client.ZRange(ctx, q.delayedKey(), 0, stop).Result()
	case StatusCompleted:
		ids, err = q.client.ZRevRange(ctx, q.completedKey(), 0, stop).Result()
	case StatusFailed:
		ids, err = q.client.ZRevRange(ctx, q.failedKey(), 0, stop).Result()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", status, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		job, err := decodeJob(cmd.Val())
		if errors.Is(err, ErrJobNotFound) {
			// удалена ретеншеном между чтениями
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func nonNilPayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}
