package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Repeat — регистрация повторяющейся задачи.
//
// Параметры попыток в регистрации не хранятся: срабатывание ставит задачу с
// текущей конфигурацией модуля.
type Repeat struct {
	// Key — стабильный ключ регистрации (например "repeat:<moduleID>").
	Key string `json:"key"`

	// Name — идентификатор модуля, который будет поставлен в очередь.
	Name string `json:"name"`

	// Pattern — cron-выражение.
	Pattern string `json:"pattern"`

	// Next — время следующего срабатывания.
	Next time.Time `json:"next"`
}

func (q *Queue) repeatKey() string     { return q.key("repeat") }
func (q *Queue) repeatNextKey() string { return q.key("repeat:next") }

// UpsertRepeat создаёт или обновляет регистрацию.
func (q *Queue) UpsertRepeat(ctx context.Context, r Repeat) error {
	if r.Key == "" {
		return fmt.Errorf("repeat key is required")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal repeat: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.repeatKey(), r.Key, data)
	pipe.ZAdd(ctx, q.repeatNextKey(), redis.Z{Score: float64(r.Next.UnixMilli()), Member: r.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert repeat %s: %w", r.Key, err)
	}
	return nil
}

// RemoveRepeat удаляет регистрацию. Возвращает false, если её не было.
func (q *Queue) RemoveRepeat(ctx context.Context, key string) (bool, error) {
	pipe := q.client.TxPipeline()
	del := pipe.HDel(ctx, q.repeatKey(), key)
	pipe.ZRem(ctx, q.repeatNextKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove repeat %s: %w", key, err)
	}
	return del.Val() > 0, nil
}

// GetRepeat возвращает регистрацию по ключу или nil.
func (q *Queue) GetRepeat(ctx context.Context, key string) (*Repeat, error) {
	data, err := q.client.HGet(ctx, q.repeatKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repeat %s: %w", key, err)
	}
	var r Repeat
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal repeat %s: %w", key, err)
	}
	return &r, nil
}

// Repeats возвращает все регистрации очереди, отсортированные по ключу.
func (q *Queue) Repeats(ctx context.Context) ([]Repeat, error) {
	all, err := q.client.HGetAll(ctx, q.repeatKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list repeats: %w", err)
	}

	repeats := make([]Repeat, 0, len(all))
	for key, data := range all {
		var r Repeat
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("unmarshal repeat %s: %w", key, err)
		}
		repeats = append(repeats, r)
	}
	sort.Slice(repeats, func(i, j int) bool { return repeats[i].Key < repeats[j].Key })
	return repeats, nil
}

// DueRepeats возвращает регистрации, чьё время срабатывания наступило.
func (q *Queue) DueRepeats(ctx context.Context, now time.Time) ([]Repeat, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.repeatNextKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due repeats: %w", err)
	}

	due := make([]Repeat, 0, len(keys))
	for _, key := range keys {
		r, err := q.GetRepeat(ctx, key)
		if err != nil {
			return nil, err
		}
		if r == nil {
			// регистрация удалена между чтениями
			if err := q.client.ZRem(ctx, q.repeatNextKey(), key).Err(); err != nil {
				return nil, fmt.Errorf("drop stale repeat %s: %w", key, err)
			}
			continue
		}
		due = append(due, *r)
	}
	return due, nil
}

// SetRepeatNext сдвигает время следующего срабатывания.
func (q *Queue) SetRepeatNext(ctx context.Context, key string, next time.Time) error {
	r, err := q.GetRepeat(ctx, key)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: repeat %s", ErrJobNotFound, key)
	}
	r.Next = next
	return q.UpsertRepeat(ctx, *r)
}
