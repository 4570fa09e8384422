package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status — раздел очереди, в котором находится задача.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus парсит строку в Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaiting, StatusActive, StatusDelayed, StatusCompleted, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// JobSpec — параметры новой задачи.
type JobSpec struct {
	// ID — собственный идентификатор задачи. Пустой — генерируется uuid.
	// Повторный Add с тем же ID ничего не создаёт.
	ID string

	// Name — идентификатор модуля.
	Name string

	Payload map[string]any
	Meta    map[string]string

	// Attempts — максимум попыток (>= 1).
	Attempts int

	// Backoff — фиксированная задержка между попытками.
	Backoff time.Duration

	// Delay — отложить первую попытку.
	Delay time.Duration
}

// Job — задача, как она хранится в Redis.
type Job struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Payload      map[string]any    `json:"data"`
	Meta         map[string]string `json:"meta,omitempty"`
	Attempts     int               `json:"attempts"`
	BackoffMs    int64             `json:"backoff_ms"`
	AttemptsMade int               `json:"attempts_made"`
	FailedReason string            `json:"failed_reason,omitempty"`
	ReturnValue  json.RawMessage   `json:"return_value,omitempty"`

	Timestamp   time.Time  `json:"timestamp"`
	ProcessedOn *time.Time `json:"processed_on,omitempty"`
	FinishedOn  *time.Time `json:"finished_on,omitempty"`

	// LockToken — токен аренды, выданный Reserve. Не хранится в хеше задачи.
	LockToken string `json:"-"`
}

// decodeJob собирает Job из HGETALL.
func decodeJob(fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:           fields["id"],
		Name:         fields["name"],
		FailedReason: fields["failedReason"],
	}

	if data := fields["data"]; data != "" {
		if err := json.Unmarshal([]byte(data), &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal job data: %w", err)
		}
	}
	if meta := fields["meta"]; meta != "" {
		if err := json.Unmarshal([]byte(meta), &job.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal job meta: %w", err)
		}
	}
	if rv := fields["returnValue"]; rv != "" {
		job.ReturnValue = json.RawMessage(rv)
	}

	job.Attempts = atoi(fields["attempts"])
	job.BackoffMs = int64(atoi(fields["backoff"]))
	job.AttemptsMade = atoi(fields["attemptsMade"])
	job.Timestamp = fromMillis(fields["timestamp"])

	if v := fields["processedOn"]; v != "" {
		t := fromMillis(v)
		job.ProcessedOn = &t
	}
	if v := fields["finishedOn"]; v != "" {
		t := fromMillis(v)
		job.FinishedOn = &t
	}

	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
