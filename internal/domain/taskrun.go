package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState — состояние записи журнала выполнения (task run).
//
// Жизненный цикл:
//
//	waiting → active → completed
//	                 ↘ failed
//	        ↘ failed (отклонено до старта: модуль выключен или не реализован)
//
// Повторная попытка оставляет запись в active (Attempt++),
// из финального состояния выхода нет.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsTerminal возвращает true для completed и failed.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ParseJobState разбирает состояние записи журнала.
func ParseJobState(s string) (JobState, error) {
	switch st := JobState(s); st {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// CanTransition проверяет, допустим ли переход между состояниями.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStateWaiting:
		return to == JobStateActive
	case JobStateActive:
		return to == JobStateActive || to == JobStateCompleted || to == JobStateFailed
	default:
		return false
	}
}

// TaskRun — запись журнала о выполнении одной задачи.
//
// Одна запись на (QueueName, JobID); номер попытки обновляется на месте.
type TaskRun struct {
	ID           uuid.UUID      `json:"id"`
	ModuleID     string         `json:"module_id"`
	QueueName    string         `json:"queue_name"`
	JobID        string         `json:"job_id"`
	State        JobState       `json:"state"`
	Progress     int            `json:"progress"`
	AttemptsMade int            `json:"attempts_made"`
	Payload      map[string]any `json:"payload,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`

	// ProxyID — прокси, выданный на последнюю попытку.
	ProxyID *uuid.UUID `json:"proxy_id,omitempty"`

	OrderGroupID *uuid.UUID `json:"order_group_id,omitempty"`
	OrderItemID  *uuid.UUID `json:"order_item_id,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewTaskRun создаёт запись в состоянии waiting.
func NewTaskRun(moduleID, queueName, jobID string, payload map[string]any) *TaskRun {
	now := time.Now().UTC()
	return &TaskRun{
		ID:        uuid.New(),
		ModuleID:  moduleID,
		QueueName: queueName,
		JobID:     jobID,
		State:     JobStateWaiting,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Duration возвращает продолжительность выполнения.
func (r *TaskRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

func (r *TaskRun) transition(to JobState) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("%w: task run %s/%s %s -> %s", ErrInvalidTransition, r.QueueName, r.JobID, r.State, to)
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkActive переводит запись в active для попытки attempt.
func (r *TaskRun) MarkActive(attempt int, proxyID *uuid.UUID) error {
	if err := r.transition(JobStateActive); err != nil {
		return err
	}
	now := r.UpdatedAt
	r.StartedAt = &now
	r.AttemptsMade = attempt
	r.ProxyID = proxyID
	return nil
}

// RecordAttemptError сохраняет ошибку попытки, после которой будет retry.
// Состояние остаётся active.
func (r *TaskRun) RecordAttemptError(errMsg string) {
	r.Error = errMsg
	r.UpdatedAt = time.Now().UTC()
}

// MarkCompleted переводит запись в completed.
func (r *TaskRun) MarkCompleted(result any) error {
	if err := r.transition(JobStateCompleted); err != nil {
		return err
	}
	now := r.UpdatedAt
	r.FinishedAt = &now
	r.Progress = 100
	r.Result = result
	r.Error = ""
	return nil
}

// MarkFailed переводит запись в failed с ошибкой.
func (r *TaskRun) MarkFailed(errMsg string) error {
	if err := r.transition(JobStateFailed); err != nil {
		return err
	}
	now := r.UpdatedAt
	r.FinishedAt = &now
	r.Error = errMsg
	return nil
}
