package api

import (
	"time"

	"github.com/shaiso/bookingfleet/internal/orchestrator"
	"github.com/shaiso/bookingfleet/internal/queue"
)

// EnqueueRequest — запрос на постановку задачи модуля.
type EnqueueRequest struct {
	Payload map[string]any    `json:"payload,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	JobID   string            `json:"job_id,omitempty"`
	DelayMs int64             `json:"delay_ms,omitempty"`
}

// Options переводит запрос в параметры Enqueue.
func (r EnqueueRequest) Options() orchestrator.EnqueueOptions {
	return orchestrator.EnqueueOptions{
		JobID: r.JobID,
		Delay: time.Duration(r.DelayMs) * time.Millisecond,
	}
}

// QueueStateResponse — ответ на pause/resume.
type QueueStateResponse struct {
	Queue  string `json:"queue"`
	Paused bool   `json:"paused"`
}

// JobResponse — задача очереди.
type JobResponse struct {
	ID           string            `json:"id"`
	Module       string            `json:"module"`
	Payload      map[string]any    `json:"payload"`
	Meta         map[string]string `json:"meta,omitempty"`
	Attempts     int               `json:"attempts"`
	AttemptsMade int               `json:"attempts_made"`
	FailedReason string            `json:"failed_reason,omitempty"`
	Result       any               `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// JobFromQueue конвертирует queue.Job в JobResponse.
func JobFromQueue(j *queue.Job) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		Module:       j.Name,
		Payload:      j.Payload,
		Meta:         j.Meta,
		Attempts:     j.Attempts,
		AttemptsMade: j.AttemptsMade,
		FailedReason: j.FailedReason,
		CreatedAt:    j.Timestamp,
		ProcessedAt:  j.ProcessedOn,
		FinishedAt:   j.FinishedOn,
	}
	if len(j.ReturnValue) > 0 {
		resp.Result = j.ReturnValue
	}
	return resp
}
