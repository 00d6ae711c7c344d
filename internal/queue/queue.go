package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeGeneration is the single task type for the generation pipeline.
// The job row carries everything else; the task only names the row.
const TaskTypeGeneration = "generation:process"

// QueueGeneration is the asynq queue generation tasks run on.
const QueueGeneration = "generation"

// TaskPayload is the asynq task body.
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// NewGenerationTask builds the asynq task for a job row.
func NewGenerationTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(TaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGeneration, data), nil
}

// Enqueuer pushes generation tasks onto the queue.
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer wraps an asynq client.
func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueGeneration queues processing for one job row.
func (e *Enqueuer) EnqueueGeneration(jobID string) error {
	task, err := NewGenerationTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = e.client.Enqueue(task,
		asynq.Queue(QueueGeneration),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// JobEnqueuer is what the dispatcher and services depend on.
type JobEnqueuer interface {
	EnqueueGeneration(jobID string) error
}
