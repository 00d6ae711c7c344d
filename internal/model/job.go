package model

import (
	"encoding/json"
	"time"
)

// JobType classifies what a generation job does when a worker picks it up.
type JobType string

const (
	JobTypePlan    JobType = "PLAN"
	JobTypeExecute JobType = "EXECUTE"
	JobTypeRender  JobType = "RENDER"
)

// IsValidJobType reports whether s names a dispatchable job type.
func IsValidJobType(s string) bool {
	switch JobType(s) {
	case JobTypePlan, JobTypeExecute, JobTypeRender:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobStatusPending            JobStatus = "pending"
	JobStatusProcessing         JobStatus = "processing"
	JobStatusWaitingForChildren JobStatus = "waiting_for_children"
	JobStatusPendingNextStep    JobStatus = "pending_next_step"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusFailed             JobStatus = "failed"
)

// IsTerminal reports whether the status can never change again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobError is the structured error persisted on a failed job row. It is the
// only failure shape that crosses the API boundary; raw stack traces never do.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return e.Message
}

// Error codes persisted into error_details.
const (
	ErrCodeConfiguration    = "CONFIGURATION_ERROR"
	ErrCodeDataAvailability = "INPUT_NOT_FOUND"
	ErrCodeContextWindow    = "CONTEXT_WINDOW_EXCEEDED"
	ErrCodeStorage          = "STORAGE_ERROR"
	ErrCodeInternal         = "JOB_FAILED"
)

// GenerationJob is one row of the job table. Jobs form a tree via ParentJobID
// rooted at a PLAN job; any worker can resume the tree from these rows alone.
type GenerationJob struct {
	ID                   string          `json:"id"`
	ParentJobID          *string         `json:"parentJobId,omitempty"`
	PrerequisiteJobID    *string         `json:"prerequisiteJobId,omitempty"`
	TargetContributionID *string         `json:"targetContributionId,omitempty"`
	JobType              JobType         `json:"jobType"`
	Status               JobStatus       `json:"status"`
	UserID               string          `json:"userId"`
	SessionID            string          `json:"sessionId"`
	StageSlug            string          `json:"stageSlug"`
	IterationNumber      int             `json:"iterationNumber"`
	AttemptCount         int             `json:"attemptCount"`
	MaxRetries           int             `json:"maxRetries"`
	Payload              json.RawMessage `json:"-"`
	Results              json.RawMessage `json:"-"`
	ErrorDetails         *JobError       `json:"errorDetails,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
}
