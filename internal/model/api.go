package model

import "time"

// StartGenerationRequest kicks off stage generation for one session.
type StartGenerationRequest struct {
	ProjectID       string `json:"projectId" validate:"required"`
	SessionID       string `json:"sessionId" validate:"required"`
	StageSlug       string `json:"stageSlug" validate:"required"`
	IterationNumber int    `json:"iterationNumber" validate:"required,min=1"`
	ModelID         string `json:"modelId"`
	WalletID        string `json:"walletId"`
	MaxRetries      int    `json:"maxRetries" validate:"omitempty,min=0,max=10"`
}

// StartGenerationResponse acknowledges the queued root PLAN job.
type StartGenerationResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is one job row as the API exposes it.
type JobStatusResponse struct {
	JobID           string     `json:"jobId"`
	ParentJobID     *string    `json:"parentJobId,omitempty"`
	JobType         JobType    `json:"jobType"`
	Status          JobStatus  `json:"status"`
	StageSlug       string     `json:"stageSlug"`
	IterationNumber int        `json:"iterationNumber"`
	AttemptCount    int        `json:"attemptCount"`
	Error           *JobError  `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// SessionJobsResponse lists a session's job tree flat.
type SessionJobsResponse struct {
	SessionID string              `json:"sessionId"`
	Jobs      []JobStatusResponse `json:"jobs"`
}
