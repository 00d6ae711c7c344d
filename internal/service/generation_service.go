package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/queue"
	"github.com/docforge/engine/internal/repository"
)

// ErrProjectForbidden is returned when the caller does not own the project.
var ErrProjectForbidden = errors.New("project belongs to another user")

const defaultMaxRetries = 3

// GenerationService manages the job tree from the API side: it creates and
// queues the root PLAN job and reads job state back out.
type GenerationService struct {
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	enqueuer queue.JobEnqueuer
}

func NewGenerationService(jobs repository.JobRepository, projects repository.ProjectRepository, enqueuer queue.JobEnqueuer) *GenerationService {
	return &GenerationService{
		jobs:     jobs,
		projects: projects,
		enqueuer: enqueuer,
	}
}

// StartStage creates the root PLAN job for a stage and queues it. The caller
// must own the project; the user's JWT travels in the payload so every
// planned child inherits it.
func (s *GenerationService) StartStage(ctx context.Context, userID, userJWT string, req *model.StartGenerationRequest) (*model.StartGenerationResponse, error) {
	project, err := s.projects.GetProject(ctx, req.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("project not found")
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if project.OwnerUserID != userID {
		return nil, ErrProjectForbidden
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	payload := &model.PlanJobPayload{
		JobContext: model.JobContext{
			ProjectID:       req.ProjectID,
			SessionID:       req.SessionID,
			StageSlug:       req.StageSlug,
			IterationNumber: req.IterationNumber,
			ModelID:         req.ModelID,
			UserJWT:         userJWT,
			WalletID:        req.WalletID,
			MaxRetries:      maxRetries,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &model.GenerationJob{
		ID:              uuid.New().String(),
		JobType:         model.JobTypePlan,
		Status:          model.JobStatusPending,
		UserID:          userID,
		SessionID:       req.SessionID,
		StageSlug:       req.StageSlug,
		IterationNumber: req.IterationNumber,
		MaxRetries:      maxRetries,
		Payload:         raw,
		CreatedAt:       time.Now(),
	}

	if err := s.jobs.InsertJobs(ctx, []*model.GenerationJob{job}); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := s.enqueuer.EnqueueGeneration(job.ID); err != nil {
		return nil, err
	}

	return &model.StartGenerationResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// GetStatus returns one job row.
func (s *GenerationService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("job not found")
		}
		return nil, err
	}
	resp := jobToResponse(job)
	return &resp, nil
}

// ListSessionJobs returns the full job tree of a session, flat.
func (s *GenerationService) ListSessionJobs(ctx context.Context, sessionID string) (*model.SessionJobsResponse, error) {
	jobs, err := s.jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp := &model.SessionJobsResponse{
		SessionID: sessionID,
		Jobs:      make([]model.JobStatusResponse, 0, len(jobs)),
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(job))
	}
	return resp, nil
}

func jobToResponse(job *model.GenerationJob) model.JobStatusResponse {
	return model.JobStatusResponse{
		JobID:           job.ID,
		ParentJobID:     job.ParentJobID,
		JobType:         job.JobType,
		Status:          job.Status,
		StageSlug:       job.StageSlug,
		IterationNumber: job.IterationNumber,
		AttemptCount:    job.AttemptCount,
		Error:           job.ErrorDetails,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}
