package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/notify"
	"github.com/docforge/engine/internal/queue"
	"github.com/docforge/engine/internal/repository"
)

// Dispatcher is the asynq entry point for the generation pipeline. It claims
// the job row, resolves the notification target, routes by job type, and
// advances the job tree afterwards: continuation chaining for truncated
// chunks and parent wake-up when a step's children all complete.
type Dispatcher struct {
	jobs         repository.JobRepository
	projects     repository.ProjectRepository
	enqueuer     queue.JobEnqueuer
	orchestrator *Orchestrator
	executor     *Executor
	renderRunner *RenderRunner
	gateway      notify.Gateway
}

// NewDispatcher wires the three job workers behind one task handler.
func NewDispatcher(
	jobs repository.JobRepository,
	projects repository.ProjectRepository,
	enqueuer queue.JobEnqueuer,
	orchestrator *Orchestrator,
	executor *Executor,
	renderRunner *RenderRunner,
	gateway notify.Gateway,
) *Dispatcher {
	return &Dispatcher{
		jobs:         jobs,
		projects:     projects,
		enqueuer:     enqueuer,
		orchestrator: orchestrator,
		executor:     executor,
		renderRunner: renderRunner,
		gateway:      gateway,
	}
}

// ProcessTask handles one generation task. Worker failures are converted into
// terminal job writes by the routed worker, so the task itself only errors on
// infrastructure problems where a retry can help.
func (d *Dispatcher) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload queue.TaskPayload
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	job, err := d.jobs.GetJob(ctx, taskPayload.JobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Printf("Skipping task for unknown job %s", taskPayload.JobID)
			return nil
		}
		return fmt.Errorf("failed to load job %s: %w", taskPayload.JobID, err)
	}
	if job.Status.IsTerminal() {
		log.Printf("Skipping job %s: already %s", job.ID, job.Status)
		return nil
	}

	job, err = d.jobs.MarkProcessing(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", taskPayload.JobID, err)
	}

	ownerID := d.resolveOwner(ctx, job)

	switch job.JobType {
	case model.JobTypePlan:
		if err := d.orchestrator.ProcessComplexJob(ctx, job, ownerID, userJWTFromPayload(job.Payload)); err != nil {
			log.Printf("Plan job %s failed: %v", job.ID, err)
		}
		return nil

	case model.JobTypeExecute:
		outcome, err := d.executor.ExecuteModelCallAndSave(ctx, job, ownerID)
		if err != nil {
			log.Printf("Execute job %s failed: %v", job.ID, err)
			d.propagateToParent(ctx, job, ownerID)
			return nil
		}
		if outcome.ContinuationJobID != "" {
			if err := d.enqueuer.EnqueueGeneration(outcome.ContinuationJobID); err != nil {
				return fmt.Errorf("failed to enqueue continuation %s: %w", outcome.ContinuationJobID, err)
			}
			return nil
		}
		d.emitExecuteCompleted(job, ownerID)
		d.propagateToParent(ctx, job, ownerID)
		return nil

	case model.JobTypeRender:
		if err := d.renderRunner.ProcessRenderJob(ctx, job, ownerID); err != nil {
			log.Printf("Render job %s failed: %v", job.ID, err)
		}
		d.propagateToParent(ctx, job, ownerID)
		return nil

	default:
		jobErr := &model.JobError{
			Code:    model.ErrCodeConfiguration,
			Message: fmt.Sprintf("unknown job type '%s'", job.JobType),
		}
		if err := d.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusFailed, nil, jobErr); err != nil {
			log.Printf("Failed to mark job %s as failed: %v", job.ID, err)
		}
		return nil
	}
}

// resolveOwner maps the job's project to its owner. Delivery targets the
// project owner, who may differ from the user the job acts as; an
// unresolvable owner suppresses notifications, never the job.
func (d *Dispatcher) resolveOwner(ctx context.Context, job *model.GenerationJob) string {
	projectID := projectIDFromPayload(job.Payload)
	if projectID == "" {
		log.Printf("Job %s payload carries no projectId; notifications suppressed", job.ID)
		return ""
	}
	project, err := d.projects.GetProject(ctx, projectID)
	if err != nil {
		log.Printf("Failed to resolve owner of project %s: %v", projectID, err)
		return ""
	}
	return project.OwnerUserID
}

// emitExecuteCompleted fires the terminal event for a finished chunk chain.
func (d *Dispatcher) emitExecuteCompleted(job *model.GenerationJob, ownerID string) {
	payload, err := model.ParseExecutePayload(job.Payload)
	if err != nil {
		return
	}
	event := &model.NotificationPayload{
		Type:            model.NotificationExecuteCompleted,
		SessionID:       payload.SessionID,
		StageSlug:       payload.StageSlug,
		IterationNumber: payload.IterationNumber,
		JobID:           job.ID,
		ModelID:         payload.ModelID,
		DocumentKey:     payload.DocumentKey,
	}
	if payload.PlannerMetadata != nil {
		event.StepKey = payload.PlannerMetadata.StepKey
	}
	d.gateway.SendJobNotificationEvent(event, ownerID)
}

// propagateToParent wakes the waiting PLAN parent once every sibling is
// terminal: all completed wakes it for the next step, any failed fails it.
func (d *Dispatcher) propagateToParent(ctx context.Context, job *model.GenerationJob, ownerID string) {
	if job.ParentJobID == nil {
		return
	}
	parentID := *job.ParentJobID

	siblings, err := d.jobs.ListChildren(ctx, parentID)
	if err != nil {
		log.Printf("Failed to list children of job %s: %v", parentID, err)
		return
	}

	var failedChild string
	for _, sibling := range siblings {
		if !sibling.Status.IsTerminal() {
			return
		}
		if sibling.Status == model.JobStatusFailed {
			failedChild = sibling.ID
		}
	}

	if failedChild != "" {
		jobErr := &model.JobError{
			Code:    model.ErrCodeInternal,
			Message: fmt.Sprintf("child job %s failed", failedChild),
		}
		if err := d.jobs.UpdateJobStatus(ctx, parentID, model.JobStatusFailed, nil, jobErr); err != nil {
			log.Printf("Failed to fail parent job %s: %v", parentID, err)
			return
		}
		parent, err := d.jobs.GetJob(ctx, parentID)
		if err == nil {
			d.notifyParentFailed(parent, jobErr, ownerID)
		}
		return
	}

	if err := d.jobs.UpdateJobStatus(ctx, parentID, model.JobStatusPendingNextStep, nil, nil); err != nil {
		log.Printf("Failed to wake parent job %s: %v", parentID, err)
		return
	}
	if err := d.enqueuer.EnqueueGeneration(parentID); err != nil {
		log.Printf("Failed to enqueue parent job %s: %v", parentID, err)
	}
}

func (d *Dispatcher) notifyParentFailed(parent *model.GenerationJob, jobErr *model.JobError, ownerID string) {
	payload, err := model.ParsePlanPayload(parent.Payload)
	if err != nil {
		return
	}
	d.gateway.SendDocumentCentricNotification(&model.NotificationPayload{
		Type:            model.NotificationJobFailed,
		SessionID:       payload.SessionID,
		StageSlug:       payload.StageSlug,
		IterationNumber: payload.IterationNumber,
		JobID:           parent.ID,
		Error:           jobErr,
	}, ownerID)
}

func projectIDFromPayload(raw json.RawMessage) string {
	var probe struct {
		ProjectID string `json:"projectId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ProjectID
}

func userJWTFromPayload(raw json.RawMessage) string {
	var probe struct {
		UserJWT string `json:"user_jwt"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.UserJWT
}
