package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/notify"
	"github.com/docforge/engine/internal/planner"
	"github.com/docforge/engine/internal/queue"
	"github.com/docforge/engine/internal/repository"
)

// Orchestrator drives a PLAN job through the recipe DAG: it finds the next
// ready step, plans it, persists and enqueues the children, and advances the
// parent's state machine. Every failure path ends in an explicit terminal
// write.
type Orchestrator struct {
	jobs     repository.JobRepository
	recipes  repository.RecipeRepository
	planner  *planner.Planner
	enqueuer queue.JobEnqueuer
	gateway  notify.Gateway
}

// NewOrchestrator creates a PLAN-job orchestrator.
func NewOrchestrator(jobs repository.JobRepository, recipes repository.RecipeRepository, p *planner.Planner, enqueuer queue.JobEnqueuer, gateway notify.Gateway) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		recipes:  recipes,
		planner:  p,
		enqueuer: enqueuer,
		gateway:  gateway,
	}
}

// ProcessComplexJob advances one PLAN job. Notifications go to the project
// owner, who may differ from the job's acting user.
func (o *Orchestrator) ProcessComplexJob(ctx context.Context, job *model.GenerationJob, projectOwnerUserID, authToken string) error {
	payload, err := model.ParsePlanPayload(job.Payload)
	if err != nil {
		return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeConfiguration, err.Error())
	}

	recipe, err := o.recipes.ActiveRecipeForStage(ctx, payload.StageSlug)
	if err != nil || len(recipe.Steps) == 0 {
		msg := fmt.Sprintf("no recipe found for stage '%s'", payload.StageSlug)
		return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeConfiguration, msg)
	}

	doneSteps, err := o.completedStepIDs(ctx, job.ID)
	if err != nil {
		return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeInternal,
			fmt.Sprintf("failed to inspect child jobs: %v", err))
	}

	step := nextReadyStep(recipe, doneSteps)
	if step == nil {
		if allStepsDone(recipe, doneSteps) {
			if err := o.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusCompleted, nil, nil); err != nil {
				return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeInternal,
					fmt.Sprintf("Failed to update parent job status: %v", err))
			}
			o.notify(payload, job.ID, "", model.NotificationPlannerCompleted, nil, projectOwnerUserID)
			return nil
		}
		// Some steps remain but their predecessors are still running; the
		// job goes back to waiting until another child completion wakes it.
		return o.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusWaitingForChildren, nil, nil)
	}

	o.notify(payload, job.ID, step.StepKey, model.NotificationPlannerStarted, nil, projectOwnerUserID)

	children, err := o.planner.PlanComplexStage(ctx, job, step, authToken)
	if err != nil {
		if errors.Is(err, model.ErrContextWindowExceeded) {
			return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeContextWindow,
				fmt.Sprintf("context window limit exceeded: %v", err))
		}
		return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeInternal, err.Error())
	}

	if len(children) == 0 {
		// The step needed no work; proceed as if satisfied.
		if err := o.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusCompleted, nil, nil); err != nil {
			return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeInternal,
				fmt.Sprintf("Failed to update parent job status: %v", err))
		}
		o.notify(payload, job.ID, step.StepKey, model.NotificationPlannerCompleted, nil, projectOwnerUserID)
		return nil
	}

	if err := o.jobs.InsertJobs(ctx, children); err != nil {
		return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeInternal,
			fmt.Sprintf("Failed to insert child jobs: %v", err))
	}

	for _, child := range children {
		if err := o.enqueuer.EnqueueGeneration(child.ID); err != nil {
			return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeInternal,
				fmt.Sprintf("Failed to enqueue child jobs: %v", err))
		}
	}

	if err := o.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusWaitingForChildren, nil, nil); err != nil {
		// Second attempt: the job must never be left silently stuck.
		return o.failJob(ctx, job, payload, projectOwnerUserID, model.ErrCodeInternal,
			fmt.Sprintf("Failed to update parent job status: %v", err))
	}

	return nil
}

// completedStepIDs collects the recipe_step_id of every completed child. Step
// completion is tracked by planner metadata, never by step slug.
func (o *Orchestrator) completedStepIDs(ctx context.Context, parentJobID string) (map[string]bool, error) {
	children, err := o.jobs.ListChildren(ctx, parentJobID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	for _, child := range children {
		if child.Status != model.JobStatusCompleted {
			continue
		}
		if stepID := model.RecipeStepIDFromPayload(child.Payload); stepID != "" {
			done[stepID] = true
		}
	}
	return done, nil
}

// nextReadyStep walks steps in DAG order and returns the first step that is
// not done and whose predecessors are all done, or nil.
func nextReadyStep(recipe *model.Recipe, doneSteps map[string]bool) *model.RecipeStep {
	for i := range recipe.Steps {
		step := &recipe.Steps[i]
		if stepDone(step, doneSteps) {
			continue
		}
		ready := true
		for _, pred := range recipe.Predecessors(step.ID) {
			if !doneSteps[pred] && !predSkipped(recipe, pred) {
				ready = false
				break
			}
		}
		if ready {
			return step
		}
	}
	return nil
}

func allStepsDone(recipe *model.Recipe, doneSteps map[string]bool) bool {
	for i := range recipe.Steps {
		if !stepDone(&recipe.Steps[i], doneSteps) {
			return false
		}
	}
	return true
}

// A skipped step never plans and never blocks its successors.
func stepDone(step *model.RecipeStep, doneSteps map[string]bool) bool {
	return step.IsSkipped || doneSteps[step.ID]
}

func predSkipped(recipe *model.Recipe, stepID string) bool {
	for i := range recipe.Steps {
		if recipe.Steps[i].ID == stepID {
			return recipe.Steps[i].IsSkipped
		}
	}
	return false
}

// failJob performs the terminal failed write and emits exactly one
// job_failed event. The returned error carries the failure message for the
// dispatcher's log.
func (o *Orchestrator) failJob(ctx context.Context, job *model.GenerationJob, payload *model.PlanJobPayload, ownerID, code, message string) error {
	jobErr := &model.JobError{Code: code, Message: message}
	if err := o.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusFailed, nil, jobErr); err != nil {
		log.Printf("Failed to mark job %s as failed: %v", job.ID, err)
	}
	o.notify(payload, job.ID, "", model.NotificationJobFailed, jobErr, ownerID)
	return jobErr
}

func (o *Orchestrator) notify(payload *model.PlanJobPayload, jobID, stepKey string, eventType model.NotificationType, jobErr *model.JobError, ownerID string) {
	event := &model.NotificationPayload{
		Type:    eventType,
		JobID:   jobID,
		StepKey: stepKey,
		Error:   jobErr,
	}
	if payload != nil {
		event.SessionID = payload.SessionID
		event.StageSlug = payload.StageSlug
		event.IterationNumber = payload.IterationNumber
	}
	o.gateway.SendDocumentCentricNotification(event, ownerID)
}
