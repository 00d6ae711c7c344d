package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/notify"
	"github.com/docforge/engine/internal/render"
	"github.com/docforge/engine/internal/repository"
)

// RenderRunner runs RENDER jobs. Payload validation is strict and fail-fast:
// the renderer is never invoked with an incomplete or malformed payload, and
// every outcome is exactly one terminal write.
type RenderRunner struct {
	jobs     repository.JobRepository
	renderer render.DocumentRenderer
	gateway  notify.Gateway
}

// NewRenderRunner creates a RENDER-job worker.
func NewRenderRunner(jobs repository.JobRepository, renderer render.DocumentRenderer, gateway notify.Gateway) *RenderRunner {
	return &RenderRunner{jobs: jobs, renderer: renderer, gateway: gateway}
}

// ProcessRenderJob runs one RENDER job end to end.
func (r *RenderRunner) ProcessRenderJob(ctx context.Context, job *model.GenerationJob, ownerID string) error {
	payload, err := model.ParseRenderPayload(job.Payload)
	if err != nil {
		return r.failJob(ctx, job, payload, ownerID, model.ErrCodeConfiguration, err.Error())
	}

	// Checks run in a fixed order and the first failure wins, so a payload
	// with several problems reports a deterministic message.
	if msg := validateRenderPayload(payload); msg != "" {
		return r.failJob(ctx, job, payload, ownerID, model.ErrCodeConfiguration, msg)
	}

	r.gateway.SendJobNotificationEvent(&model.NotificationPayload{
		Type:            model.NotificationRenderStarted,
		SessionID:       payload.SessionID,
		StageSlug:       payload.StageSlug,
		IterationNumber: *payload.IterationNumber,
		JobID:           job.ID,
		ModelID:         payload.ModelID,
		DocumentKey:     payload.DocumentKey,
		StepKey:         renderStepKey(payload),
	}, ownerID)

	result, err := r.renderer.RenderDocument(ctx, &render.RenderParams{
		ProjectID:            payload.ProjectID,
		SessionID:            payload.SessionID,
		StageSlug:            payload.StageSlug,
		IterationNumber:      *payload.IterationNumber,
		DocumentIdentity:     payload.DocumentIdentity,
		DocumentKey:          payload.DocumentKey,
		SourceContributionID: payload.SourceContributionID,
		TemplateFilename:     payload.TemplateFilename,
	})
	if err != nil {
		return r.failJob(ctx, job, payload, ownerID, model.ErrCodeStorage, err.Error())
	}

	results, _ := json.Marshal(map[string]any{
		"latestRenderedResourceId": result.RenderedResourceID,
		"pathContext":              result.PathContext,
	})
	if err := r.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusCompleted, results, nil); err != nil {
		return r.failJob(ctx, job, payload, ownerID, model.ErrCodeInternal,
			fmt.Sprintf("Failed to update job status: %v", err))
	}

	r.gateway.SendJobNotificationEvent(&model.NotificationPayload{
		Type:                     model.NotificationRenderCompleted,
		SessionID:                payload.SessionID,
		StageSlug:                payload.StageSlug,
		IterationNumber:          *payload.IterationNumber,
		JobID:                    job.ID,
		ModelID:                  payload.ModelID,
		DocumentKey:              payload.DocumentKey,
		StepKey:                  renderStepKey(payload),
		LatestRenderedResourceID: result.RenderedResourceID,
	}, ownerID)

	return nil
}

// renderStepKey resolves the step key for render events, preferring the
// payload's own field over the planner metadata tag.
func renderStepKey(p *model.RenderJobPayload) string {
	if p.StepKey != "" {
		return p.StepKey
	}
	if p.PlannerMetadata != nil {
		return p.PlannerMetadata.StepKey
	}
	return ""
}

// validateRenderPayload returns the first validation failure message, or "".
func validateRenderPayload(p *model.RenderJobPayload) string {
	if p.ProjectID == "" {
		return "render payload is missing projectId"
	}
	if p.SessionID == "" {
		return "render payload is missing sessionId"
	}
	if p.StageSlug == "" {
		return "render payload is missing stageSlug"
	}
	if p.DocumentIdentity == "" {
		return "render payload is missing documentIdentity"
	}
	if p.IterationNumber == nil {
		return "render payload is missing iterationNumber"
	}
	if *p.IterationNumber <= 0 {
		return fmt.Sprintf("render payload iterationNumber must be a positive integer, got %d", *p.IterationNumber)
	}
	if !model.IsRecognizedDocumentKey(p.DocumentKey) {
		return fmt.Sprintf("render payload has unrecognized documentKey '%s'", p.DocumentKey)
	}
	return ""
}

func (r *RenderRunner) failJob(ctx context.Context, job *model.GenerationJob, payload *model.RenderJobPayload, ownerID, code, message string) error {
	jobErr := &model.JobError{Code: code, Message: message}
	if err := r.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusFailed, nil, jobErr); err != nil {
		log.Printf("Failed to mark job %s as failed: %v", job.ID, err)
	}
	event := &model.NotificationPayload{
		Type:  model.NotificationJobFailed,
		JobID: job.ID,
		Error: jobErr,
	}
	if payload != nil {
		event.SessionID = payload.SessionID
		event.StageSlug = payload.StageSlug
		if payload.IterationNumber != nil {
			event.IterationNumber = *payload.IterationNumber
		}
		event.ModelID = payload.ModelID
		event.DocumentKey = payload.DocumentKey
	}
	r.gateway.SendJobNotificationEvent(event, ownerID)
	return jobErr
}
