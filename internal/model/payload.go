package model

import (
	"encoding/json"
	"fmt"
)

// JobContext is the shared payload context every job in a tree carries. Child
// jobs inherit these fields verbatim from the root PLAN job's payload; they
// never diverge from the root context.
type JobContext struct {
	ProjectID         string `json:"projectId"`
	SessionID         string `json:"sessionId"`
	StageSlug         string `json:"stageSlug"`
	IterationNumber   int    `json:"iterationNumber"`
	ModelID           string `json:"model_id,omitempty"`
	UserJWT           string `json:"user_jwt,omitempty"`
	WalletID          string `json:"walletId,omitempty"`
	ContinuationCount int    `json:"continuation_count,omitempty"`
	MaxRetries        int    `json:"maxRetries,omitempty"`
}

// PlannerMetadata tags a job with the recipe step that produced it. Step
// completion is tracked by RecipeStepID, never by step slug, because slugs
// are not unique across template/instance boundaries.
type PlannerMetadata struct {
	RecipeStepID string `json:"recipe_step_id"`
	StepKey      string `json:"step_key,omitempty"`
}

// PlanJobPayload is the payload of a PLAN job.
type PlanJobPayload struct {
	JobContext
	PlannerMetadata *PlannerMetadata `json:"planner_metadata,omitempty"`
}

// ExecuteJobPayload is the payload of an EXECUTE job.
type ExecuteJobPayload struct {
	JobContext
	PlannerMetadata      *PlannerMetadata `json:"planner_metadata,omitempty"`
	PromptTemplateID     string           `json:"prompt_template_id,omitempty"`
	OutputType           string           `json:"output_type"`
	DocumentKey          string           `json:"document_key,omitempty"`
	Prompt               string           `json:"prompt,omitempty"`
	SystemInstruction    string           `json:"system_instruction,omitempty"`
	SourceDocumentIDs    []string         `json:"source_document_ids,omitempty"`
	InputsRelevance      []RelevanceRule  `json:"inputs_relevance,omitempty"`
	TargetContributionID string           `json:"target_contribution_id,omitempty"`
	DocumentIdentity     string           `json:"document_identity,omitempty"`
}

// RenderJobPayload is the payload of a RENDER job. IterationNumber is a
// pointer so the runner can tell "absent" apart from zero when validating.
type RenderJobPayload struct {
	ProjectID            string `json:"projectId"`
	SessionID            string `json:"sessionId"`
	StageSlug            string `json:"stageSlug"`
	IterationNumber      *int   `json:"iterationNumber"`
	DocumentIdentity     string `json:"documentIdentity"`
	DocumentKey          string `json:"documentKey"`
	SourceContributionID string `json:"sourceContributionId"`
	TemplateFilename     string `json:"template_filename,omitempty"`
	UserJWT              string `json:"user_jwt,omitempty"`
	ModelID              string `json:"model_id,omitempty"`
	StepKey              string `json:"step_key,omitempty"`

	PlannerMetadata *PlannerMetadata `json:"planner_metadata,omitempty"`
}

// ParsePlanPayload decodes a PLAN payload from a job row.
func ParsePlanPayload(raw json.RawMessage) (*PlanJobPayload, error) {
	var p PlanJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid PLAN payload: %w", err)
	}
	return &p, nil
}

// ParseExecutePayload decodes an EXECUTE payload from a job row.
func ParseExecutePayload(raw json.RawMessage) (*ExecuteJobPayload, error) {
	var p ExecuteJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid EXECUTE payload: %w", err)
	}
	return &p, nil
}

// ParseRenderPayload decodes a RENDER payload from a job row.
func ParseRenderPayload(raw json.RawMessage) (*RenderJobPayload, error) {
	var p RenderJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid RENDER payload: %w", err)
	}
	return &p, nil
}

// RecipeStepIDFromPayload extracts planner_metadata.recipe_step_id from any
// job payload, returning "" when the payload carries no planner metadata.
func RecipeStepIDFromPayload(raw json.RawMessage) string {
	var probe struct {
		PlannerMetadata *PlannerMetadata `json:"planner_metadata"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.PlannerMetadata == nil {
		return ""
	}
	return probe.PlannerMetadata.RecipeStepID
}
