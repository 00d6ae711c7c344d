package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/docforge/engine/internal/model"
)

// orchestratorOnlyKeys never belong on a child payload. A strategy that
// leaks one has produced a polluted payload, which is dropped rather than
// allowed to block its siblings.
var orchestratorOnlyKeys = []string{"step_info"}

// Planner expands one recipe step into concrete child job rows.
type Planner struct {
	resolver   *Resolver
	templates  TemplateSource
	strategies map[string]StrategyFunc
}

// New creates a planner with the default strategy registry.
func New(resolver *Resolver, templates TemplateSource) *Planner {
	return &Planner{
		resolver:   resolver,
		templates:  templates,
		strategies: DefaultStrategies(),
	}
}

// NewWithStrategies creates a planner with a custom registry.
func NewWithStrategies(resolver *Resolver, templates TemplateSource, strategies map[string]StrategyFunc) *Planner {
	return &Planner{resolver: resolver, templates: templates, strategies: strategies}
}

// PlanComplexStage resolves the step's required inputs, invokes the step's
// granularity strategy, and returns validated child job rows. The call-site
// authToken only authorizes resolver queries; children always inherit the
// parent payload's user_jwt, never the token parameter.
func (p *Planner) PlanComplexStage(ctx context.Context, parentJob *model.GenerationJob, step *model.RecipeStep, authToken string) ([]*model.GenerationJob, error) {
	if step.IsSkipped {
		return nil, fmt.Errorf("recipe step %s (%s) is skipped and must not be planned", step.ID, step.StepKey)
	}
	if step.LegacyStepNumber != nil || step.PromptTemplateName != "" {
		return nil, fmt.Errorf("recipe step %s uses deprecated fields (step, prompt_template_name) and must be re-authored", step.ID)
	}
	if step.GranularityStrategy == "" {
		return nil, fmt.Errorf("recipe step %s is missing a granularity strategy", step.ID)
	}
	if len(step.InputsRequired) == 0 {
		return nil, fmt.Errorf("recipe step %s declares no required inputs", step.ID)
	}

	parentPayload, err := model.ParsePlanPayload(parentJob.Payload)
	if err != nil {
		return nil, err
	}
	if parentPayload.UserJWT == "" {
		return nil, fmt.Errorf("parent payload missing required field user_jwt")
	}
	if parentPayload.StageSlug == "" {
		return nil, fmt.Errorf("parent payload missing required field stageSlug")
	}

	rc := ResolveContext{
		ProjectID:       parentPayload.ProjectID,
		SessionID:       parentPayload.SessionID,
		IterationNumber: parentPayload.IterationNumber,
		ModelID:         parentPayload.ModelID,
	}

	// Candidate order is rule order, then resolver order.
	var documents []*model.SourceDocument
	for _, rule := range step.InputsRequired {
		docs, err := p.resolver.Resolve(ctx, rule, rc)
		if err != nil {
			return nil, err
		}
		documents = append(documents, docs...)
	}

	strategy, ok := p.strategies[step.GranularityStrategy]
	if !ok {
		return nil, fmt.Errorf("no planner for granularity strategy '%s'", step.GranularityStrategy)
	}

	payloads, err := strategy(documents, parentJob, parentPayload, step)
	if err != nil {
		return nil, err
	}

	// Execute children leave planning with a rendered prompt, not a bare
	// template reference. The template is loaded once per step.
	var template *model.PromptTemplate
	if step.JobType == model.JobTypeExecute && len(payloads) > 0 {
		template, err = p.loadStepTemplate(ctx, step)
		if err != nil {
			return nil, err
		}
	}

	var children []*model.GenerationJob
	for i, payload := range payloads {
		if template != nil {
			assemblePrompt(template, parentPayload, step, payload)
		}
		child, ok := p.buildChildJob(parentJob, parentPayload, payload)
		if !ok {
			log.Printf("Dropping malformed payload %d from strategy '%s' for step %s", i, step.GranularityStrategy, step.ID)
			continue
		}
		children = append(children, child)
	}

	return children, nil
}

// buildChildJob validates one strategy payload and turns it into a job row.
// Malformed or polluted payloads are reported by returning ok=false; one bad
// payload never fails the batch.
func (p *Planner) buildChildJob(parentJob *model.GenerationJob, parentPayload *model.PlanJobPayload, payload map[string]any) (*model.GenerationJob, bool) {
	for _, key := range orchestratorOnlyKeys {
		if _, polluted := payload[key]; polluted {
			return nil, false
		}
	}

	jobTypeValue, _ := payload["job_type"].(string)
	if !model.IsValidJobType(jobTypeValue) {
		return nil, false
	}
	jobType := model.JobType(jobTypeValue)

	// Children never diverge from the root context: these fields come from
	// the parent's payload regardless of what the strategy produced.
	payload["projectId"] = parentPayload.ProjectID
	payload["sessionId"] = parentPayload.SessionID
	payload["stageSlug"] = parentPayload.StageSlug
	payload["iterationNumber"] = parentPayload.IterationNumber
	payload["user_jwt"] = parentPayload.UserJWT

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	if !payloadWellFormed(jobType, raw) {
		return nil, false
	}

	parentID := parentJob.ID
	return &model.GenerationJob{
		ID:              uuid.New().String(),
		ParentJobID:     &parentID,
		JobType:         jobType,
		Status:          model.JobStatusPending,
		UserID:          parentJob.UserID,
		SessionID:       parentJob.SessionID,
		StageSlug:       parentPayload.StageSlug,
		IterationNumber: parentJob.IterationNumber,
		AttemptCount:    0,
		MaxRetries:      parentJob.MaxRetries,
		Payload:         raw,
		CreatedAt:       time.Now(),
	}, true
}

func payloadWellFormed(jobType model.JobType, raw json.RawMessage) bool {
	switch jobType {
	case model.JobTypeExecute:
		p, err := model.ParseExecutePayload(raw)
		return err == nil && p.OutputType != "" && p.Prompt != ""
	case model.JobTypeRender:
		p, err := model.ParseRenderPayload(raw)
		return err == nil && p.DocumentKey != ""
	case model.JobTypePlan:
		p, err := model.ParsePlanPayload(raw)
		return err == nil && p.PlannerMetadata != nil && p.PlannerMetadata.RecipeStepID != ""
	}
	return false
}
