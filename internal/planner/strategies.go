package planner

import (
	"fmt"

	"github.com/docforge/engine/internal/model"
)

// StrategyFunc expands one recipe step into zero or more child-job payloads.
// Strategies are pure: they never touch storage or the job table, and a
// strategy may legitimately yield no work.
type StrategyFunc func(docs []*model.SourceDocument, parentJob *model.GenerationJob, parentPayload *model.PlanJobPayload, step *model.RecipeStep) ([]map[string]any, error)

// Granularity strategy names.
const (
	StrategyPerSourceDocument = "per_source_document"
	StrategyPerModel          = "per_model"
	StrategyAllToOne          = "all_to_one"
	StrategyPerSourceGroup    = "per_source_group"
)

// DefaultStrategies is the capability-keyed registry mapping a recipe step's
// granularity strategy name to its planner function.
func DefaultStrategies() map[string]StrategyFunc {
	return map[string]StrategyFunc{
		StrategyPerSourceDocument: planPerSourceDocument,
		StrategyPerModel:          planPerModel,
		StrategyAllToOne:          planAllToOne,
		StrategyPerSourceGroup:    planPerSourceGroup,
	}
}

// planPerSourceDocument emits one child payload per source document scoped to
// the parent's model. Documents attributed to a different model are skipped;
// documents with no model attribution apply to every model.
func planPerSourceDocument(docs []*model.SourceDocument, parentJob *model.GenerationJob, parentPayload *model.PlanJobPayload, step *model.RecipeStep) ([]map[string]any, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("at least one source document is required for %s", StrategyPerSourceDocument)
	}
	if err := validateStepOutputs(step); err != nil {
		return nil, err
	}

	var payloads []map[string]any
	for _, doc := range docs {
		if parentPayload.ModelID != "" && doc.ModelID != "" && doc.ModelID != parentPayload.ModelID {
			continue
		}
		p := basePayload(parentPayload, step)
		p["source_document_ids"] = []string{doc.ID}
		p["document_identity"] = doc.ID
		if step.JobType == model.JobTypeRender {
			p["documentKey"] = step.OutputType
			p["documentIdentity"] = doc.ID
			p["sourceContributionId"] = doc.ID
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// planPerModel emits a single payload carrying every source document, scoped
// to the parent's model. Parallelism across models is realized as sibling
// PLAN jobs, one per model, so one invocation plans exactly one model's work.
func planPerModel(docs []*model.SourceDocument, parentJob *model.GenerationJob, parentPayload *model.PlanJobPayload, step *model.RecipeStep) ([]map[string]any, error) {
	if parentPayload.ModelID == "" {
		return nil, fmt.Errorf("%s requires a model_id on the parent payload", StrategyPerModel)
	}
	if err := validateStepOutputs(step); err != nil {
		return nil, err
	}

	p := basePayload(parentPayload, step)
	p["source_document_ids"] = documentIDs(docs)
	return []map[string]any{p}, nil
}

// planAllToOne combines every resolved document into one child payload.
func planAllToOne(docs []*model.SourceDocument, parentJob *model.GenerationJob, parentPayload *model.PlanJobPayload, step *model.RecipeStep) ([]map[string]any, error) {
	if err := validateStepOutputs(step); err != nil {
		return nil, err
	}

	p := basePayload(parentPayload, step)
	p["source_document_ids"] = documentIDs(docs)
	return []map[string]any{p}, nil
}

// planPerSourceGroup emits one payload per document key, each carrying that
// key's documents. Group order follows first appearance in the resolved set.
func planPerSourceGroup(docs []*model.SourceDocument, parentJob *model.GenerationJob, parentPayload *model.PlanJobPayload, step *model.RecipeStep) ([]map[string]any, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("at least one source document is required for %s", StrategyPerSourceGroup)
	}
	if err := validateStepOutputs(step); err != nil {
		return nil, err
	}

	var order []string
	groups := make(map[string][]string)
	for _, doc := range docs {
		key := doc.DocumentKey
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], doc.ID)
	}

	var payloads []map[string]any
	for _, key := range order {
		p := basePayload(parentPayload, step)
		p["source_document_ids"] = groups[key]
		p["document_key"] = key
		payloads = append(payloads, p)
	}
	return payloads, nil
}

func validateStepOutputs(step *model.RecipeStep) error {
	if step.OutputType == "" {
		return fmt.Errorf("invalid recipe step %s: output_type is missing", step.ID)
	}
	if step.JobType == model.JobTypeExecute && step.PromptTemplateID == "" {
		return fmt.Errorf("invalid recipe step %s: prompt_template_id is missing", step.ID)
	}
	return nil
}

// basePayload builds the shared child payload: the parent's root context plus
// the step's identity. Strategies add their per-payload fields on top.
func basePayload(parentPayload *model.PlanJobPayload, step *model.RecipeStep) map[string]any {
	p := map[string]any{
		"job_type":        string(step.JobType),
		"projectId":       parentPayload.ProjectID,
		"sessionId":       parentPayload.SessionID,
		"stageSlug":       parentPayload.StageSlug,
		"iterationNumber": parentPayload.IterationNumber,
		"user_jwt":        parentPayload.UserJWT,
		"output_type":     step.OutputType,
		"planner_metadata": map[string]any{
			"recipe_step_id": step.ID,
			"step_key":       step.StepKey,
		},
	}
	if parentPayload.ModelID != "" {
		p["model_id"] = parentPayload.ModelID
	}
	if parentPayload.WalletID != "" {
		p["walletId"] = parentPayload.WalletID
	}
	if parentPayload.MaxRetries > 0 {
		p["maxRetries"] = parentPayload.MaxRetries
	}
	if step.PromptTemplateID != "" {
		p["prompt_template_id"] = step.PromptTemplateID
	}
	if step.OutputType != "" && step.JobType == model.JobTypeExecute {
		p["document_key"] = step.OutputType
	}
	if len(step.InputsRelevance) > 0 {
		p["inputs_relevance"] = step.InputsRelevance
	}
	return p
}

func documentIDs(docs []*model.SourceDocument) []string {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids
}
