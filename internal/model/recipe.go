package model

import "encoding/json"

// SourceType names the document family an input rule resolves against.
type SourceType string

const (
	SourceTypeDocument      SourceType = "document"
	SourceTypeFeedback      SourceType = "feedback"
	SourceTypeHeaderContext SourceType = "header_context"
)

// InputRule declares a document that must exist before a recipe step can run.
type InputRule struct {
	Type        SourceType `json:"type"`
	Slug        string     `json:"slug,omitempty"`
	DocumentKey string     `json:"document_key,omitempty"`
	StageSlug   string     `json:"stage_slug,omitempty"`
	// Required defaults to true when nil, except for feedback rules which
	// are advisory unless explicitly marked required. A header_context rule
	// listed in inputs_required is as binding as any other rule.
	Required *bool `json:"required,omitempty"`
}

// IsRequired resolves the rule's effective requiredness.
func (r InputRule) IsRequired() bool {
	if r.Required != nil {
		return *r.Required
	}
	return r.Type != SourceTypeFeedback
}

// RelevanceRule weights a document identity for compression ordering. A rule
// carrying a StageSlug is stage-specific and takes precedence over a general
// rule for the same DocumentKey.
type RelevanceRule struct {
	DocumentKey string  `json:"document_key"`
	StageSlug   string  `json:"stage_slug,omitempty"`
	Weight      float64 `json:"weight"`
}

// RecipeStep is one DAG node of a stage's generation recipe. Read-only at
// job-processing time.
type RecipeStep struct {
	ID                  string          `json:"id"`
	StepKey             string          `json:"step_key"`
	StepSlug            string          `json:"step_slug"`
	JobType             JobType         `json:"job_type"`
	PromptType          string          `json:"prompt_type,omitempty"`
	PromptTemplateID    string          `json:"prompt_template_id,omitempty"`
	OutputType          string          `json:"output_type"`
	GranularityStrategy string          `json:"granularity_strategy"`
	ExecutionOrder      int             `json:"execution_order"`
	ParallelGroup       *string         `json:"parallel_group,omitempty"`
	BranchKey           *string         `json:"branch_key,omitempty"`
	InputsRequired      []InputRule     `json:"inputs_required"`
	InputsRelevance     []RelevanceRule `json:"inputs_relevance,omitempty"`
	OutputsRequired     json.RawMessage `json:"outputs_required,omitempty"`
	ConfigOverride      json.RawMessage `json:"config_override,omitempty"`
	IsSkipped           bool            `json:"is_skipped"`

	// Deprecated recipe fields. Steps carrying either are rejected at
	// planning time; there is no silent migration.
	LegacyStepNumber   *int   `json:"step,omitempty"`
	PromptTemplateName string `json:"prompt_template_name,omitempty"`
}

// PromptTemplate is the stored prompt text an execute step renders against
// its job context. Templates are authored alongside recipes and read-only at
// planning time.
type PromptTemplate struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PromptText string `json:"prompt_text"`
}

// RecipeEdge is a directed dependency edge between two recipe steps.
type RecipeEdge struct {
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
}

// Recipe is the full step DAG for one stage, either the template steps or a
// per-stage cloned instance's steps.
type Recipe struct {
	StageSlug string       `json:"stage_slug"`
	Steps     []RecipeStep `json:"steps"`
	Edges     []RecipeEdge `json:"edges"`
}

// Predecessors returns the ids of steps that must complete before stepID.
func (r *Recipe) Predecessors(stepID string) []string {
	var preds []string
	for _, e := range r.Edges {
		if e.ToStepID == stepID {
			preds = append(preds, e.FromStepID)
		}
	}
	return preds
}
