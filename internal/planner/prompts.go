package planner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docforge/engine/internal/model"
)

// TemplateSource loads stored prompt templates by id.
type TemplateSource interface {
	GetPromptTemplate(ctx context.Context, templateID string) (*model.PromptTemplate, error)
}

// assemblePrompt renders the step's template against one child payload's
// context and stamps the result onto the payload. Execute children carry a
// fully rendered prompt out of planning; the executor never sees a bare
// template id.
func assemblePrompt(template *model.PromptTemplate, parentPayload *model.PlanJobPayload, step *model.RecipeStep, payload map[string]any) {
	vars := map[string]string{
		"project_id":       parentPayload.ProjectID,
		"session_id":       parentPayload.SessionID,
		"stage_slug":       parentPayload.StageSlug,
		"iteration_number": strconv.Itoa(parentPayload.IterationNumber),
		"model_id":         parentPayload.ModelID,
		"output_type":      step.OutputType,
		"step_key":         step.StepKey,
		"document_key":     step.OutputType,
	}
	if key, ok := payload["document_key"].(string); ok && key != "" {
		vars["document_key"] = key
	}
	payload["prompt"] = renderPromptText(template.PromptText, vars)
}

// renderPromptText substitutes {{name}} placeholders. Unknown placeholders
// are left in place so a mis-authored template fails loudly downstream
// instead of silently rendering empty.
func renderPromptText(text string, vars map[string]string) string {
	rendered := text
	for name, value := range vars {
		rendered = strings.ReplaceAll(rendered, "{{"+name+"}}", value)
	}
	return rendered
}

func (p *Planner) loadStepTemplate(ctx context.Context, step *model.RecipeStep) (*model.PromptTemplate, error) {
	template, err := p.templates.GetPromptTemplate(ctx, step.PromptTemplateID)
	if err != nil {
		return nil, fmt.Errorf("no prompt template found for step %s (%s): %w", step.ID, step.StepKey, err)
	}
	if template.PromptText == "" {
		return nil, fmt.Errorf("prompt template %s for step %s has no prompt text", template.ID, step.ID)
	}
	return template, nil
}
