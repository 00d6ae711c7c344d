package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/docforge/engine/internal/model"
)

// Recipe steps are stored as a JSON definition column plus the ordering
// fields the planner sorts on; the definition is authored by the recipe
// tooling and read-only here.

func (s *SQLiteStore) ActiveRecipeForStage(ctx context.Context, stageSlug string) (*model.Recipe, error) {
	var recipeID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM recipes WHERE stage_slug = ? AND is_active = 1`, stageSlug).
		Scan(&recipeID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active recipe for stage %s: %w", stageSlug, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM recipe_steps WHERE recipe_id = ? ORDER BY execution_order, id`,
		recipeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipe steps: %w", err)
	}
	defer rows.Close()

	recipe := &model.Recipe{StageSlug: stageSlug}
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan recipe step: %w", err)
		}
		var step model.RecipeStep
		if err := json.Unmarshal([]byte(definition), &step); err != nil {
			return nil, fmt.Errorf("invalid recipe step definition: %w", err)
		}
		recipe.Steps = append(recipe.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT from_step_id, to_step_id FROM recipe_edges WHERE recipe_id = ?`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipe edges: %w", err)
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var e model.RecipeEdge
		if err := edgeRows.Scan(&e.FromStepID, &e.ToStepID); err != nil {
			return nil, fmt.Errorf("failed to scan recipe edge: %w", err)
		}
		recipe.Edges = append(recipe.Edges, e)
	}
	return recipe, edgeRows.Err()
}

func (s *SQLiteStore) GetStep(ctx context.Context, stepID string) (*model.RecipeStep, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM recipe_steps WHERE id = ?`, stepID).
		Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recipe step %s: %w", stepID, err)
	}
	var step model.RecipeStep
	if err := json.Unmarshal([]byte(definition), &step); err != nil {
		return nil, fmt.Errorf("invalid recipe step definition: %w", err)
	}
	return &step, nil
}

func (s *SQLiteStore) GetPromptTemplate(ctx context.Context, templateID string) (*model.PromptTemplate, error) {
	var t model.PromptTemplate
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, prompt_text FROM prompt_templates WHERE id = ?`, templateID).
		Scan(&t.ID, &t.Name, &t.PromptText)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt template %s: %w", templateID, err)
	}
	return &t, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var (
		p         model.Project
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.OwnerUserID, &p.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	p.CreatedAt = timeFromUnix(createdAt)
	return &p, nil
}
