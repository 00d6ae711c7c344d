package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/docforge/engine/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testJob(id string, parentID *string) *model.GenerationJob {
	return &model.GenerationJob{
		ID:              id,
		ParentJobID:     parentID,
		JobType:         model.JobTypeExecute,
		Status:          model.JobStatusPending,
		UserID:          "user-1",
		SessionID:       "session-1",
		StageSlug:       "hypothesis",
		IterationNumber: 1,
		MaxRetries:      3,
		Payload:         json.RawMessage(`{"output_type":"prd"}`),
		CreatedAt:       time.Now(),
	}
}

func TestJobInsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := testJob("parent-1", nil)
	parent.JobType = model.JobTypePlan
	parentID := parent.ID
	child := testJob("child-1", &parentID)

	if err := store.InsertJobs(ctx, []*model.GenerationJob{parent, child}); err != nil {
		t.Fatalf("InsertJobs: %v", err)
	}

	got, err := store.GetJob(ctx, "child-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ParentJobID == nil || *got.ParentJobID != "parent-1" {
		t.Errorf("parent = %v, want parent-1", got.ParentJobID)
	}
	if got.JobType != model.JobTypeExecute || got.Status != model.JobStatusPending {
		t.Errorf("job = %s/%s", got.JobType, got.Status)
	}
	if string(got.Payload) != `{"output_type":"prd"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	if _, err := store.GetJob(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob(ghost) = %v, want ErrNotFound", err)
	}

	children, err := store.ListChildren(ctx, "parent-1")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 || children[0].ID != "child-1" {
		t.Errorf("children = %+v", children)
	}

	session, err := store.ListBySession(ctx, "session-1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(session) != 2 {
		t.Errorf("session jobs = %d, want 2", len(session))
	}
}

func TestMarkProcessingClaimsOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob("job-1", nil)
	if err := store.InsertJobs(ctx, []*model.GenerationJob{job}); err != nil {
		t.Fatalf("InsertJobs: %v", err)
	}

	claimed, err := store.MarkProcessing(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if claimed.Status != model.JobStatusProcessing || claimed.AttemptCount != 1 {
		t.Errorf("claimed = %s attempt %d, want processing/1", claimed.Status, claimed.AttemptCount)
	}
	if claimed.StartedAt == nil {
		t.Error("started_at must be set on the first claim")
	}

	if err := store.UpdateJobStatus(ctx, "job-1", model.JobStatusCompleted, nil, nil); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("claiming a terminal job = %v, want ErrNotFound", err)
	}
}

func TestUpdateJobStatusPersistsOutcome(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob("job-1", nil)
	if err := store.InsertJobs(ctx, []*model.GenerationJob{job}); err != nil {
		t.Fatalf("InsertJobs: %v", err)
	}

	results := json.RawMessage(`{"contributionId":"contrib-1"}`)
	if err := store.UpdateJobStatus(ctx, "job-1", model.JobStatusCompleted, results, nil); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if string(got.Results) != string(results) {
		t.Errorf("results = %s", got.Results)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at must be set on a terminal write")
	}

	if err := store.UpdateJobStatus(ctx, "ghost", model.JobStatusFailed, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("updating an unknown job = %v, want ErrNotFound", err)
	}
}

func TestUpdateJobStatusPersistsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob("job-1", nil)
	if err := store.InsertJobs(ctx, []*model.GenerationJob{job}); err != nil {
		t.Fatalf("InsertJobs: %v", err)
	}

	jobErr := &model.JobError{Code: model.ErrCodeContextWindow, Message: "context window limit exceeded"}
	if err := store.UpdateJobStatus(ctx, "job-1", model.JobStatusFailed, nil, jobErr); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ErrorDetails == nil || got.ErrorDetails.Code != model.ErrCodeContextWindow {
		t.Errorf("error details = %+v, want the persisted code", got.ErrorDetails)
	}
}

func testContribution(id, contributionType string) *model.Contribution {
	return &model.Contribution{
		ID:               id,
		SessionID:        "session-1",
		ProjectID:        "project-1",
		StageSlug:        "hypothesis",
		IterationNumber:  1,
		ModelID:          "gpt-4o",
		DocumentKey:      "prd",
		ContributionType: contributionType,
		FileName:         id + ".md",
		StorageBucket:    "docs",
		StoragePath:      "projects/project-1/sessions/session-1",
		SizeBytes:        42,
		MimeType:         "text/markdown",
	}
}

func TestContributionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := testContribution("contrib-1", "prd")
	if err := store.SaveContribution(ctx, c); err != nil {
		t.Fatalf("SaveContribution: %v", err)
	}

	got, err := store.GetContribution(ctx, "contrib-1")
	if err != nil {
		t.Fatalf("GetContribution: %v", err)
	}
	if got.FileName != "contrib-1.md" || got.ContributionType != "prd" || !got.IsLatestEdit {
		t.Errorf("contribution = %+v", got)
	}

	if _, err := store.GetContribution(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetContribution(ghost) = %v, want ErrNotFound", err)
	}
}

func TestGetSourceDocumentResolvesFamilies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveContribution(ctx, testContribution("contrib-doc", "prd")); err != nil {
		t.Fatalf("SaveContribution: %v", err)
	}
	header := testContribution("contrib-header", "header_context")
	header.DocumentKey = "header_context"
	if err := store.SaveContribution(ctx, header); err != nil {
		t.Fatalf("SaveContribution: %v", err)
	}
	if err := store.SaveRenderedResource(ctx, &model.SourceDocument{
		ID:            "resource-1",
		ProjectID:     "project-1",
		SessionID:     "session-1",
		StageSlug:     "hypothesis",
		DocumentKey:   "prd",
		FileName:      "prd.md",
		StorageBucket: "docs",
		StoragePath:   "projects/project-1/rendered",
	}); err != nil {
		t.Fatalf("SaveRenderedResource: %v", err)
	}

	cases := []struct {
		id   string
		want model.SourceType
	}{
		{"contrib-doc", model.SourceTypeDocument},
		{"contrib-header", model.SourceTypeHeaderContext},
		{"resource-1", model.SourceTypeDocument},
	}
	for _, tc := range cases {
		doc, err := store.GetSourceDocument(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetSourceDocument(%s): %v", tc.id, err)
		}
		if doc.Type != tc.want {
			t.Errorf("GetSourceDocument(%s).Type = %s, want %s", tc.id, doc.Type, tc.want)
		}
		if !doc.HasStorageCoordinates() {
			t.Errorf("GetSourceDocument(%s) lost its storage coordinates", tc.id)
		}
	}

	if _, err := store.GetSourceDocument(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSourceDocument(ghost) = %v, want ErrNotFound", err)
	}
}

func TestListHeaderContextsScopesToModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mine := testContribution("header-mine", "header_context")
	if err := store.SaveContribution(ctx, mine); err != nil {
		t.Fatalf("SaveContribution: %v", err)
	}
	other := testContribution("header-other", "header_context")
	other.ModelID = "claude-3"
	other.FileName = "other.md"
	if err := store.SaveContribution(ctx, other); err != nil {
		t.Fatalf("SaveContribution: %v", err)
	}

	docs, err := store.ListHeaderContexts(ctx, DocumentQuery{
		SessionID:       "session-1",
		IterationNumber: 1,
		ModelID:         "gpt-4o",
	})
	if err != nil {
		t.Fatalf("ListHeaderContexts: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "header-mine" {
		t.Errorf("docs = %+v, want only the gpt-4o header context", docs)
	}
}

func TestFindByStorageCoordinates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveContribution(ctx, testContribution("contrib-1", "prd")); err != nil {
		t.Fatalf("SaveContribution: %v", err)
	}

	doc, err := store.FindByStorageCoordinates(ctx, "docs", "projects/project-1/sessions/session-1", "contrib-1.md")
	if err != nil {
		t.Fatalf("FindByStorageCoordinates: %v", err)
	}
	if doc.ID != "contrib-1" {
		t.Errorf("doc = %s, want contrib-1", doc.ID)
	}

	if _, err := store.FindByStorageCoordinates(ctx, "docs", "nowhere", "none.md"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing coordinates = %v, want ErrNotFound", err)
	}
}

func TestActiveRecipeForStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.db.Exec(
		`INSERT INTO recipes (id, stage_slug, is_active) VALUES ('recipe-1', 'hypothesis', 1)`); err != nil {
		t.Fatalf("insert recipe: %v", err)
	}
	step := model.RecipeStep{
		ID:                  "step-1",
		StepKey:             "draft",
		JobType:             model.JobTypeExecute,
		PromptTemplateID:    "tmpl-1",
		OutputType:          "prd",
		GranularityStrategy: "all_to_one",
		InputsRequired:      []model.InputRule{{Type: model.SourceTypeDocument}},
	}
	definition, _ := json.Marshal(step)
	if _, err := store.db.Exec(
		`INSERT INTO recipe_steps (id, recipe_id, execution_order, definition) VALUES ('step-1', 'recipe-1', 1, ?)`,
		string(definition)); err != nil {
		t.Fatalf("insert step: %v", err)
	}
	if _, err := store.db.Exec(
		`INSERT INTO recipe_edges (recipe_id, from_step_id, to_step_id) VALUES ('recipe-1', 'step-1', 'step-2')`); err != nil {
		t.Fatalf("insert edge: %v", err)
	}

	recipe, err := store.ActiveRecipeForStage(ctx, "hypothesis")
	if err != nil {
		t.Fatalf("ActiveRecipeForStage: %v", err)
	}
	if len(recipe.Steps) != 1 || recipe.Steps[0].ID != "step-1" {
		t.Fatalf("steps = %+v", recipe.Steps)
	}
	if recipe.Steps[0].GranularityStrategy != "all_to_one" {
		t.Errorf("strategy = %s", recipe.Steps[0].GranularityStrategy)
	}
	if len(recipe.Edges) != 1 || recipe.Edges[0].FromStepID != "step-1" {
		t.Errorf("edges = %+v", recipe.Edges)
	}

	if _, err := store.ActiveRecipeForStage(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown stage = %v, want ErrNotFound", err)
	}
}

func TestGetPromptTemplate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.db.Exec(
		`INSERT INTO prompt_templates (id, name, prompt_text) VALUES ('tmpl-1', 'draft-document', 'Draft the {{document_key}}.')`); err != nil {
		t.Fatalf("insert template: %v", err)
	}

	template, err := store.GetPromptTemplate(ctx, "tmpl-1")
	if err != nil {
		t.Fatalf("GetPromptTemplate: %v", err)
	}
	if template.Name != "draft-document" || template.PromptText != "Draft the {{document_key}}." {
		t.Errorf("template = %+v", template)
	}

	if _, err := store.GetPromptTemplate(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPromptTemplate(ghost) = %v, want ErrNotFound", err)
	}
}

func TestGetProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.db.Exec(
		`INSERT INTO projects (id, owner_user_id, name, created_at) VALUES ('project-1', 'owner-1', 'Docs', ?)`,
		time.Now().Unix()); err != nil {
		t.Fatalf("insert project: %v", err)
	}

	project, err := store.GetProject(ctx, "project-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if project.OwnerUserID != "owner-1" {
		t.Errorf("owner = %s, want owner-1", project.OwnerUserID)
	}

	if _, err := store.GetProject(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProject(ghost) = %v, want ErrNotFound", err)
	}
}
