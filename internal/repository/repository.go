package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/docforge/engine/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// JobRepository is the job-table contract. Insert and update failures are
// ordinary recoverable errors, never process-fatal ones; the orchestrator
// converts them into explicit terminal writes.
type JobRepository interface {
	GetJob(ctx context.Context, id string) (*model.GenerationJob, error)
	// InsertJobs persists a batch of child jobs in a single insert.
	InsertJobs(ctx context.Context, jobs []*model.GenerationJob) error
	// UpdateJobStatus writes status and, when non-nil, results/error_details
	// for a single row.
	UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, results json.RawMessage, jobErr *model.JobError) error
	// MarkProcessing transitions a claimed job to processing and increments
	// its attempt count, returning the fresh row.
	MarkProcessing(ctx context.Context, id string) (*model.GenerationJob, error)
	ListChildren(ctx context.Context, parentJobID string) ([]*model.GenerationJob, error)
	ListBySession(ctx context.Context, sessionID string) ([]*model.GenerationJob, error)
}

// RecipeRepository reads stage recipes. Recipes are authored and cloned by an
// external collaborator; they are read-only at job-processing time.
type RecipeRepository interface {
	// ActiveRecipeForStage resolves the stage's active recipe instance, or
	// the template steps when no cloned instance exists.
	ActiveRecipeForStage(ctx context.Context, stageSlug string) (*model.Recipe, error)
	GetStep(ctx context.Context, stepID string) (*model.RecipeStep, error)
	GetPromptTemplate(ctx context.Context, templateID string) (*model.PromptTemplate, error)
}

// DocumentQuery narrows a document-family listing. Zero-valued fields are
// not filtered on.
type DocumentQuery struct {
	ProjectID       string
	SessionID       string
	StageSlug       string
	DocumentKey     string
	ModelID         string
	IterationNumber int
}

// DocumentRepository queries the three source-document families and registers
// new artifacts.
type DocumentRepository interface {
	ListProjectResources(ctx context.Context, q DocumentQuery) ([]*model.SourceDocument, error)
	ListFeedback(ctx context.Context, q DocumentQuery) ([]*model.SourceDocument, error)
	// ListHeaderContexts queries the generated-contributions family filtered
	// to header-context artifacts.
	ListHeaderContexts(ctx context.Context, q DocumentQuery) ([]*model.SourceDocument, error)
	// FindByStorageCoordinates resolves a document against its origin family
	// by storage path and file name, used to enrich identity-less content.
	FindByStorageCoordinates(ctx context.Context, bucket, path, fileName string) (*model.SourceDocument, error)
	// GetSourceDocument resolves a document id against all three families.
	GetSourceDocument(ctx context.Context, id string) (*model.SourceDocument, error)
	SaveContribution(ctx context.Context, c *model.Contribution) error
	GetContribution(ctx context.Context, id string) (*model.Contribution, error)
	// SaveRenderedResource registers a rendered document in the
	// project-resources family.
	SaveRenderedResource(ctx context.Context, d *model.SourceDocument) error
}

// ProjectRepository resolves project ownership for notification delivery.
type ProjectRepository interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
}
