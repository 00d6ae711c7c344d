package render

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/docforge/engine/internal/client"
	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/repository"
)

// RenderParams identifies the contribution to render and where the rendered
// document belongs.
type RenderParams struct {
	ProjectID            string
	SessionID            string
	StageSlug            string
	IterationNumber      int
	DocumentIdentity     string
	DocumentKey          string
	SourceContributionID string
	TemplateFilename     string
}

// PathContext records where a rendered document came from and where it went.
// SourceContributionID here reflects the contribution actually rendered.
type PathContext struct {
	ProjectID            string `json:"projectId"`
	SessionID            string `json:"sessionId"`
	StageSlug            string `json:"stageSlug"`
	IterationNumber      int    `json:"iterationNumber"`
	SourceContributionID string `json:"sourceContributionId"`
	FileName             string `json:"fileName"`
	StoragePath          string `json:"storagePath"`
}

// RenderResult is the outcome of a successful render.
type RenderResult struct {
	RenderedResourceID string
	PathContext        PathContext
}

// DocumentRenderer turns a raw contribution into a rendered project resource.
type DocumentRenderer interface {
	RenderDocument(ctx context.Context, params *RenderParams) (*RenderResult, error)
}

// Renderer renders markdown documents from stored contributions.
type Renderer struct {
	docs    repository.DocumentRepository
	storage client.StorageClient
	bucket  string
}

// NewRenderer creates a markdown document renderer.
func NewRenderer(docs repository.DocumentRepository, storage client.StorageClient, bucket string) *Renderer {
	return &Renderer{docs: docs, storage: storage, bucket: bucket}
}

// RenderDocument loads the source contribution, wraps its content in the
// document frame, uploads the result, and registers it as a project resource.
func (r *Renderer) RenderDocument(ctx context.Context, params *RenderParams) (*RenderResult, error) {
	if params.SourceContributionID == "" {
		return nil, fmt.Errorf("render requires a source contribution id")
	}

	contribution, err := r.docs.GetContribution(ctx, params.SourceContributionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source contribution %s: %w", params.SourceContributionID, err)
	}

	raw, err := r.storage.Download(ctx, contribution.StorageBucket, path.Join(contribution.StoragePath, contribution.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to download source contribution %s: %w", contribution.ID, err)
	}

	rendered := r.frame(params, string(raw))

	fileName := fmt.Sprintf("%s.md", params.DocumentIdentity)
	storagePath := fmt.Sprintf("projects/%s/sessions/%s/iteration_%d/%s/rendered",
		params.ProjectID, params.SessionID, params.IterationNumber, params.StageSlug)

	if err := r.storage.Upload(ctx, r.bucket, path.Join(storagePath, fileName), []byte(rendered), "text/markdown"); err != nil {
		return nil, fmt.Errorf("failed to upload rendered document: %w", err)
	}

	resource := &model.SourceDocument{
		ID:              uuid.New().String(),
		ProjectID:       params.ProjectID,
		SessionID:       params.SessionID,
		StageSlug:       params.StageSlug,
		IterationNumber: params.IterationNumber,
		DocumentKey:     params.DocumentKey,
		Type:            model.SourceTypeDocument,
		FileName:        fileName,
		StorageBucket:   r.bucket,
		StoragePath:     storagePath,
	}
	if err := r.docs.SaveRenderedResource(ctx, resource); err != nil {
		return nil, err
	}

	return &RenderResult{
		RenderedResourceID: resource.ID,
		PathContext: PathContext{
			ProjectID:            params.ProjectID,
			SessionID:            params.SessionID,
			StageSlug:            params.StageSlug,
			IterationNumber:      params.IterationNumber,
			SourceContributionID: contribution.ID,
			FileName:             fileName,
			StoragePath:          storagePath,
		},
	}, nil
}

// frame wraps content in the standard document header. Content that already
// opens with a top-level heading is kept as-is below the metadata block.
func (r *Renderer) frame(params *RenderParams, content string) string {
	var sb strings.Builder
	if !strings.HasPrefix(strings.TrimSpace(content), "# ") {
		fmt.Fprintf(&sb, "# %s\n\n", titleFromKey(params.DocumentKey))
	}
	fmt.Fprintf(&sb, "<!-- %s | %s | iteration %d -->\n\n", params.DocumentIdentity, params.StageSlug, params.IterationNumber)
	sb.WriteString(strings.TrimSpace(content))
	sb.WriteString("\n")
	return sb.String()
}

func titleFromKey(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
