package planner

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/docforge/engine/internal/client"
	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/repository"
)

// ErrRequiredInputNotFound marks a required input rule that matched zero
// documents. The caller treats this as "required input not found", not as an
// empty set.
var ErrRequiredInputNotFound = errors.New("required input not found")

// ResolveContext scopes a resolution to one job tree's root context.
type ResolveContext struct {
	ProjectID       string
	SessionID       string
	IterationNumber int
	ModelID         string
}

// Resolver finds candidate documents for an input rule across the three
// source-document families and downloads their content.
type Resolver struct {
	docs    repository.DocumentRepository
	storage client.StorageClient
}

// NewResolver creates a resolver over the document repository and object
// store.
func NewResolver(docs repository.DocumentRepository, storage client.StorageClient) *Resolver {
	return &Resolver{docs: docs, storage: storage}
}

// Resolve routes the rule to its document family, applies the rule's filters
// in order of specificity, and downloads content for every match. An
// optional rule matching nothing yields an empty, nil-error result; a
// required rule matching nothing fails.
func (r *Resolver) Resolve(ctx context.Context, rule model.InputRule, rc ResolveContext) ([]*model.SourceDocument, error) {
	q := repository.DocumentQuery{
		ProjectID:       rc.ProjectID,
		SessionID:       rc.SessionID,
		IterationNumber: rc.IterationNumber,
	}

	// Most specific filter wins: documentKey, else stage, else family only.
	if rule.DocumentKey != "" {
		q.DocumentKey = rule.DocumentKey
	} else if stage := ruleStage(rule); stage != "" {
		q.StageSlug = stage
	}

	var (
		docs []*model.SourceDocument
		err  error
	)
	switch rule.Type {
	case model.SourceTypeDocument:
		docs, err = r.docs.ListProjectResources(ctx, q)
	case model.SourceTypeFeedback:
		docs, err = r.docs.ListFeedback(ctx, q)
	case model.SourceTypeHeaderContext:
		q.ModelID = rc.ModelID
		docs, err = r.docs.ListHeaderContexts(ctx, q)
	default:
		return nil, fmt.Errorf("unsupported input type '%s' provided to the source document resolver", rule.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source documents for type '%s': %w", rule.Type, err)
	}

	docs = dedupeByFileName(docs)

	if len(docs) == 0 {
		if rule.IsRequired() {
			return nil, fmt.Errorf("a required input of type '%s' was not found for the current job: %w",
				rule.Type, ErrRequiredInputNotFound)
		}
		return nil, nil
	}

	for _, doc := range docs {
		if !doc.HasStorageCoordinates() {
			return nil, fmt.Errorf("document %s is missing required storage information (file_name, storage_bucket, or storage_path)", doc.ID)
		}
		content, err := r.storage.Download(ctx, doc.StorageBucket, path.Join(doc.StoragePath, doc.FileName))
		if err != nil {
			return nil, fmt.Errorf("storage download failure for document %s: %w", doc.ID, err)
		}
		// An empty download is a valid empty document.
		doc.Content = string(content)
	}

	return docs, nil
}

// ruleStage picks the rule's stage filter: stage_slug when present, else the
// slug field unless it is the "any" wildcard.
func ruleStage(rule model.InputRule) string {
	if rule.StageSlug != "" {
		return rule.StageSlug
	}
	if rule.Slug != "" && rule.Slug != "any" {
		return rule.Slug
	}
	return ""
}

// dedupeByFileName keeps the first (most recent) record per file name.
func dedupeByFileName(docs []*model.SourceDocument) []*model.SourceDocument {
	seen := make(map[string]bool, len(docs))
	deduped := docs[:0:0]
	for _, doc := range docs {
		if seen[doc.FileName] {
			continue
		}
		seen[doc.FileName] = true
		deduped = append(deduped, doc)
	}
	return deduped
}
