package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docforge/engine/internal/client"
	"github.com/docforge/engine/internal/config"
	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/notify"
	"github.com/docforge/engine/internal/repository"
	"github.com/docforge/engine/internal/tokens"
)

// A truncated response chains at most this many continuation jobs before the
// chunk is accepted as-is.
const maxContinuations = 5

// Executor runs EXECUTE jobs: assemble the model context, compress it when it
// exceeds the provider's input budget, invoke the model, and persist the
// output as a contribution.
type Executor struct {
	jobs     repository.JobRepository
	docs     repository.DocumentRepository
	storage  client.StorageClient
	rag      client.RagService
	invoker  client.ModelInvoker
	counter  tokens.Counter
	gateway  notify.Gateway
	provider config.ProviderConfig
	bucket   string
}

// NewExecutor creates an EXECUTE-job worker.
func NewExecutor(
	jobs repository.JobRepository,
	docs repository.DocumentRepository,
	storage client.StorageClient,
	rag client.RagService,
	invoker client.ModelInvoker,
	counter tokens.Counter,
	gateway notify.Gateway,
	provider config.ProviderConfig,
	bucket string,
) *Executor {
	return &Executor{
		jobs:     jobs,
		docs:     docs,
		storage:  storage,
		rag:      rag,
		invoker:  invoker,
		counter:  counter,
		gateway:  gateway,
		provider: provider,
		bucket:   bucket,
	}
}

// ExecuteOutcome reports what one EXECUTE attempt produced. A non-empty
// ContinuationJobID means the model stopped at its output limit and a
// follow-up job row was inserted; the caller must enqueue it.
type ExecuteOutcome struct {
	ContributionID    string
	FinishReason      string
	ContinuationJobID string
}

// ExecuteModelCallAndSave runs one EXECUTE job end to end.
func (e *Executor) ExecuteModelCallAndSave(ctx context.Context, job *model.GenerationJob, ownerID string) (*ExecuteOutcome, error) {
	payload, err := model.ParseExecutePayload(job.Payload)
	if err != nil {
		return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeConfiguration, err.Error())
	}
	if payload.Prompt == "" {
		return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeConfiguration,
			"execute payload is missing a prompt")
	}

	docs, err := e.loadSourceDocuments(ctx, payload.SourceDocumentIDs)
	if err != nil {
		code := model.ErrCodeStorage
		if errors.Is(err, repository.ErrNotFound) {
			code = model.ErrCodeDataAvailability
		}
		return nil, e.failJob(ctx, job, payload, ownerID, code, err.Error())
	}

	priorContent, err := e.loadPriorChunk(ctx, payload)
	if err != nil {
		return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeStorage, err.Error())
	}

	fixed := e.counter.Count(payload.SystemInstruction) + e.counter.Count(payload.Prompt) + e.counter.Count(priorContent)
	if totalTokens(e.counter, fixed, docs) > e.provider.TokenBudget() {
		if err := e.compressInputs(ctx, payload, docs, fixed); err != nil {
			switch {
			case errors.Is(err, model.ErrContextWindowExceeded):
				return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeContextWindow, err.Error())
			case errors.Is(err, repository.ErrNotFound):
				return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeDataAvailability, err.Error())
			default:
				return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeInternal, err.Error())
			}
		}
	}

	resp, err := e.invoker.CallUnifiedAIModel(ctx, e.buildRequest(payload, docs, priorContent))
	if err != nil {
		return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeInternal,
			fmt.Sprintf("model invocation failed: %v", err))
	}

	contribution, err := e.saveOutput(ctx, job, payload, resp)
	if err != nil {
		return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeStorage, err.Error())
	}

	outcome := &ExecuteOutcome{
		ContributionID: contribution.ID,
		FinishReason:   resp.FinishReason,
	}

	if resp.FinishReason == "length" && payload.ContinuationCount < maxContinuations {
		continuationID, err := e.insertContinuation(ctx, job, payload, contribution.ID)
		if err != nil {
			return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeInternal,
				fmt.Sprintf("Failed to insert continuation job: %v", err))
		}
		outcome.ContinuationJobID = continuationID
	}

	results, _ := json.Marshal(map[string]any{
		"contributionId": contribution.ID,
		"finish_reason":  resp.FinishReason,
		"tokens_input":   resp.InputTokens,
		"tokens_output":  resp.OutputTokens,
	})
	if err := e.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusCompleted, results, nil); err != nil {
		return nil, e.failJob(ctx, job, payload, ownerID, model.ErrCodeInternal,
			fmt.Sprintf("Failed to update job status: %v", err))
	}

	// Header-context output is an internal artifact; only document-producing
	// chunks surface to the owner.
	if payload.OutputType != "header_context" {
		event := &model.NotificationPayload{
			Type:            model.NotificationExecuteChunkCompleted,
			SessionID:       payload.SessionID,
			StageSlug:       payload.StageSlug,
			IterationNumber: payload.IterationNumber,
			JobID:           job.ID,
			ModelID:         payload.ModelID,
			DocumentKey:     payload.DocumentKey,
		}
		if payload.PlannerMetadata != nil {
			event.StepKey = payload.PlannerMetadata.StepKey
		}
		e.gateway.SendJobNotificationEvent(event, ownerID)
	}

	return outcome, nil
}

// loadSourceDocuments resolves each id against the document families and
// downloads its content. A zero-length object is valid content.
func (e *Executor) loadSourceDocuments(ctx context.Context, ids []string) ([]*model.SourceDocument, error) {
	docs := make([]*model.SourceDocument, 0, len(ids))
	for _, id := range ids {
		doc, err := e.docs.GetSourceDocument(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("source document %s: %w", id, repository.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to resolve source document %s: %w", id, err)
		}
		if !doc.HasStorageCoordinates() {
			return nil, fmt.Errorf("source document %s has no storage coordinates", id)
		}
		data, err := e.storage.Download(ctx, doc.StorageBucket, path.Join(doc.StoragePath, doc.FileName))
		if err != nil {
			return nil, fmt.Errorf("failed to download source document %s: %w", id, err)
		}
		doc.Content = string(data)
		docs = append(docs, doc)
	}
	return docs, nil
}

// loadPriorChunk fetches the content of the contribution this job continues,
// or "" when the job is not a continuation.
func (e *Executor) loadPriorChunk(ctx context.Context, payload *model.ExecuteJobPayload) (string, error) {
	if payload.TargetContributionID == "" {
		return "", nil
	}
	prior, err := e.docs.GetContribution(ctx, payload.TargetContributionID)
	if err != nil {
		return "", fmt.Errorf("failed to load prior chunk %s: %w", payload.TargetContributionID, err)
	}
	data, err := e.storage.Download(ctx, prior.StorageBucket, path.Join(prior.StoragePath, prior.FileName))
	if err != nil {
		return "", fmt.Errorf("failed to download prior chunk %s: %w", prior.ID, err)
	}
	return string(data), nil
}

func totalTokens(counter tokens.Counter, fixed int, docs []*model.SourceDocument) int {
	total := fixed
	for _, doc := range docs {
		total += counter.Count(doc.Content)
	}
	return total
}

// compressInputs shrinks the lowest-value documents in place until the
// assembled context fits the input budget. Candidates are scored once per
// attempt; document order is never changed by compression.
func (e *Executor) compressInputs(ctx context.Context, payload *model.ExecuteJobPayload, docs []*model.SourceDocument, fixed int) error {
	budget := e.provider.TokenBudget()

	// Identity must be complete before a document can be scored. Content with
	// unresolvable identity is a data integrity failure, not a soft skip.
	for _, doc := range docs {
		if doc.HasIdentity() {
			continue
		}
		enriched, err := e.docs.FindByStorageCoordinates(ctx, doc.StorageBucket, doc.StoragePath, doc.FileName)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("cannot construct compression candidate for document %s: identity could not be resolved: %w",
				doc.ID, repository.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to enrich identity of document %s: %w", doc.ID, err)
		}
		if doc.DocumentKey == "" {
			doc.DocumentKey = enriched.DocumentKey
		}
		if doc.Type == "" {
			doc.Type = enriched.Type
		}
		if doc.StageSlug == "" {
			doc.StageSlug = enriched.StageSlug
		}
		if !doc.HasIdentity() {
			return fmt.Errorf("cannot construct compression candidate for document %s: identity could not be resolved: %w",
				doc.ID, repository.ErrNotFound)
		}
	}

	promptVec, err := e.rag.Embed(ctx, payload.Prompt)
	if err != nil {
		return fmt.Errorf("failed to embed prompt for compression scoring: %w", err)
	}

	candidates := make([]model.CompressionCandidate, 0, len(docs))
	for i, doc := range docs {
		if doc.Content == "" {
			continue
		}
		docVec, err := e.rag.Embed(ctx, doc.Content)
		if err != nil {
			return fmt.Errorf("failed to embed document %s for compression scoring: %w", doc.ID, err)
		}
		relevance := relevanceFor(payload.InputsRelevance, doc)
		similarity := cosineSimilarity(promptVec, docVec)
		candidates = append(candidates, model.CompressionCandidate{
			ID:             doc.ID,
			Content:        doc.Content,
			SourceType:     doc.Type,
			OriginalIndex:  i,
			ValueScore:     relevance,
			EffectiveScore: relevance * (1 - similarity),
		})
	}

	// Lowest effective score compresses first; ties keep document order.
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].EffectiveScore < candidates[b].EffectiveScore
	})

	for _, candidate := range candidates {
		doc := docs[candidate.OriginalIndex]
		summary, err := e.rag.SummarizeDocument(ctx, doc, payload.SessionID, payload.StageSlug)
		if err != nil {
			return fmt.Errorf("failed to summarize document %s: %w", doc.ID, err)
		}
		doc.Content = summary
		if totalTokens(e.counter, fixed, docs) <= budget {
			return nil
		}
	}

	return fmt.Errorf("context still exceeds the input budget after compressing all %d candidates: %w",
		len(candidates), model.ErrContextWindowExceeded)
}

// relevanceFor resolves a document's relevance weight. A stage-specific rule
// beats a general rule for the same document key; unmatched documents weigh 1.
func relevanceFor(rules []model.RelevanceRule, doc *model.SourceDocument) float64 {
	var general *model.RelevanceRule
	for i := range rules {
		rule := &rules[i]
		if rule.DocumentKey != doc.DocumentKey {
			continue
		}
		if rule.StageSlug != "" {
			if rule.StageSlug == doc.StageSlug {
				return rule.Weight
			}
			continue
		}
		if general == nil {
			general = rule
		}
	}
	if general != nil {
		return general.Weight
	}
	return 1.0
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// buildRequest assembles the chat request. Documents keep their original
// order regardless of any compression that happened.
func (e *Executor) buildRequest(payload *model.ExecuteJobPayload, docs []*model.SourceDocument, priorContent string) *client.UnifiedRequest {
	var sb strings.Builder
	for _, doc := range docs {
		if doc.Content == "" {
			continue
		}
		fmt.Fprintf(&sb, "<document key=%q stage=%q>\n%s\n</document>\n\n", doc.DocumentKey, doc.StageSlug, doc.Content)
	}
	sb.WriteString(payload.Prompt)

	messages := []client.ChatMessage{{Role: "user", Content: sb.String()}}
	if priorContent != "" {
		messages = append(messages,
			client.ChatMessage{Role: "assistant", Content: priorContent},
			client.ChatMessage{Role: "user", Content: "Continue exactly where the previous response stopped. Do not repeat any earlier content."},
		)
	}

	return &client.UnifiedRequest{
		Model:             payload.ModelID,
		SystemInstruction: payload.SystemInstruction,
		Messages:          messages,
		MaxTokens:         e.provider.MaxOutputTokens,
	}
}

// saveOutput uploads the model response and registers it as a contribution.
func (e *Executor) saveOutput(ctx context.Context, job *model.GenerationJob, payload *model.ExecuteJobPayload, resp *client.UnifiedResponse) (*model.Contribution, error) {
	identity := payload.DocumentIdentity
	if identity == "" {
		identity = payload.DocumentKey
	}
	if identity == "" {
		identity = payload.OutputType
	}

	fileName := fmt.Sprintf("%s.md", identity)
	if payload.ContinuationCount > 0 {
		fileName = fmt.Sprintf("%s_continuation_%d.md", identity, payload.ContinuationCount)
	}
	storagePath := fmt.Sprintf("projects/%s/sessions/%s/iteration_%d/%s",
		payload.ProjectID, payload.SessionID, payload.IterationNumber, payload.StageSlug)

	content := []byte(resp.Content)
	if err := e.storage.Upload(ctx, e.bucket, path.Join(storagePath, fileName), content, resp.ContentType); err != nil {
		return nil, fmt.Errorf("failed to upload model output: %w", err)
	}

	contribution := &model.Contribution{
		ID:               uuid.New().String(),
		SessionID:        payload.SessionID,
		ProjectID:        payload.ProjectID,
		StageSlug:        payload.StageSlug,
		IterationNumber:  payload.IterationNumber,
		ModelID:          payload.ModelID,
		DocumentKey:      payload.DocumentKey,
		ContributionType: payload.OutputType,
		FileName:         fileName,
		StorageBucket:    e.bucket,
		StoragePath:      storagePath,
		SizeBytes:        int64(len(content)),
		MimeType:         resp.ContentType,
		TokensInput:      resp.InputTokens,
		TokensOutput:     resp.OutputTokens,
		IsLatestEdit:     true,
	}
	if err := e.docs.SaveContribution(ctx, contribution); err != nil {
		return nil, err
	}
	return contribution, nil
}

// insertContinuation persists a pending copy of this job targeted at the
// chunk just saved. The caller enqueues it after the current job completes.
func (e *Executor) insertContinuation(ctx context.Context, job *model.GenerationJob, payload *model.ExecuteJobPayload, contributionID string) (string, error) {
	next := *payload
	next.TargetContributionID = contributionID
	next.ContinuationCount = payload.ContinuationCount + 1
	raw, err := json.Marshal(&next)
	if err != nil {
		return "", fmt.Errorf("failed to marshal continuation payload: %w", err)
	}

	continuation := &model.GenerationJob{
		ID:                   uuid.New().String(),
		ParentJobID:          job.ParentJobID,
		PrerequisiteJobID:    &job.ID,
		TargetContributionID: &contributionID,
		JobType:              model.JobTypeExecute,
		Status:               model.JobStatusPending,
		UserID:               job.UserID,
		SessionID:            job.SessionID,
		StageSlug:            job.StageSlug,
		IterationNumber:      job.IterationNumber,
		MaxRetries:           job.MaxRetries,
		Payload:              raw,
		CreatedAt:            time.Now(),
	}
	if err := e.jobs.InsertJobs(ctx, []*model.GenerationJob{continuation}); err != nil {
		return "", err
	}
	return continuation.ID, nil
}

// failJob performs the terminal failed write and emits exactly one job_failed
// event scoped to this job's model and document.
func (e *Executor) failJob(ctx context.Context, job *model.GenerationJob, payload *model.ExecuteJobPayload, ownerID, code, message string) error {
	jobErr := &model.JobError{Code: code, Message: message}
	if err := e.jobs.UpdateJobStatus(ctx, job.ID, model.JobStatusFailed, nil, jobErr); err != nil {
		log.Printf("Failed to mark job %s as failed: %v", job.ID, err)
	}
	event := &model.NotificationPayload{
		Type:  model.NotificationJobFailed,
		JobID: job.ID,
		Error: jobErr,
	}
	if payload != nil {
		event.SessionID = payload.SessionID
		event.StageSlug = payload.StageSlug
		event.IterationNumber = payload.IterationNumber
		event.ModelID = payload.ModelID
		event.DocumentKey = payload.DocumentKey
	}
	e.gateway.SendJobNotificationEvent(event, ownerID)
	return jobErr
}
