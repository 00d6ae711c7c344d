package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docforge/engine/internal/client"
	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/repository"
)

type statusWrite struct {
	ID      string
	Status  model.JobStatus
	Results json.RawMessage
	Err     *model.JobError
}

type fakeJobRepo struct {
	jobs     map[string]*model.GenerationJob
	inserted []*model.GenerationJob
	writes   []statusWrite

	insertErr    error
	updateErrFor map[model.JobStatus]error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		jobs:         make(map[string]*model.GenerationJob),
		updateErrFor: make(map[model.JobStatus]error),
	}
}

func (f *fakeJobRepo) GetJob(ctx context.Context, id string) (*model.GenerationJob, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeJobRepo) InsertJobs(ctx context.Context, jobs []*model.GenerationJob) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, j := range jobs {
		f.jobs[j.ID] = j
		f.inserted = append(f.inserted, j)
	}
	return nil
}

func (f *fakeJobRepo) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, results json.RawMessage, jobErr *model.JobError) error {
	if err := f.updateErrFor[status]; err != nil {
		return err
	}
	f.writes = append(f.writes, statusWrite{ID: id, Status: status, Results: results, Err: jobErr})
	if j, ok := f.jobs[id]; ok {
		j.Status = status
		if jobErr != nil {
			j.ErrorDetails = jobErr
		}
	}
	return nil
}

func (f *fakeJobRepo) MarkProcessing(ctx context.Context, id string) (*model.GenerationJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return nil, repository.ErrNotFound
	}
	j.Status = model.JobStatusProcessing
	j.AttemptCount++
	return j, nil
}

func (f *fakeJobRepo) ListChildren(ctx context.Context, parentJobID string) ([]*model.GenerationJob, error) {
	var children []*model.GenerationJob
	for _, j := range f.jobs {
		if j.ParentJobID != nil && *j.ParentJobID == parentJobID {
			children = append(children, j)
		}
	}
	return children, nil
}

func (f *fakeJobRepo) ListBySession(ctx context.Context, sessionID string) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	for _, j := range f.jobs {
		if j.SessionID == sessionID {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (f *fakeJobRepo) lastWrite() statusWrite {
	if len(f.writes) == 0 {
		return statusWrite{}
	}
	return f.writes[len(f.writes)-1]
}

type fakeRecipeRepo struct {
	recipe    *model.Recipe
	templates map[string]*model.PromptTemplate
	err       error
}

func (f *fakeRecipeRepo) ActiveRecipeForStage(ctx context.Context, stageSlug string) (*model.Recipe, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.recipe, nil
}

func (f *fakeRecipeRepo) GetStep(ctx context.Context, stepID string) (*model.RecipeStep, error) {
	if f.recipe != nil {
		for i := range f.recipe.Steps {
			if f.recipe.Steps[i].ID == stepID {
				return &f.recipe.Steps[i], nil
			}
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRecipeRepo) GetPromptTemplate(ctx context.Context, templateID string) (*model.PromptTemplate, error) {
	if t, ok := f.templates[templateID]; ok {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

func testTemplates() map[string]*model.PromptTemplate {
	return map[string]*model.PromptTemplate{
		"tmpl-1": {
			ID:         "tmpl-1",
			Name:       "draft-document",
			PromptText: "Draft the {{document_key}} for stage {{stage_slug}}.",
		},
	}
}

type fakeEnqueuer struct {
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) EnqueueGeneration(jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

type sentEvent struct {
	Payload *model.NotificationPayload
	Target  string
}

type fakeGateway struct {
	events []sentEvent
}

func (f *fakeGateway) SendJobNotificationEvent(payload *model.NotificationPayload, targetUserID string) {
	f.events = append(f.events, sentEvent{Payload: payload, Target: targetUserID})
}

func (f *fakeGateway) SendDocumentCentricNotification(payload *model.NotificationPayload, targetUserID string) {
	scoped := *payload
	scoped.ModelID = ""
	scoped.DocumentKey = ""
	f.events = append(f.events, sentEvent{Payload: &scoped, Target: targetUserID})
}

func (f *fakeGateway) ofType(t model.NotificationType) []sentEvent {
	var matched []sentEvent
	for _, e := range f.events {
		if e.Payload.Type == t {
			matched = append(matched, e)
		}
	}
	return matched
}

type fakeDocRepo struct {
	byID          map[string]*model.SourceDocument
	byCoordinates map[string]*model.SourceDocument
	contributions map[string]*model.Contribution

	savedContributions []*model.Contribution
	savedResources     []*model.SourceDocument

	findErr error
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{
		byID:          make(map[string]*model.SourceDocument),
		byCoordinates: make(map[string]*model.SourceDocument),
		contributions: make(map[string]*model.Contribution),
	}
}

func (f *fakeDocRepo) add(doc *model.SourceDocument) {
	f.byID[doc.ID] = doc
	f.byCoordinates[doc.StoragePath+"/"+doc.FileName] = doc
}

func (f *fakeDocRepo) ListProjectResources(ctx context.Context, q repository.DocumentQuery) ([]*model.SourceDocument, error) {
	var docs []*model.SourceDocument
	for _, d := range f.byID {
		if d.Type == model.SourceTypeDocument {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (f *fakeDocRepo) ListFeedback(ctx context.Context, q repository.DocumentQuery) ([]*model.SourceDocument, error) {
	return nil, nil
}

func (f *fakeDocRepo) ListHeaderContexts(ctx context.Context, q repository.DocumentQuery) ([]*model.SourceDocument, error) {
	return nil, nil
}

func (f *fakeDocRepo) FindByStorageCoordinates(ctx context.Context, bucket, path, fileName string) (*model.SourceDocument, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if d, ok := f.byCoordinates[path+"/"+fileName]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDocRepo) GetSourceDocument(ctx context.Context, id string) (*model.SourceDocument, error) {
	if d, ok := f.byID[id]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDocRepo) SaveContribution(ctx context.Context, c *model.Contribution) error {
	f.contributions[c.ID] = c
	f.savedContributions = append(f.savedContributions, c)
	return nil
}

func (f *fakeDocRepo) GetContribution(ctx context.Context, id string) (*model.Contribution, error) {
	if c, ok := f.contributions[id]; ok {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDocRepo) SaveRenderedResource(ctx context.Context, d *model.SourceDocument) error {
	f.savedResources = append(f.savedResources, d)
	return nil
}

type fakeObjectStore struct {
	objects   map[string][]byte
	uploads   []string
	downloads []string
	err       error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	f.downloads = append(f.downloads, key)
	if f.err != nil {
		return nil, f.err
	}
	if data, ok := f.objects[key]; ok {
		return data, nil
	}
	return []byte{}, nil
}

func (f *fakeObjectStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, key)
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, bucket string, keys []string) error {
	return nil
}

type fakeRag struct {
	embeddings map[string][]float64
	summaries  map[string]string

	embedCalls     []string
	summarizeCalls []string
	embedErr       error
	summarizeErr   error
}

func newFakeRag() *fakeRag {
	return &fakeRag{
		embeddings: make(map[string][]float64),
		summaries:  make(map[string]string),
	}
}

func (f *fakeRag) Embed(ctx context.Context, text string) ([]float64, error) {
	f.embedCalls = append(f.embedCalls, text)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	if vec, ok := f.embeddings[text]; ok {
		return vec, nil
	}
	return []float64{1, 0}, nil
}

func (f *fakeRag) SummarizeDocument(ctx context.Context, doc *model.SourceDocument, sessionID, stageSlug string) (string, error) {
	f.summarizeCalls = append(f.summarizeCalls, doc.ID)
	if f.summarizeErr != nil {
		return "", f.summarizeErr
	}
	if s, ok := f.summaries[doc.ID]; ok {
		return s, nil
	}
	return "s", nil
}

type fakeInvoker struct {
	resp     *client.UnifiedResponse
	err      error
	requests []*client.UnifiedRequest
}

func (f *fakeInvoker) CallUnifiedAIModel(ctx context.Context, req *client.UnifiedRequest) (*client.UnifiedResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &client.UnifiedResponse{Content: "output", ContentType: "text/markdown", FinishReason: "stop"}, nil
}

// byteCounter counts one token per byte, which makes budgets exact in tests.
type byteCounter struct{}

func (byteCounter) Count(text string) int { return len(text) }

var errBoom = fmt.Errorf("boom")
