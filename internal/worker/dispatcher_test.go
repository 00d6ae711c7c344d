package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/docforge/engine/internal/config"
	"github.com/docforge/engine/internal/model"
	"github.com/docforge/engine/internal/planner"
	"github.com/docforge/engine/internal/queue"
	"github.com/docforge/engine/internal/repository"
)

type fakeProjectRepo struct {
	projects map[string]*model.Project
	err      error
}

func (f *fakeProjectRepo) GetProject(ctx context.Context, id string) (*model.Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.projects[id]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

type dispatcherFixture struct {
	jobs     *fakeJobRepo
	docs     *fakeDocRepo
	store    *fakeObjectStore
	rag      *fakeRag
	invoker  *fakeInvoker
	gateway  *fakeGateway
	enqueuer *fakeEnqueuer
	projects *fakeProjectRepo
	recipes  *fakeRecipeRepo
	renderer *fakeRenderer
}

func newDispatcherFixture() (*Dispatcher, *dispatcherFixture) {
	f := &dispatcherFixture{
		jobs:     newFakeJobRepo(),
		docs:     newFakeDocRepo(),
		store:    newFakeObjectStore(),
		rag:      newFakeRag(),
		invoker:  &fakeInvoker{},
		gateway:  &fakeGateway{},
		enqueuer: &fakeEnqueuer{},
		projects: &fakeProjectRepo{projects: map[string]*model.Project{
			"project-1": {ID: "project-1", OwnerUserID: "owner-1"},
		}},
		recipes:  &fakeRecipeRepo{templates: testTemplates()},
		renderer: &fakeRenderer{},
	}
	p := planner.New(planner.NewResolver(f.docs, f.store), f.recipes)
	orchestrator := NewOrchestrator(f.jobs, f.recipes, p, f.enqueuer, f.gateway)
	executor := NewExecutor(f.jobs, f.docs, f.store, f.rag, f.invoker, byteCounter{}, f.gateway,
		config.ProviderConfig{ContextWindow: 1000, MaxOutputTokens: 512}, "docs")
	runner := NewRenderRunner(f.jobs, f.renderer, f.gateway)
	return NewDispatcher(f.jobs, f.projects, f.enqueuer, orchestrator, executor, runner, f.gateway), f
}

func genTask(jobID string) *asynq.Task {
	raw, _ := json.Marshal(queue.TaskPayload{JobID: jobID})
	return asynq.NewTask(queue.TaskTypeGeneration, raw)
}

func TestDispatcherSkipsUnknownJob(t *testing.T) {
	d, f := newDispatcherFixture()

	if err := d.ProcessTask(context.Background(), genTask("ghost")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(f.jobs.writes) != 0 {
		t.Error("an unknown job must produce no writes")
	}
}

func TestDispatcherSkipsTerminalJob(t *testing.T) {
	d, f := newDispatcherFixture()
	job := executeJob("job-1", executePayload())
	job.Status = model.JobStatusCompleted
	f.jobs.jobs[job.ID] = job

	if err := d.ProcessTask(context.Background(), genTask("job-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(f.jobs.writes) != 0 || len(f.invoker.requests) != 0 {
		t.Error("a terminal job must not be reprocessed")
	}
}

func TestDispatcherUnknownJobTypeFails(t *testing.T) {
	d, f := newDispatcherFixture()
	job := executeJob("job-1", executePayload())
	job.JobType = model.JobType("TRANSMUTE")
	f.jobs.jobs[job.ID] = job

	if err := d.ProcessTask(context.Background(), genTask("job-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	w := f.jobs.lastWrite()
	if w.Status != model.JobStatusFailed || w.Err.Code != model.ErrCodeConfiguration {
		t.Fatalf("write = %+v, want failed/%s", w, model.ErrCodeConfiguration)
	}
	if !strings.Contains(w.Err.Message, "TRANSMUTE") {
		t.Errorf("message = %q, want the unknown type named", w.Err.Message)
	}
}

func TestDispatcherExecuteCompletionWakesParent(t *testing.T) {
	d, f := newDispatcherFixture()

	parent := planJob("parent-1")
	parent.Status = model.JobStatusWaitingForChildren
	f.jobs.jobs[parent.ID] = parent

	child := executeJob("child-1", executePayload())
	parentID := parent.ID
	child.ParentJobID = &parentID
	child.Status = model.JobStatusPending
	f.jobs.jobs[child.ID] = child

	if err := d.ProcessTask(context.Background(), genTask("child-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if f.jobs.jobs["child-1"].Status != model.JobStatusCompleted {
		t.Fatalf("child status = %s, want completed", f.jobs.jobs["child-1"].Status)
	}
	if f.jobs.jobs["parent-1"].Status != model.JobStatusPendingNextStep {
		t.Fatalf("parent status = %s, want pending_next_step", f.jobs.jobs["parent-1"].Status)
	}
	if len(f.enqueuer.enqueued) != 1 || f.enqueuer.enqueued[0] != "parent-1" {
		t.Errorf("enqueued = %v, want the parent re-queued", f.enqueuer.enqueued)
	}

	done := f.gateway.ofType(model.NotificationExecuteCompleted)
	if len(done) != 1 {
		t.Fatalf("execute_completed events = %d, want 1", len(done))
	}
	if done[0].Target != "owner-1" {
		t.Errorf("target = %q, want the project owner", done[0].Target)
	}
	if done[0].Payload.StepKey != "one" {
		t.Errorf("execute_completed step_key = %q, want one", done[0].Payload.StepKey)
	}
}

func TestDispatcherPlannedChildExecutesToCompletion(t *testing.T) {
	d, f := newDispatcherFixture()
	f.recipes.recipe = &model.Recipe{
		StageSlug: "hypothesis",
		Steps:     []model.RecipeStep{executeStep("step-1", "one")},
	}
	f.docs.add(&model.SourceDocument{
		ID:            "doc-1",
		DocumentKey:   "prd",
		Type:          model.SourceTypeDocument,
		StageSlug:     "hypothesis",
		FileName:      "prd.md",
		StorageBucket: "docs",
		StoragePath:   "projects/project-1",
	})

	parent := planJob("parent-1")
	f.jobs.jobs[parent.ID] = parent

	if err := d.ProcessTask(context.Background(), genTask("parent-1")); err != nil {
		t.Fatalf("ProcessTask(parent): %v", err)
	}
	if len(f.jobs.inserted) != 1 {
		t.Fatalf("inserted = %d children, want 1", len(f.jobs.inserted))
	}
	child := f.jobs.inserted[0]

	if err := d.ProcessTask(context.Background(), genTask(child.ID)); err != nil {
		t.Fatalf("ProcessTask(child): %v", err)
	}

	if got := f.jobs.jobs[child.ID].Status; got != model.JobStatusCompleted {
		t.Fatalf("child status = %s, want completed", got)
	}
	if len(f.invoker.requests) != 1 {
		t.Fatalf("model calls = %d, want 1", len(f.invoker.requests))
	}
	want := "Draft the prd for stage hypothesis."
	msgs := f.invoker.requests[0].Messages
	if len(msgs) != 1 || msgs[0].Content != want {
		t.Errorf("model messages = %+v, want one user message %q", msgs, want)
	}
	if done := f.gateway.ofType(model.NotificationExecuteCompleted); len(done) != 1 {
		t.Errorf("execute_completed events = %d, want 1", len(done))
	}
}

func TestDispatcherWaitsForRunningSiblings(t *testing.T) {
	d, f := newDispatcherFixture()

	parent := planJob("parent-1")
	parent.Status = model.JobStatusWaitingForChildren
	f.jobs.jobs[parent.ID] = parent
	parentID := parent.ID

	child := executeJob("child-1", executePayload())
	child.ParentJobID = &parentID
	f.jobs.jobs[child.ID] = child

	sibling := executeJob("child-2", executePayload())
	sibling.ParentJobID = &parentID
	sibling.Status = model.JobStatusPending
	f.jobs.jobs[sibling.ID] = sibling

	if err := d.ProcessTask(context.Background(), genTask("child-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if f.jobs.jobs["parent-1"].Status != model.JobStatusWaitingForChildren {
		t.Errorf("parent status = %s, want waiting_for_children while a sibling runs",
			f.jobs.jobs["parent-1"].Status)
	}
	if len(f.enqueuer.enqueued) != 0 {
		t.Errorf("enqueued = %v, want none", f.enqueuer.enqueued)
	}
}

func TestDispatcherChildFailureFailsParent(t *testing.T) {
	d, f := newDispatcherFixture()

	parent := planJob("parent-1")
	parent.Status = model.JobStatusWaitingForChildren
	f.jobs.jobs[parent.ID] = parent
	parentID := parent.ID

	payload := executePayload()
	payload.Prompt = ""
	child := executeJob("child-1", payload)
	child.ParentJobID = &parentID
	f.jobs.jobs[child.ID] = child

	if err := d.ProcessTask(context.Background(), genTask("child-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if f.jobs.jobs["child-1"].Status != model.JobStatusFailed {
		t.Fatalf("child status = %s, want failed", f.jobs.jobs["child-1"].Status)
	}
	p := f.jobs.jobs["parent-1"]
	if p.Status != model.JobStatusFailed {
		t.Fatalf("parent status = %s, want failed", p.Status)
	}
	if p.ErrorDetails == nil || p.ErrorDetails.Message != "child job child-1 failed" {
		t.Errorf("parent error = %+v, want the failed child named", p.ErrorDetails)
	}

	// One job_failed for the child, one for the parent; the parent's is
	// PLAN-scoped and carries no model or document key.
	failed := f.gateway.ofType(model.NotificationJobFailed)
	if len(failed) != 2 {
		t.Fatalf("job_failed events = %d, want 2", len(failed))
	}
	parentEvent := failed[1]
	if parentEvent.Payload.JobID != "parent-1" {
		t.Fatalf("second failure event is for %s, want parent-1", parentEvent.Payload.JobID)
	}
	if parentEvent.Payload.ModelID != "" || parentEvent.Payload.DocumentKey != "" {
		t.Error("parent failure event must not carry modelId or document_key")
	}
}

func TestDispatcherEnqueuesContinuationWithoutWakingParent(t *testing.T) {
	d, f := newDispatcherFixture()
	f.invoker.resp = lengthResponse()

	parent := planJob("parent-1")
	parent.Status = model.JobStatusWaitingForChildren
	f.jobs.jobs[parent.ID] = parent
	parentID := parent.ID

	child := executeJob("child-1", executePayload())
	child.ParentJobID = &parentID
	f.jobs.jobs[child.ID] = child

	if err := d.ProcessTask(context.Background(), genTask("child-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if len(f.enqueuer.enqueued) != 1 {
		t.Fatalf("enqueued = %v, want the continuation only", f.enqueuer.enqueued)
	}
	if f.enqueuer.enqueued[0] == "parent-1" {
		t.Fatal("the parent must not wake while the chunk chain continues")
	}
	if f.jobs.jobs["parent-1"].Status != model.JobStatusWaitingForChildren {
		t.Errorf("parent status = %s, want waiting_for_children", f.jobs.jobs["parent-1"].Status)
	}
	if done := f.gateway.ofType(model.NotificationExecuteCompleted); len(done) != 0 {
		t.Errorf("execute_completed events = %d, want 0 mid-chain", len(done))
	}
}

func TestDispatcherSuppressesNotificationsWithoutOwner(t *testing.T) {
	d, f := newDispatcherFixture()
	f.projects.err = repository.ErrNotFound

	job := executeJob("job-1", executePayload())
	f.jobs.jobs[job.ID] = job

	if err := d.ProcessTask(context.Background(), genTask("job-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if f.jobs.jobs["job-1"].Status != model.JobStatusCompleted {
		t.Fatalf("job status = %s, want completed despite the owner lookup failure",
			f.jobs.jobs["job-1"].Status)
	}
	for _, e := range f.gateway.events {
		if e.Target != "" {
			t.Errorf("event %s targeted %q, want empty target", e.Payload.Type, e.Target)
		}
	}
}

func TestDispatcherRoutesRenderJobs(t *testing.T) {
	d, f := newDispatcherFixture()

	payload := renderPayload()
	job := renderJob("job-1", payload)
	f.jobs.jobs[job.ID] = job

	if err := d.ProcessTask(context.Background(), genTask("job-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if len(f.renderer.params) != 1 {
		t.Fatalf("render calls = %d, want 1", len(f.renderer.params))
	}
	if f.jobs.jobs["job-1"].Status != model.JobStatusCompleted {
		t.Errorf("job status = %s, want completed", f.jobs.jobs["job-1"].Status)
	}
}
