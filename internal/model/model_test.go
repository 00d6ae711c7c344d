package model

import (
	"encoding/json"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestInputRuleIsRequired(t *testing.T) {
	cases := []struct {
		name string
		rule InputRule
		want bool
	}{
		{"document defaults required", InputRule{Type: SourceTypeDocument}, true},
		{"header context defaults required", InputRule{Type: SourceTypeHeaderContext}, true},
		{"feedback defaults optional", InputRule{Type: SourceTypeFeedback}, false},
		{"feedback explicitly required", InputRule{Type: SourceTypeFeedback, Required: boolPtr(true)}, true},
		{"document explicitly optional", InputRule{Type: SourceTypeDocument, Required: boolPtr(false)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.IsRequired(); got != tc.want {
				t.Errorf("IsRequired() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsRecognizedDocumentKey(t *testing.T) {
	for _, key := range []string{"business_case", "use_cases", "prd", "system_architecture",
		"technical_approach", "implementation_plan", "synthesis", "header_context"} {
		if !IsRecognizedDocumentKey(key) {
			t.Errorf("IsRecognizedDocumentKey(%q) = false, want true", key)
		}
	}
	for _, key := range []string{"", "novella", "PRD", "prd "} {
		if IsRecognizedDocumentKey(key) {
			t.Errorf("IsRecognizedDocumentKey(%q) = true, want false", key)
		}
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobStatusPending:            false,
		JobStatusProcessing:         false,
		JobStatusWaitingForChildren: false,
		JobStatusPendingNextStep:    false,
		JobStatusCompleted:          true,
		JobStatusFailed:             true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestRecipeStepIDFromPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"with metadata", `{"planner_metadata":{"recipe_step_id":"step-1","step_key":"draft"}}`, "step-1"},
		{"no metadata", `{"output_type":"prd"}`, ""},
		{"null metadata", `{"planner_metadata":null}`, ""},
		{"invalid json", `{`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RecipeStepIDFromPayload(json.RawMessage(tc.payload)); got != tc.want {
				t.Errorf("RecipeStepIDFromPayload = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRecipePredecessors(t *testing.T) {
	recipe := &Recipe{
		Edges: []RecipeEdge{
			{FromStepID: "a", ToStepID: "c"},
			{FromStepID: "b", ToStepID: "c"},
			{FromStepID: "a", ToStepID: "b"},
		},
	}
	preds := recipe.Predecessors("c")
	if len(preds) != 2 || preds[0] != "a" || preds[1] != "b" {
		t.Errorf("Predecessors(c) = %v, want [a b]", preds)
	}
	if preds := recipe.Predecessors("a"); len(preds) != 0 {
		t.Errorf("Predecessors(a) = %v, want none", preds)
	}
}

func TestSourceDocumentIdentity(t *testing.T) {
	doc := &SourceDocument{DocumentKey: "prd", Type: SourceTypeDocument, StageSlug: "hypothesis"}
	if !doc.HasIdentity() {
		t.Error("complete identity triple reported incomplete")
	}
	doc.StageSlug = ""
	if doc.HasIdentity() {
		t.Error("missing stage slug reported complete")
	}

	doc = &SourceDocument{FileName: "prd.md", StorageBucket: "docs", StoragePath: "projects/p1"}
	if !doc.HasStorageCoordinates() {
		t.Error("complete coordinates reported incomplete")
	}
	doc.StorageBucket = ""
	if doc.HasStorageCoordinates() {
		t.Error("missing bucket reported downloadable")
	}
}
