package model

import "time"

// Recognized document kinds a RENDER job may produce. DocumentKey values
// outside this set fail render validation.
var documentKinds = map[string]bool{
	"business_case":       true,
	"use_cases":           true,
	"prd":                 true,
	"system_architecture": true,
	"technical_approach":  true,
	"implementation_plan": true,
	"synthesis":           true,
	"header_context":      true,
}

// IsRecognizedDocumentKey reports whether key names a known document kind.
func IsRecognizedDocumentKey(key string) bool {
	return documentKinds[key]
}

// SourceDocument is a content-bearing input with identity. The identity
// triple (DocumentKey, Type, StageSlug) is what lets a document be matched
// against recipe rules and relevance weights; it must be complete before the
// document may enter compression.
type SourceDocument struct {
	ID              string     `json:"id"`
	Content         string     `json:"content"`
	DocumentKey     string     `json:"document_key"`
	Type            SourceType `json:"type"`
	StageSlug       string     `json:"stage_slug"`
	ProjectID       string     `json:"project_id,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	IterationNumber int        `json:"iteration_number,omitempty"`
	ModelID         string     `json:"model_id,omitempty"`
	FileName        string     `json:"file_name"`
	StorageBucket   string     `json:"storage_bucket"`
	StoragePath     string     `json:"storage_path"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasIdentity reports whether the identity triple is complete.
func (d *SourceDocument) HasIdentity() bool {
	return d.DocumentKey != "" && d.Type != "" && d.StageSlug != ""
}

// HasStorageCoordinates reports whether the document can be downloaded.
func (d *SourceDocument) HasStorageCoordinates() bool {
	return d.FileName != "" && d.StorageBucket != "" && d.StoragePath != ""
}

// CompressionCandidate is produced per EXECUTE attempt for each resource
// document eligible to be summarized. EffectiveScore determines compression
// order, lowest first; the sorted list is non-decreasing in EffectiveScore
// with ties broken stably by OriginalIndex.
type CompressionCandidate struct {
	ID             string
	Content        string
	SourceType     SourceType
	OriginalIndex  int
	ValueScore     float64
	EffectiveScore float64
}

// Contribution is a persisted model output registered against a session.
type Contribution struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	ProjectID        string    `json:"project_id"`
	StageSlug        string    `json:"stage_slug"`
	IterationNumber  int       `json:"iteration_number"`
	ModelID          string    `json:"model_id"`
	DocumentKey      string    `json:"document_key"`
	ContributionType string    `json:"contribution_type"`
	FileName         string    `json:"file_name"`
	StorageBucket    string    `json:"storage_bucket"`
	StoragePath      string    `json:"storage_path"`
	SizeBytes        int64     `json:"size_bytes"`
	MimeType         string    `json:"mime_type"`
	TokensInput      int       `json:"tokens_used_input"`
	TokensOutput     int       `json:"tokens_used_output"`
	IsLatestEdit     bool      `json:"is_latest_edit"`
	CreatedAt        time.Time `json:"created_at"`
}

// Project carries the ownership data the notification boundary needs. All
// lifecycle events are delivered to the project owner, not the acting user.
type Project struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}
