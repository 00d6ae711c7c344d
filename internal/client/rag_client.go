package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docforge/engine/internal/config"
	"github.com/docforge/engine/internal/model"
)

// RagService is the RAG/context sidecar collaborator: embeddings for
// similarity scoring and single-document summaries for compression.
type RagService interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	// SummarizeDocument returns a compressed stand-in for one document's
	// content, preserving what matters for the session's current prompt.
	SummarizeDocument(ctx context.Context, doc *model.SourceDocument, sessionID, stageSlug string) (string, error)
}

// RagClient talks to the context service over HTTP.
type RagClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewRagClient creates a new context-service client.
func NewRagClient(cfg *config.RagConfig) *RagClient {
	return &RagClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *RagClient) Embed(ctx context.Context, text string) ([]float64, error) {
	var resp embedResponse
	if err := c.post(ctx, "/v1/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("context service returned an empty embedding")
	}
	return resp.Embedding, nil
}

type summarizeRequest struct {
	DocumentID  string `json:"document_id"`
	DocumentKey string `json:"document_key"`
	Content     string `json:"content"`
	SessionID   string `json:"session_id"`
	StageSlug   string `json:"stage_slug,omitempty"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// SummarizeDocument requests a summary for a single document.
func (c *RagClient) SummarizeDocument(ctx context.Context, doc *model.SourceDocument, sessionID, stageSlug string) (string, error) {
	req := summarizeRequest{
		DocumentID:  doc.ID,
		DocumentKey: doc.DocumentKey,
		Content:     doc.Content,
		SessionID:   sessionID,
		StageSlug:   stageSlug,
	}
	var resp summarizeResponse
	if err := c.post(ctx, "/v1/summarize", req, &resp); err != nil {
		return "", err
	}
	if resp.Summary == "" {
		return "", fmt.Errorf("context service returned an empty summary for document %s", doc.ID)
	}
	return resp.Summary, nil
}

func (c *RagClient) post(ctx context.Context, path string, body any, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("context service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
