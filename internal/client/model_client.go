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
)

// ChatMessage represents a message in the chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnifiedRequest is the provider-independent model invocation request.
type UnifiedRequest struct {
	Model             string
	SystemInstruction string
	Messages          []ChatMessage
	MaxTokens         int
	Temperature       float64
}

// UnifiedResponse is the provider-independent model invocation result.
// FinishReason "length" signals a truncated response that needs continuation.
type UnifiedResponse struct {
	Content      string
	ContentType  string
	FinishReason string
	InputTokens  int
	OutputTokens int
	ProcessingMs int64
}

// ModelInvoker is the opaque "call model" capability.
type ModelInvoker interface {
	CallUnifiedAIModel(ctx context.Context, req *UnifiedRequest) (*UnifiedResponse, error)
}

// ModelClient invokes an OpenAI-compatible chat completion endpoint.
type ModelClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewModelClient creates a client for the configured provider.
func NewModelClient(cfg *config.ProviderConfig) *ModelClient {
	return &ModelClient{
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// CallUnifiedAIModel sends the request and normalizes the response.
func (c *ModelClient) CallUnifiedAIModel(ctx context.Context, req *UnifiedRequest) (*UnifiedResponse, error) {
	messages := make([]ChatMessage, 0, len(req.Messages)+1)
	if req.SystemInstruction != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.SystemInstruction})
	}
	messages = append(messages, req.Messages...)

	model := req.Model
	if model == "" {
		model = c.model
	}

	reqBody := chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := chatResp.Choices[0]
	return &UnifiedResponse{
		Content:      choice.Message.Content,
		ContentType:  "text/markdown",
		FinishReason: choice.FinishReason,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
		ProcessingMs: time.Since(start).Milliseconds(),
	}, nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *ModelClient) IsConfigured() bool {
	return c.apiKey != ""
}
