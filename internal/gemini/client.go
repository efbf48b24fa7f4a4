// Package gemini is a minimal client for the Generative Language REST API.
// It covers the four operations the pipeline needs: file upload, file
// status, token counting, and content generation.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Client talks to the Generative Language API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client with default configuration.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(DefaultConfig(apiKey))
}

// NewClientWithConfig creates a client with custom config.
func NewClientWithConfig(config Config) *Client {
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	baseURL := strings.TrimSpace(config.BaseURL)
	if baseURL == "" {
		baseURL = DefaultConfig("").BaseURL
	}
	return &Client{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: zap.NewNop(),
	}
}

// SetLogger attaches a logger for debug output.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Model returns the configured generation model.
func (c *Client) Model() string {
	return c.model
}

// GenerateContent sends the assembled parts to the generation endpoint and
// returns the concatenated text of the first candidate. Single attempt, no
// retry.
func (c *Client) GenerateContent(ctx context.Context, parts []Part) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	reqBody := generateRequest{
		Contents: []Content{{Role: "user", Parts: parts}},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("generateContent request", zap.String("model", c.model), zap.Int("parts", len(parts)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var genResp generateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if genResp.Error != nil {
		return "", fmt.Errorf("API error: %s", genResp.Error.Message)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	var result strings.Builder
	for _, part := range genResp.Candidates[0].Content.Parts {
		result.WriteString(part.Text)
	}

	c.logger.Debug("generateContent response",
		zap.Int("total_tokens", genResp.UsageMetadata.TotalTokenCount),
		zap.String("finish_reason", genResp.Candidates[0].FinishReason))

	return result.String(), nil
}

// CountTokens asks the API how many tokens the given parts consume.
func (c *Client) CountTokens(ctx context.Context, parts []Part) (int, error) {
	if c.apiKey == "" {
		return 0, fmt.Errorf("API key not configured")
	}

	reqBody := countTokensRequest{
		Contents: []Content{{Role: "user", Parts: parts}},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:countTokens?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var countResp countTokensResponse
	if err := json.Unmarshal(body, &countResp); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if countResp.Error != nil {
		return 0, fmt.Errorf("API error: %s", countResp.Error.Message)
	}

	c.logger.Debug("countTokens response", zap.Int("total_tokens", countResp.TotalTokens))
	return countResp.TotalTokens, nil
}
