package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/resilience"
)

// DefaultHTTPTimeout is the fallback timeout for a single HTTP request
const DefaultHTTPTimeout = 120 * time.Second

// Client sends single-attempt requests to OpenAI-compatible endpoints.
// Retry policy lives in the resilience wrapper, not here; every failed
// request surfaces as a classified ServiceError.
type Client struct {
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	logger          *slog.Logger
}

// NewClient creates a new service client
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		// Per-request deadlines come from the caller's context
		httpClient:      &http.Client{},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          logger,
	}
}

// Complete sends one chat completion request and returns the response text
func (c *Client) Complete(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
	jsonMode bool,
) (string, error) {
	ctx, cancel := c.callContext(ctx, modelCfg)
	defer cancel()

	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)
	if err := c.rateLimiterPool.Wait(ctx, modelID, modelCfg.RateLimitPerMinute); err != nil {
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
		N:           1,
	}
	if modelCfg.TopK > 0 {
		req.TopK = modelCfg.TopK
	}
	if jsonMode && modelCfg.UseJSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, modelCfg.BaseURL, apiKey, req)
	if err != nil {
		return "", err
	}

	c.logger.Debug("Service request completed",
		"model", modelCfg.ModelName,
		"duration_ms", time.Since(start).Milliseconds(),
		"completion_tokens", resp.Usage.CompletionTokens)

	return resp.Choices[0].Message.Content, nil
}

func (c *Client) callContext(ctx context.Context, modelCfg config.ModelConfig) (context.Context, context.CancelFunc) {
	timeout := time.Duration(modelCfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) doRequest(
	ctx context.Context,
	baseURL string,
	apiKey string,
	req ChatCompletionRequest,
) (*ChatCompletionResponse, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpointURL(baseURL), bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		c.logger.Warn("Service request without key", "endpoint", httpReq.URL.String())
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Transport and deadline failures are transient unknowns
		return nil, &resilience.ServiceError{
			Message: fmt.Sprintf("request failed: %v", err),
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, serviceError(httpResp.StatusCode, respBody)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}

	return &resp, nil
}

func endpointURL(baseURL string) string {
	endpoint := baseURL
	if endpoint[len(endpoint)-1] != '/' {
		endpoint += "/"
	}
	return endpoint + "chat/completions"
}

// serviceError converts a non-200 response into a classified ServiceError
func serviceError(statusCode int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &resilience.ServiceError{
			Message:    errResp.Error.Message,
			StatusCode: statusCode,
		}
	}
	return &resilience.ServiceError{
		Message:    fmt.Sprintf("request failed with status %d: %s", statusCode, string(body)),
		StatusCode: statusCode,
	}
}
