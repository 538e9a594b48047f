package genclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tmorrow/bookweaver/internal/config"
	"github.com/tmorrow/bookweaver/internal/resilience"
)

// ChunkFunc receives each content delta as it arrives from the stream
type ChunkFunc func(delta string)

// CompleteStreaming sends one chat completion request with streaming enabled
// and returns the accumulated response text. onChunk, if non-nil, is invoked
// for every content delta so callers can show live progress.
func (c *Client) CompleteStreaming(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
	onChunk ChunkFunc,
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
		Stream:      true,
	}
	if modelCfg.TopK > 0 {
		req.TopK = modelCfg.TopK
	}

	start := time.Now()
	content, err := c.doStreamingRequest(ctx, modelCfg.BaseURL, apiKey, req, onChunk)
	if err != nil {
		return "", err
	}

	c.logger.Debug("Streaming request completed",
		"model", modelCfg.ModelName,
		"duration_ms", time.Since(start).Milliseconds(),
		"content_length", len(content))

	return content, nil
}

func (c *Client) doStreamingRequest(
	ctx context.Context,
	baseURL string,
	apiKey string,
	req ChatCompletionRequest,
	onChunk ChunkFunc,
) (string, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpointURL(baseURL), bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &resilience.ServiceError{
			Message: fmt.Sprintf("request failed: %v", err),
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		return "", serviceError(httpResp.StatusCode, bodyBytes)
	}

	var responseContent strings.Builder

	scanner := bufio.NewScanner(httpResp.Body)
	// Individual SSE lines can carry large deltas
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if len(strings.TrimSpace(line)) == 0 {
			continue
		}

		// SSE format: "data: {...}"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			break
		}

		var chunk StreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("Failed to parse stream chunk", "error", err)
			continue
		}

		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			responseContent.WriteString(delta.Content)
			if onChunk != nil {
				onChunk(delta.Content)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		// An interrupted stream is retryable as long as the caller's
		// context is still live.
		return "", &resilience.ServiceError{
			Message: fmt.Sprintf("stream reading error: %v", err),
		}
	}

	return responseContent.String(), nil
}
