// Package scoring grades construct output per criterion through a
// judge. The judge is behind an interface; the default implementation
// drives an OpenAI-compatible chat endpoint with deterministic
// sampling.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Message is one chat turn sent to the judge model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions request determinism from the underlying judge where
// supported: temperature 0 and a fixed seed.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// Client completes a chat exchange with the judge model.
type Client interface {
	Complete(ctx context.Context, messages []Message, opts *SamplingOptions) (string, error)
}

// HTTPClient speaks the OpenAI-compatible /chat/completions shape.
type HTTPClient struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates a judge client for an OpenAI-compatible
// endpoint. A nil httpClient uses http.DefaultClient.
func NewHTTPClient(endpoint, model, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{endpoint: endpoint, model: model, apiKey: apiKey, client: httpClient}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
	Seed        int64     `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Complete(ctx context.Context, messages []Message, opts *SamplingOptions) (string, error) {
	reqBody := chatRequest{Model: c.model, Messages: messages}
	if opts != nil {
		reqBody.Temperature = opts.Temperature
		reqBody.TopP = opts.TopP
		reqBody.Seed = opts.Seed
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode judge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("judge returned HTTP %d: %s", resp.StatusCode, snippet)
	}

	var reply chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("decode judge response: %w", err)
	}
	if len(reply.Choices) == 0 {
		return "", fmt.Errorf("judge returned no choices")
	}
	return reply.Choices[0].Message.Content, nil
}
