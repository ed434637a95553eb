package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// HTTPAdapter reaches a construct over a JSON envelope POST. The
// per-attempt deadline arrives through the request context; the client
// itself carries no timeout.
type HTTPAdapter struct {
	ref    ConstructRef
	client *http.Client
}

// NewHTTPAdapter creates an adapter for the construct behind
// ref.Endpoint. A nil client uses http.DefaultClient.
func NewHTTPAdapter(ref ConstructRef, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{ref: ref, client: client}
}

func (a *HTTPAdapter) Ref() ConstructRef { return a.ref }

func (a *HTTPAdapter) CertificateGrade() bool { return true }

func (a *HTTPAdapter) Call(ctx context.Context, env *InvocationEnvelope) (map[string]any, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ref.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("construct returned HTTP %d: %s", resp.StatusCode, snippet)
	}

	var reply InvocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}

	switch reply.Status {
	case contracts.InvocationSuccess:
		return reply.OutputData, nil
	case contracts.InvocationRefused:
		return nil, fmt.Errorf("%w: %s", ErrRefused, reply.ErrorDetail)
	default:
		return nil, fmt.Errorf("construct reported %s: %s", reply.Status, reply.ErrorDetail)
	}
}
