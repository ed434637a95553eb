// Package oracle invokes the construct under test. The construct is
// only ever addressed through the Adapter interface; the Invoker wraps
// an adapter with timeout, retry, and rate-limit policy and converts
// every failure mode into an InvocationRecord status instead of an
// error.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// ErrRefused signals an explicit "cannot answer" from the construct.
// Refusals are excluded from scoring and do not count as failures.
var ErrRefused = errors.New("oracle: construct refused to answer")

// ConstructRef addresses one version of a construct under test.
type ConstructRef struct {
	ConstructID      string `json:"constructId"`
	ConstructVersion string `json:"constructVersion"`
	Endpoint         string `json:"endpoint,omitempty"`
}

// InvocationEnvelope is the request sent to a construct for one episode.
type InvocationEnvelope struct {
	InvocationID     string         `json:"invocationId"`
	TheatreID        string         `json:"theatreId"`
	EpisodeID        string         `json:"episodeId"`
	ConstructID      string         `json:"constructId"`
	ConstructVersion string         `json:"constructVersion"`
	InputData        map[string]any `json:"inputData"`
	TimeoutSeconds   int            `json:"timeoutSeconds"`
	RetryPolicy      RetryPolicy    `json:"retryPolicy"`
}

// InvocationResponse is the construct's reply envelope.
type InvocationResponse struct {
	InvocationID     string                     `json:"invocationId"`
	ConstructID      string                     `json:"constructId"`
	ConstructVersion string                     `json:"constructVersion"`
	OutputData       map[string]any             `json:"outputData,omitempty"`
	LatencyMs        int64                      `json:"latencyMs"`
	Status           contracts.InvocationStatus `json:"status"`
	ErrorDetail      string                     `json:"errorDetail,omitempty"`
	RespondedAt      time.Time                  `json:"respondedAt"`
}

// Adapter is one way of reaching a construct. Implementations must
// return ErrRefused (possibly wrapped) for an explicit decline, and any
// other error for a failed attempt.
type Adapter interface {
	Call(ctx context.Context, env *InvocationEnvelope) (map[string]any, error)
	Ref() ConstructRef
	// CertificateGrade reports whether records produced through this
	// adapter may back a calibration certificate. The test-only mock
	// adapter returns false and is rejected by certificate-generating
	// runs.
	CertificateGrade() bool
}

// Limiter throttles invocation attempts per construct.
type Limiter interface {
	Wait(ctx context.Context, constructID string) error
}
