package oracle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// maxErrorDetail bounds the error text carried in a record.
const maxErrorDetail = 512

// Invoker drives one adapter with timeout, retry, and rate-limit
// policy. Invoke never returns an error: every failure mode lands in
// the record's Status.
type Invoker struct {
	adapter Adapter
	policy  RetryPolicy
	timeout time.Duration
	limiter Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	clock   func() time.Time
}

// NewInvoker wraps an adapter. A nil limiter disables throttling.
func NewInvoker(adapter Adapter, policy RetryPolicy, timeout time.Duration, limiter Limiter, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		adapter: adapter,
		policy:  policy,
		timeout: timeout,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepCtx,
		clock:   time.Now,
	}
}

// CertificateGrade reports whether this invoker's records may back a
// certificate.
func (inv *Invoker) CertificateGrade() bool { return inv.adapter.CertificateGrade() }

// Ref returns the construct reference of the wrapped adapter.
func (inv *Invoker) Ref() ConstructRef { return inv.adapter.Ref() }

// Invoke calls the construct for one episode. Each attempt is
// independently timeout-bound; a timeout cancels only that attempt.
// Retries apply to TIMEOUT and ERROR; REFUSED is final.
func (inv *Invoker) Invoke(ctx context.Context, theatreID string, ep contracts.Episode) *contracts.InvocationRecord {
	ref := inv.adapter.Ref()
	rec := &contracts.InvocationRecord{
		InvocationID:     "inv_" + uuid.NewString(),
		EpisodeID:        ep.EpisodeID,
		ConstructID:      ref.ConstructID,
		ConstructVersion: ref.ConstructVersion,
	}

	env := &InvocationEnvelope{
		InvocationID:     rec.InvocationID,
		TheatreID:        theatreID,
		EpisodeID:        ep.EpisodeID,
		ConstructID:      ref.ConstructID,
		ConstructVersion: ref.ConstructVersion,
		InputData:        ep.InputData,
		TimeoutSeconds:   int(inv.timeout / time.Second),
		RetryPolicy:      inv.policy,
	}

	for attempt := 0; attempt <= inv.policy.MaxRetries; attempt++ {
		rec.Attempts = attempt + 1

		if attempt > 0 {
			delay := inv.policy.Backoff(attempt-1, rec.InvocationID)
			if err := inv.sleep(ctx, delay); err != nil {
				rec.Status = contracts.InvocationError
				rec.ErrorDetail = truncate("run cancelled during backoff: " + err.Error())
				rec.RespondedAt = inv.clock().UTC()
				return rec
			}
		}

		if inv.limiter != nil {
			if err := inv.limiter.Wait(ctx, ref.ConstructID); err != nil {
				rec.Status = contracts.InvocationError
				rec.ErrorDetail = truncate("rate limiter: " + err.Error())
				rec.RespondedAt = inv.clock().UTC()
				return rec
			}
		}

		status, output, detail, latencyMs := inv.attempt(ctx, env)
		rec.Status = status
		rec.OutputData = output
		rec.ErrorDetail = detail
		rec.LatencyMs = latencyMs
		rec.RespondedAt = inv.clock().UTC()

		switch status {
		case contracts.InvocationSuccess:
			return rec
		case contracts.InvocationRefused:
			inv.logger.Info("construct refused episode",
				"episode_id", ep.EpisodeID, "construct_id", ref.ConstructID, "reason", detail)
			return rec
		}

		inv.logger.Warn("invocation attempt failed",
			"episode_id", ep.EpisodeID,
			"attempt", attempt+1,
			"status", string(status),
			"detail", detail)

		if ctx.Err() != nil {
			// Parent context gone; further attempts cannot succeed.
			return rec
		}
	}
	return rec
}

func (inv *Invoker) attempt(ctx context.Context, env *InvocationEnvelope) (contracts.InvocationStatus, map[string]any, string, int64) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if inv.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	start := inv.clock()
	output, err := inv.adapter.Call(attemptCtx, env)
	latencyMs := inv.clock().Sub(start).Milliseconds()

	if err == nil {
		return contracts.InvocationSuccess, output, "", latencyMs
	}
	if errors.Is(err, ErrRefused) {
		return contracts.InvocationRefused, nil, truncate(err.Error()), latencyMs
	}
	if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
		return contracts.InvocationTimeout, nil, truncate(err.Error()), latencyMs
	}
	return contracts.InvocationError, nil, truncate(err.Error()), latencyMs
}

func truncate(s string) string {
	if len(s) > maxErrorDetail {
		return s[:maxErrorDetail]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
