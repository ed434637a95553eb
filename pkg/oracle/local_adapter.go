package oracle

import (
	"context"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// ConstructFunc is an in-process construct implementation. Returning
// ErrRefused (possibly wrapped) records a refusal.
type ConstructFunc func(ctx context.Context, ep contracts.Episode) (map[string]any, error)

// LocalAdapter runs a construct as an in-process callable. It is
// certificate-grade: the callable is the construct, not a simulation
// of one.
type LocalAdapter struct {
	ref ConstructRef
	fn  ConstructFunc
}

// NewLocalAdapter wraps fn as a construct adapter.
func NewLocalAdapter(ref ConstructRef, fn ConstructFunc) *LocalAdapter {
	return &LocalAdapter{ref: ref, fn: fn}
}

func (a *LocalAdapter) Ref() ConstructRef { return a.ref }

func (a *LocalAdapter) CertificateGrade() bool { return true }

func (a *LocalAdapter) Call(ctx context.Context, env *InvocationEnvelope) (map[string]any, error) {
	ep := contracts.Episode{EpisodeID: env.EpisodeID, InputData: env.InputData}

	type result struct {
		output map[string]any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		out, err := a.fn(ctx, ep)
		done <- result{output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.output, res.err
	}
}
