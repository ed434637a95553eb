package scoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// scriptedClient replays canned judge replies and records what was
// requested.
type scriptedClient struct {
	replies []string
	err     error
	calls   int
	opts    []*SamplingOptions
}

func (c *scriptedClient) Complete(_ context.Context, _ []Message, opts *SamplingOptions) (string, error) {
	c.opts = append(c.opts, opts)
	if c.err != nil {
		return "", c.err
	}
	reply := c.replies[c.calls]
	c.calls++
	return reply, nil
}

func ep() contracts.Episode {
	return contracts.Episode{EpisodeID: "ep1", InputData: map[string]any{"q": "why"}}
}

func TestScore_ParsesCleanResponse(t *testing.T) {
	client := &scriptedClient{replies: []string{`{"score": 0.82}`}}
	judge := NewLLMJudge(client, nil)

	v, err := judge.Score(context.Background(), "accuracy", "matches ground truth", ep(), map[string]any{"a": "42"})
	require.NoError(t, err)
	assert.InDelta(t, 0.82, v.Score, 1e-9)
	assert.Equal(t, 1, client.calls)
}

func TestScore_ToleratesSurroundingProse(t *testing.T) {
	client := &scriptedClient{replies: []string{"Sure! Here is my verdict:\n```json\n{\"score\": 0.5}\n```"}}
	judge := NewLLMJudge(client, nil)

	v, err := judge.Score(context.Background(), "accuracy", "r", ep(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v.Score, 1e-9)
}

func TestScore_OneStrictRetryThenSuccess(t *testing.T) {
	client := &scriptedClient{replies: []string{"I think it deserves an 8/10", `{"score": 0.8}`}}
	judge := NewLLMJudge(client, nil)

	v, err := judge.Score(context.Background(), "accuracy", "r", ep(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, v.Score, 1e-9)
	assert.Equal(t, 2, client.calls)
}

func TestScore_UnscorableAfterRetry(t *testing.T) {
	client := &scriptedClient{replies: []string{"garbage", "still garbage"}}
	judge := NewLLMJudge(client, nil)

	_, err := judge.Score(context.Background(), "accuracy", "r", ep(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnscorable)
	assert.Equal(t, 2, client.calls) // exactly one retry
}

func TestScore_OutOfRangeRejected(t *testing.T) {
	client := &scriptedClient{replies: []string{`{"score": 1.7}`, `{"score": 42}`}}
	judge := NewLLMJudge(client, nil)

	_, err := judge.Score(context.Background(), "accuracy", "r", ep(), nil)
	assert.ErrorIs(t, err, ErrUnscorable)
}

func TestScore_RequestsDeterministicSampling(t *testing.T) {
	client := &scriptedClient{replies: []string{`{"score": 0.9}`}}
	judge := NewLLMJudge(client, nil)

	_, err := judge.Score(context.Background(), "accuracy", "r", ep(), nil)
	require.NoError(t, err)
	require.Len(t, client.opts, 1)
	assert.Zero(t, client.opts[0].Temperature)
	assert.NotZero(t, client.opts[0].Seed)
}

func TestScore_ClientErrorPropagates(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	judge := NewLLMJudge(client, nil)

	_, err := judge.Score(context.Background(), "accuracy", "r", ep(), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnscorable)
}

func TestGenerateFollowUp(t *testing.T) {
	client := &scriptedClient{replies: []string{"  What source backs that claim?\n"}}
	judge := NewLLMJudge(client, nil)

	q, err := judge.GenerateFollowUp(context.Background(), ep())
	require.NoError(t, err)
	assert.Equal(t, "What source backs that claim?", q)
}
