package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristage/theatre/core/pkg/contracts"
	"github.com/veristage/theatre/core/pkg/oracle"
	"github.com/veristage/theatre/core/pkg/scoring"
	"github.com/veristage/theatre/core/pkg/store"
	"github.com/veristage/theatre/core/pkg/theatre"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func constructRef() oracle.ConstructRef {
	return oracle.ConstructRef{ConstructID: "construct-alpha", ConstructVersion: "build-9f2e"}
}

// makeDataset builds n JSONL episodes. Episodes whose index appears in
// timeoutIdx carry a label the test construct reads to stall.
func makeDataset(t *testing.T, n int, timeoutIdx ...int) *Dataset {
	t.Helper()
	stall := make(map[int]bool)
	for _, i := range timeoutIdx {
		stall[i] = true
	}

	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		ep := contracts.Episode{
			EpisodeID: fmt.Sprintf("ep%02d", i),
			InputData: map[string]any{"q": fmt.Sprintf("question %d", i)},
		}
		if stall[i] {
			ep.Labels = map[string]string{"behavior": "timeout"}
		}
		require.NoError(t, json.NewEncoder(&buf).Encode(ep))
	}

	ds, err := ReadDataset(bytes.NewReader(buf.Bytes()), "golden")
	require.NoError(t, err)
	return ds
}

func templateRaw(dsHash string) []byte {
	return []byte(fmt.Sprintf(`{
		"templateId": "submitted",
		"executionPath": "replay",
		"criteria": {
			"criteriaIds": ["accuracy", "groundedness"],
			"criteriaHuman": {"accuracy": "Matches ground truth", "groundedness": "Grounded in the input"},
			"weights": {"accuracy": 0.6, "groundedness": 0.4}
		},
		"versionPins": {"construct": "1.0.0"},
		"datasetHashes": {"golden": %q},
		"replayConfig": {"constructId": "construct-alpha", "datasetName": "golden"}
	}`, dsHash))
}

// committedTheatre creates and commits a Theatre bound to the dataset.
func committedTheatre(t *testing.T, reg *theatre.Registry, ds *Dataset) *theatre.Theatre {
	t.Helper()
	th, err := reg.CreateFromTemplate(context.Background(), templateRaw(ds.Hash))
	require.NoError(t, err)
	_, err = reg.Commit(context.Background(), th.TheatreID)
	require.NoError(t, err)
	return th
}

// testConstruct answers instantly unless the episode is labelled to
// stall, in which case it waits for cancellation.
func testConstruct(ctx context.Context, ep contracts.Episode) (map[string]any, error) {
	if ep.Labels["behavior"] == "timeout" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return map[string]any{"answer": "a" + ep.EpisodeID}, nil
}

func testInvoker(timeout time.Duration) *oracle.Invoker {
	adapter := oracle.NewLocalAdapter(constructRef(), testConstruct)
	return oracle.NewInvoker(adapter, oracle.RetryPolicy{MaxRetries: 0}, timeout, nil, testLogger())
}

func testJudge() *scoring.StaticJudge {
	return &scoring.StaticJudge{Scores: map[string]float64{"accuracy": 0.82, "groundedness": 0.82}}
}

func TestRun_ScenarioA_AllSuccessBelowMinimum(t *testing.T) {
	ds := makeDataset(t, 3)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	runner := NewRunner(reg, st, testJudge(), nil, Config{Workers: 2}, testLogger())
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(time.Second), ds)
	require.NoError(t, err)

	<-job.Done
	require.NoError(t, job.Err())

	final, err := reg.Get(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Equal(t, theatre.StateArchived, final.State)
	require.NotEmpty(t, final.CertificateID)

	cert, err := st.GetCertificate(context.Background(), final.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, 3, cert.ReplayCount)
	assert.InDelta(t, 0.82, cert.CompositeScore, 1e-9)
	assert.InDelta(t, (1-0.82)*0.5, cert.BrierScore, 1e-9)
	assert.Equal(t, contracts.TierUnverified, cert.VerificationTier) // below default minimum of 50
	assert.Equal(t, final.CommitmentReceipt.CommitmentHash, cert.CommitmentHash)
	assert.Regexp(t, "^[0-9a-f]{64}$", cert.EvidenceBundleHash)
	assert.Equal(t, ds.Hash, cert.DatasetHash)

	records, err := st.ListInvocations(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRun_ScenarioB_TimeoutsForceEarlyExitAndUnverified(t *testing.T) {
	// 3 of 10 episodes stall past the attempt timeout: 30% failure rate
	// trips the early-exit rule and caps the tier.
	ds := makeDataset(t, 10, 7, 8, 9)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	runner := NewRunner(reg, st, testJudge(), nil, Config{Workers: 1, MinimumReplays: 5}, testLogger())
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(25*time.Millisecond), ds)
	require.NoError(t, err)

	<-job.Done
	require.NoError(t, job.Err())

	final, err := reg.Get(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Equal(t, theatre.StateArchived, final.State)

	cert, err := st.GetCertificate(context.Background(), final.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, 7, cert.ReplayCount)
	assert.InDelta(t, 0.82, cert.CompositeScore, 1e-9)
	// Even with MinimumReplays=5 satisfied, the early exit wins.
	assert.Equal(t, contracts.TierUnverified, cert.VerificationTier)

	records, err := st.ListInvocations(context.Background(), th.TheatreID)
	require.NoError(t, err)
	failures := 0
	for _, rec := range records {
		if rec.Status.Failure() {
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestRun_EarlyExitStopsFeedingEpisodes(t *testing.T) {
	// Every episode stalls: after the third failure (>20% of 10) the
	// pool stops handing out work, so nowhere near all 10 run.
	ds := makeDataset(t, 10, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	runner := NewRunner(reg, st, testJudge(), nil, Config{Workers: 1}, testLogger())
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(10*time.Millisecond), ds)
	require.NoError(t, err)

	<-job.Done

	final, err := reg.Get(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Equal(t, theatre.StateArchived, final.State)

	records, err := st.ListInvocations(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Less(t, len(records), 10)

	cert, err := st.GetCertificate(context.Background(), final.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, 0, cert.ReplayCount)
	assert.Equal(t, contracts.TierUnverified, cert.VerificationTier)
}

func TestRun_AbortSettlesWithPartials(t *testing.T) {
	ds := makeDataset(t, 5, 0, 1, 2, 3, 4)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	runner := NewRunner(reg, st, testJudge(), nil, Config{Workers: 2}, testLogger())
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(10*time.Second), ds)
	require.NoError(t, err)

	require.NoError(t, runner.Abort(th.TheatreID))

	select {
	case <-job.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("aborted run did not finish")
	}

	final, err := reg.Get(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Equal(t, theatre.StateArchived, final.State)
	assert.NotEmpty(t, final.CertificateID)
}

func TestStart_RejectsMockAdapter(t *testing.T) {
	ds := makeDataset(t, 1)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	mock := oracle.NewMockAdapter(constructRef())
	inv := oracle.NewInvoker(mock, oracle.RetryPolicy{}, time.Second, nil, testLogger())

	runner := NewRunner(reg, st, testJudge(), nil, Config{}, testLogger())
	_, err := runner.Start(context.Background(), th.TheatreID, inv, ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not certificate grade")

	// Nothing moved.
	final, err := reg.Get(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Equal(t, theatre.StateCommitted, final.State)
}

func TestStart_RejectsDatasetHashMismatch(t *testing.T) {
	ds := makeDataset(t, 2)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	// Same name, different ground truth than was committed.
	tampered := makeDataset(t, 3)

	runner := NewRunner(reg, st, testJudge(), nil, Config{}, testLogger())
	_, err := runner.Start(context.Background(), th.TheatreID, testInvoker(time.Second), tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match committed")

	final, err := reg.Get(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Equal(t, theatre.StateCommitted, final.State)
}

func TestStart_RejectsUncommittedTheatre(t *testing.T) {
	ds := makeDataset(t, 1)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())

	th, err := reg.CreateFromTemplate(context.Background(), templateRaw(ds.Hash))
	require.NoError(t, err)

	runner := NewRunner(reg, st, testJudge(), nil, Config{}, testLogger())
	_, err = runner.Start(context.Background(), th.TheatreID, testInvoker(time.Second), ds)
	require.Error(t, err)
	var invalid *theatre.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

// panickingJudge blows up on a chosen episode; the run must still reach
// a terminal state.
type panickingJudge struct {
	inner scoring.Judge
	onEp  string
}

func (j *panickingJudge) Score(ctx context.Context, criterionID, rubric string, ep contracts.Episode, output map[string]any) (*scoring.Verdict, error) {
	if ep.EpisodeID == j.onEp {
		panic("judge exploded")
	}
	return j.inner.Score(ctx, criterionID, rubric, ep, output)
}

func (j *panickingJudge) GenerateFollowUp(ctx context.Context, ep contracts.Episode) (string, error) {
	return j.inner.GenerateFollowUp(ctx, ep)
}

func TestRun_PanicStillReachesTerminalState(t *testing.T) {
	ds := makeDataset(t, 3)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	judge := &panickingJudge{inner: testJudge(), onEp: "ep01"}
	runner := NewRunner(reg, st, judge, nil, Config{Workers: 1}, testLogger())
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(time.Second), ds)
	require.NoError(t, err)

	<-job.Done

	final, err := reg.Get(context.Background(), th.TheatreID)
	require.NoError(t, err)
	assert.Equal(t, theatre.StateArchived, final.State)
	assert.NotEmpty(t, final.CertificateID)
}

func TestStart_RejectsSecondConcurrentRun(t *testing.T) {
	ds := makeDataset(t, 3, 0, 1, 2)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	runner := NewRunner(reg, st, testJudge(), nil, Config{Workers: 1}, testLogger())
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(200*time.Millisecond), ds)
	require.NoError(t, err)

	// The Theatre is already ACTIVE; a second start fails on transition.
	_, err = runner.Start(context.Background(), th.TheatreID, testInvoker(time.Second), ds)
	require.Error(t, err)

	<-job.Done
}

// recordingInstrumentation captures run brackets and invocation
// outcomes for assertion.
type recordingInstrumentation struct {
	mu       sync.Mutex
	started  int
	ended    int
	endErr   error
	statuses []string
}

func (ri *recordingInstrumentation) TrackRun(ctx context.Context, _ string) (context.Context, func(error)) {
	ri.mu.Lock()
	ri.started++
	ri.mu.Unlock()
	return ctx, func(err error) {
		ri.mu.Lock()
		ri.ended++
		ri.endErr = err
		ri.mu.Unlock()
	}
}

func (ri *recordingInstrumentation) RecordInvocation(_ context.Context, _ string, status string) {
	ri.mu.Lock()
	ri.statuses = append(ri.statuses, status)
	ri.mu.Unlock()
}

func TestRun_InstrumentationObservesRunAndInvocations(t *testing.T) {
	ds := makeDataset(t, 3)
	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th := committedTheatre(t, reg, ds)

	obs := &recordingInstrumentation{}
	runner := NewRunner(reg, st, testJudge(), nil, Config{Workers: 2}, testLogger()).
		WithInstrumentation(obs)
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(time.Second), ds)
	require.NoError(t, err)

	<-job.Done
	require.NoError(t, job.Err())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.ended)
	assert.NoError(t, obs.endErr)
	require.Len(t, obs.statuses, 3)
	for _, status := range obs.statuses {
		assert.Equal(t, string(contracts.InvocationSuccess), status)
	}
}

// rubricRecordingJudge remembers the rubric each criterion was scored
// against.
type rubricRecordingJudge struct {
	mu      sync.Mutex
	rubrics map[string]string
	scores  map[string]float64
}

func (j *rubricRecordingJudge) Score(_ context.Context, criterionID, rubric string, _ contracts.Episode, _ map[string]any) (*scoring.Verdict, error) {
	j.mu.Lock()
	j.rubrics[criterionID] = rubric
	j.mu.Unlock()
	return &scoring.Verdict{Score: j.scores[criterionID], Raw: "{}"}, nil
}

func (j *rubricRecordingJudge) GenerateFollowUp(context.Context, contracts.Episode) (string, error) {
	return "Which part of the input supports the reply?", nil
}

func TestRun_ReplyGroundednessCriteriaScoreAgainstFollowUp(t *testing.T) {
	ds := makeDataset(t, 1)
	raw := []byte(fmt.Sprintf(`{
		"templateId": "submitted",
		"executionPath": "replay",
		"criteria": {
			"criteriaIds": ["accuracy", "reply_groundedness"],
			"criteriaHuman": {"accuracy": "Matches ground truth", "reply_groundedness": "Reply is grounded"},
			"weights": {"accuracy": 0.5, "reply_groundedness": 0.5}
		},
		"versionPins": {"construct": "1.0.0"},
		"datasetHashes": {"golden": %q},
		"replayConfig": {"constructId": "construct-alpha", "datasetName": "golden"}
	}`, ds.Hash))

	st := store.NewMemoryStore()
	reg := theatre.NewRegistry(st, testLogger())
	th, err := reg.CreateFromTemplate(context.Background(), raw)
	require.NoError(t, err)
	_, err = reg.Commit(context.Background(), th.TheatreID)
	require.NoError(t, err)

	judge := &rubricRecordingJudge{
		rubrics: make(map[string]string),
		scores:  map[string]float64{"accuracy": 0.9, "reply_groundedness": 0.8},
	}
	runner := NewRunner(reg, st, judge, nil, Config{Workers: 1}, testLogger())
	job, err := runner.Start(context.Background(), th.TheatreID, testInvoker(time.Second), ds)
	require.NoError(t, err)

	<-job.Done
	require.NoError(t, job.Err())

	judge.mu.Lock()
	defer judge.mu.Unlock()
	assert.Contains(t, judge.rubrics["reply_groundedness"],
		"Follow-up probe: Which part of the input supports the reply?")
	assert.False(t, strings.Contains(judge.rubrics["accuracy"], "Follow-up probe"),
		"non-groundedness criteria must score against the declared rubric only")
}
