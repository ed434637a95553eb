package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/veristage/theatre/core/pkg/certificate"
	"github.com/veristage/theatre/core/pkg/commitment"
	"github.com/veristage/theatre/core/pkg/contracts"
	"github.com/veristage/theatre/core/pkg/evidence"
	"github.com/veristage/theatre/core/pkg/oracle"
	"github.com/veristage/theatre/core/pkg/scoring"
	"github.com/veristage/theatre/core/pkg/store"
	"github.com/veristage/theatre/core/pkg/theatre"
)

const (
	defaultWorkers = 4
	// failureRateLimit is the fraction of TIMEOUT/ERROR episodes above
	// which a run stops early with partial results.
	failureRateLimit = 0.20
	// followUpCriterionPrefix marks the reply-groundedness criterion
	// family, which is scored against a judge-generated probe question.
	followUpCriterionPrefix = "reply_groundedness"
)

// Config tunes one runner.
type Config struct {
	Workers        int
	MinimumReplays int
}

// Instrumentation observes run lifecycle and invocation outcomes. The
// observability provider implements it; a nil Instrumentation disables
// run telemetry.
type Instrumentation interface {
	// TrackRun brackets one run; the returned func records its end and
	// any terminal error.
	TrackRun(ctx context.Context, theatreID string) (context.Context, func(error))
	RecordInvocation(ctx context.Context, theatreID, status string)
}

// Runner executes committed Theatres in the background. One Runner
// serves the whole process; per-run state lives in the job registry,
// not in package globals.
type Runner struct {
	registry *theatre.Registry
	records  store.Store
	judge    scoring.Judge
	archive  evidence.Archive // optional
	obs      Instrumentation  // optional
	logger   *slog.Logger
	cfg      Config

	mu   sync.Mutex
	jobs map[string]*Job
}

// Job tracks one background run. Done closes when the Theatre has
// reached a terminal state (or as terminal as the failure allowed).
type Job struct {
	TheatreID string
	Done      chan struct{}

	cancel context.CancelFunc

	mu      sync.Mutex
	aborted bool
	err     error
}

// Err reports the failure that ended the run, if any. Valid after Done
// closes.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) setErr(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err == nil {
		j.err = err
	}
}

func (j *Job) wasAborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aborted
}

// NewRunner builds a runner over the given registry and record store.
// archive may be nil when bundle archival is handled elsewhere.
func NewRunner(registry *theatre.Registry, records store.Store, judge scoring.Judge, archive evidence.Archive, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MinimumReplays <= 0 {
		cfg.MinimumReplays = certificate.DefaultMinimumReplays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry: registry,
		records:  records,
		judge:    judge,
		archive:  archive,
		logger:   logger,
		cfg:      cfg,
		jobs:     make(map[string]*Job),
	}
}

// WithInstrumentation attaches run telemetry.
func (r *Runner) WithInstrumentation(obs Instrumentation) *Runner {
	r.obs = obs
	return r
}

// Start begins a background run for a COMMITTED Theatre. The run is
// decoupled from the caller's context: cancelling the request does not
// cancel the run, only Abort does. Start validates the invoker and the
// dataset against the commitment before any transition happens.
func (r *Runner) Start(ctx context.Context, theatreID string, invoker *oracle.Invoker, ds *Dataset) (*Job, error) {
	if !invoker.CertificateGrade() {
		return nil, fmt.Errorf("theatre %s: adapter is not certificate grade, refusing to run", theatreID)
	}

	th, err := r.registry.Get(ctx, theatreID)
	if err != nil {
		return nil, err
	}
	// State errors outrank evidence errors: a run on a Theatre that
	// cannot activate is an ordering mistake, reported as such.
	if _, ok := theatre.Next(th.State, theatre.EventActivate); !ok {
		return nil, &theatre.InvalidTransitionError{TheatreID: theatreID, From: th.State, To: theatre.StateActive}
	}
	if th.CommitmentReceipt == nil || !commitment.Verify(th.CommitmentReceipt) {
		return nil, fmt.Errorf("theatre %s: commitment receipt missing or unverifiable", theatreID)
	}
	if err := ds.VerifyAgainst(th.CommitmentReceipt.DatasetHashes); err != nil {
		return nil, fmt.Errorf("theatre %s: %w", theatreID, err)
	}

	tmpl, err := r.registry.Template(ctx, theatreID)
	if err != nil {
		return nil, err
	}

	// ACTIVATE before the goroutine exists; a Theatre in the wrong state
	// is rejected here and nothing has started.
	if _, err := r.registry.Transition(ctx, theatreID, theatre.EventActivate); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	job := &Job{TheatreID: theatreID, Done: make(chan struct{}), cancel: cancel}

	r.mu.Lock()
	if _, exists := r.jobs[theatreID]; exists {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("theatre %s: run already in flight", theatreID)
	}
	r.jobs[theatreID] = job
	r.mu.Unlock()

	go r.run(runCtx, job, th.CommitmentReceipt, tmpl, invoker, ds)
	return job, nil
}

// Abort cancels a running job. The run settles with partial results;
// the Theatre still reaches a terminal state.
func (r *Runner) Abort(theatreID string) error {
	r.mu.Lock()
	job, ok := r.jobs[theatreID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("theatre %s: no run in flight", theatreID)
	}
	job.mu.Lock()
	job.aborted = true
	job.mu.Unlock()
	job.cancel()
	return nil
}

// Job returns the tracked job for a Theatre, if one is or was running.
func (r *Runner) Job(theatreID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[theatreID]
	return job, ok
}

// episodeResult is what one worker produces per episode.
type episodeResult struct {
	record *contracts.InvocationRecord
	score  *contracts.ReplayScore // nil unless the invocation succeeded
}

func (r *Runner) run(ctx context.Context, job *Job, receipt *commitment.Receipt, tmpl *contracts.Template, invoker *oracle.Invoker, ds *Dataset) {
	if r.obs != nil {
		obsCtx, done := r.obs.TrackRun(ctx, job.TheatreID)
		ctx = obsCtx
		// Registered first so it fires after the panic recovery below
		// has recorded the terminal error.
		defer func() { done(job.Err()) }()
	}
	defer close(job.Done)
	defer func() {
		if rec := recover(); rec != nil {
			// A panic anywhere in the run must not leave the Theatre in a
			// non-terminal state. Record, then force the settle path with
			// whatever partial results exist.
			r.logger.Error("replay run panicked",
				"theatre_id", job.TheatreID, "panic", fmt.Sprintf("%v", rec))
			job.setErr(fmt.Errorf("run panicked: %v", rec))
			r.forceTerminal(job.TheatreID)
		}
	}()

	total := len(ds.Episodes)
	results := r.runPool(ctx, job, tmpl, invoker, ds)

	invocations := make([]*contracts.InvocationRecord, 0, len(results))
	scores := make([]contracts.ReplayScore, 0, len(results))
	failures := 0
	for _, res := range results {
		invocations = append(invocations, res.record)
		if res.record.Status.Failure() {
			failures++
		}
		if res.score != nil {
			scores = append(scores, *res.score)
		}
	}
	earlyExit := failureRateExceeded(failures, total)

	r.logger.Info("replay run finished invoking",
		"theatre_id", job.TheatreID,
		"episodes", total,
		"completed", len(results),
		"failures", failures,
		"early_exit", earlyExit,
		"aborted", job.wasAborted())

	r.settle(job, receipt, tmpl, invoker, ds, invocations, scores, earlyExit)
}

// runPool fans episodes over the worker pool and collects results.
// Episode order never affects aggregation; results arrive in completion
// order. The pool stops handing out work once the failure-rate rule
// fires or the run context is cancelled.
func (r *Runner) runPool(ctx context.Context, job *Job, tmpl *contracts.Template, invoker *oracle.Invoker, ds *Dataset) []episodeResult {
	total := len(ds.Episodes)
	feed := make(chan contracts.Episode)
	out := make(chan episodeResult, total)

	poolCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ep := range feed {
				out <- r.safeRunEpisode(poolCtx, job.TheatreID, tmpl, invoker, ep)
			}
		}()
	}

	go func() {
		defer close(feed)
		for _, ep := range ds.Episodes {
			select {
			case feed <- ep:
			case <-poolCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	var results []episodeResult
	failures := 0
	for res := range out {
		results = append(results, res)
		if res.record.Status.Failure() {
			failures++
		}
		if err := r.registry.SetProgress(context.Background(), job.TheatreID, len(results), total); err != nil {
			r.logger.Warn("progress update failed", "theatre_id", job.TheatreID, "error", err.Error())
		}
		if failureRateExceeded(failures, total) {
			// Stop feeding and let in-flight episodes drain.
			stop()
		}
	}
	return results
}

// safeRunEpisode shields the pool from a panic in a single episode:
// the episode becomes an ERROR record and the run continues. Worker
// goroutines must never take the process down.
func (r *Runner) safeRunEpisode(ctx context.Context, theatreID string, tmpl *contracts.Template, invoker *oracle.Invoker, ep contracts.Episode) (res episodeResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("episode panicked",
				"theatre_id", theatreID, "episode_id", ep.EpisodeID, "panic", fmt.Sprintf("%v", rec))
			ref := invoker.Ref()
			res = episodeResult{record: &contracts.InvocationRecord{
				InvocationID:     "inv_" + uuid.NewString(),
				EpisodeID:        ep.EpisodeID,
				ConstructID:      ref.ConstructID,
				ConstructVersion: ref.ConstructVersion,
				Status:           contracts.InvocationError,
				ErrorDetail:      fmt.Sprintf("episode panicked: %v", rec),
				Attempts:         1,
			}}
		}
	}()
	return r.runEpisode(ctx, theatreID, tmpl, invoker, ep)
}

// runEpisode invokes the construct once (with retries inside the
// invoker) and, on success, scores every criterion. Unscorable criteria
// are recorded as missing, never defaulted.
func (r *Runner) runEpisode(ctx context.Context, theatreID string, tmpl *contracts.Template, invoker *oracle.Invoker, ep contracts.Episode) episodeResult {
	rec := invoker.Invoke(ctx, theatreID, ep)
	if r.obs != nil {
		r.obs.RecordInvocation(ctx, theatreID, string(rec.Status))
	}
	if err := r.records.PutInvocation(context.Background(), theatreID, rec); err != nil {
		r.logger.Error("invocation record not persisted",
			"theatre_id", theatreID, "invocation_id", rec.InvocationID, "error", err.Error())
	}

	if rec.Status != contracts.InvocationSuccess {
		return episodeResult{record: rec}
	}

	score := contracts.ReplayScore{
		EpisodeID:   ep.EpisodeID,
		Scores:      make(map[string]float64, len(tmpl.Criteria.IDs)),
		JudgeOutput: make(map[string]string, len(tmpl.Criteria.IDs)),
	}
	for _, criterionID := range tmpl.Criteria.IDs {
		rubric := tmpl.Criteria.Human[criterionID]
		if strings.HasPrefix(criterionID, followUpCriterionPrefix) {
			// Reply-groundedness criteria score against a generated
			// probe question alongside the declared rubric.
			question, err := r.judge.GenerateFollowUp(ctx, ep)
			switch {
			case err != nil:
				r.logger.Warn("follow-up generation failed",
					"theatre_id", theatreID, "episode_id", ep.EpisodeID, "error", err.Error())
			case question != "":
				rubric = rubric + "\nFollow-up probe: " + question
			}
		}
		verdict, err := r.judge.Score(ctx, criterionID, rubric, ep, rec.OutputData)
		if err != nil {
			if !errors.Is(err, scoring.ErrUnscorable) {
				r.logger.Warn("judge call failed",
					"theatre_id", theatreID, "episode_id", ep.EpisodeID,
					"criterion_id", criterionID, "error", err.Error())
			}
			score.Missing = append(score.Missing, criterionID)
			continue
		}
		score.Scores[criterionID] = verdict.Score
		score.JudgeOutput[criterionID] = verdict.Raw
	}
	return episodeResult{record: rec, score: &score}
}

// settle walks ACTIVE→SETTLING→RESOLVED→ARCHIVED, generating the
// certificate and sealing the evidence bundle along the way. Failures
// inside settle are logged and recorded on the job but never stop the
// march toward a terminal state.
func (r *Runner) settle(job *Job, receipt *commitment.Receipt, tmpl *contracts.Template, invoker *oracle.Invoker, ds *Dataset, invocations []*contracts.InvocationRecord, scores []contracts.ReplayScore, earlyExit bool) {
	ctx := context.Background()
	theatreID := job.TheatreID

	if _, err := r.registry.Transition(ctx, theatreID, theatre.EventSettle); err != nil {
		job.setErr(err)
		r.logger.Error("settle transition failed", "theatre_id", theatreID, "error", err.Error())
		r.forceTerminal(theatreID)
		return
	}

	// Assemble the bundle before the certificate: its hash (certificate
	// excluded) goes onto the certificate, and its completeness feeds
	// the tier rules.
	builder := evidence.NewBuilder(theatreID)
	builder.PutTemplateSnapshot(receipt.TemplateSnapshot)
	episodeRecords := make([]contracts.InvocationRecord, 0, len(invocations))
	for _, rec := range invocations {
		episodeRecords = append(episodeRecords, *rec)
	}
	if err := builder.PutReceipt(receipt); err != nil {
		r.logger.Error("bundle receipt failed", "theatre_id", theatreID, "error", err.Error())
	}
	if err := builder.PutGroundTruth(ds.Episodes); err != nil {
		r.logger.Error("bundle ground truth failed", "theatre_id", theatreID, "error", err.Error())
	}
	if err := builder.PutInvocations(episodeRecords); err != nil {
		r.logger.Error("bundle invocations failed", "theatre_id", theatreID, "error", err.Error())
	}
	if err := builder.PutEpisodeScores(scores); err != nil {
		r.logger.Error("bundle episode scores failed", "theatre_id", theatreID, "error", err.Error())
	}

	// Everything except aggregate scores and the certificate must be in
	// place by now; those two are the only names allowed missing.
	evidenceComplete := true
	for _, name := range builder.ValidateMinimumFiles() {
		if name != evidence.FileCertificate && name != evidence.FileAggregateScores {
			evidenceComplete = false
		}
	}

	ref := invoker.Ref()
	cert, err := certificate.NewGenerator(r.cfg.MinimumReplays).Generate(certificate.Params{
		TheatreID:        theatreID,
		Template:         tmpl,
		Receipt:          receipt,
		ConstructID:      ref.ConstructID,
		ConstructVersion: ref.ConstructVersion,
		DatasetHash:      ds.Hash,
		Invocations:      episodeRecords,
		Scores:           scores,
		Tier: certificate.TierInput{
			MinimumReplays:     r.cfg.MinimumReplays,
			PinsComplete:       len(receipt.VersionPins) > 0,
			EvidenceComplete:   evidenceComplete,
			ScoresPublished:    true,
			CommitmentVerified: commitment.Verify(receipt),
			EarlyExit:          earlyExit,
		},
	})
	if err != nil {
		job.setErr(err)
		r.logger.Error("certificate generation failed", "theatre_id", theatreID, "error", err.Error())
		r.forceTerminal(theatreID)
		return
	}

	if err := builder.PutAggregateScores(evidence.AggregateScores{
		Scores:         cert.Scores,
		CompositeScore: cert.CompositeScore,
		BrierScore:     cert.BrierScore,
		ReplayCount:    cert.ReplayCount,
	}); err != nil {
		r.logger.Error("bundle aggregate scores failed", "theatre_id", theatreID, "error", err.Error())
	}
	if bundleHash, err := builder.Hash(); err == nil {
		cert.EvidenceBundleHash = bundleHash
	} else {
		r.logger.Error("bundle hash failed", "theatre_id", theatreID, "error", err.Error())
	}
	if err := builder.PutCertificate(cert); err != nil {
		r.logger.Error("bundle certificate failed", "theatre_id", theatreID, "error", err.Error())
	}

	// Incomplete evidence never blocks archival; it costs the tier.
	if missing := builder.ValidateMinimumFiles(); len(missing) > 0 {
		r.logger.Warn("evidence bundle incomplete, downgrading certificate",
			"theatre_id", theatreID, "missing", missing)
		certificate.Downgrade(cert)
	}

	if err := r.records.PutCertificate(ctx, cert); err != nil {
		job.setErr(err)
		r.logger.Error("certificate not persisted", "theatre_id", theatreID, "error", err.Error())
	}
	if err := r.registry.SetCertificate(ctx, theatreID, cert.CertificateID); err != nil {
		r.logger.Error("certificate link failed", "theatre_id", theatreID, "error", err.Error())
	}

	if _, err := r.registry.Transition(ctx, theatreID, theatre.EventResolve); err != nil {
		job.setErr(err)
		r.logger.Error("resolve transition failed", "theatre_id", theatreID, "error", err.Error())
		return
	}

	bundle, err := builder.Seal()
	if err != nil {
		job.setErr(err)
		r.logger.Error("bundle seal failed", "theatre_id", theatreID, "error", err.Error())
	} else if r.archive != nil {
		if err := r.archive.Put(ctx, bundle); err != nil {
			// Archival problems are operational, not evidential: the
			// bundle is still served from the record store.
			r.logger.Error("bundle archival failed", "theatre_id", theatreID, "error", err.Error())
		}
	}

	if _, err := r.registry.Transition(ctx, theatreID, theatre.EventArchive); err != nil {
		job.setErr(err)
		r.logger.Error("archive transition failed", "theatre_id", theatreID, "error", err.Error())
		return
	}

	r.logger.Info("replay run resolved",
		"theatre_id", theatreID,
		"certificate_id", cert.CertificateID,
		"tier", string(cert.VerificationTier),
		"composite_score", cert.CompositeScore,
		"replay_count", cert.ReplayCount)
}

// forceTerminal pushes a Theatre as far down the lifecycle as its
// current state allows. Used on the panic and settle-failure paths so
// no run strands a Theatre in a live state.
func (r *Runner) forceTerminal(theatreID string) {
	ctx := context.Background()
	for _, event := range []theatre.Event{theatre.EventSettle, theatre.EventResolve, theatre.EventArchive} {
		if _, err := r.registry.Transition(ctx, theatreID, event); err != nil {
			var invalid *theatre.InvalidTransitionError
			if errors.As(err, &invalid) {
				continue
			}
			r.logger.Error("forced transition failed",
				"theatre_id", theatreID, "event", string(event), "error", err.Error())
			return
		}
	}
}

func failureRateExceeded(failures, total int) bool {
	if total == 0 {
		return false
	}
	return float64(failures)/float64(total) > failureRateLimit
}
