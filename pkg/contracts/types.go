// Package contracts defines the shared data model of the calibration
// engine: templates, episodes, invocation records, replay scores, and
// calibration certificates. These types are the wire format for every
// artifact that crosses the engine boundary, so their JSON tags are
// normative and must not change once a commitment hash has been issued
// over them.
package contracts

import "time"

// ExecutionPath selects how a template is exercised.
type ExecutionPath string

const (
	ExecutionPathReplay ExecutionPath = "replay"
	ExecutionPathMarket ExecutionPath = "market"
)

// Criteria is the ordered rubric of a template. Weights must cover
// exactly the criterion IDs and sum to 1.0.
type Criteria struct {
	IDs     []string           `json:"criteriaIds"`
	Human   map[string]string  `json:"criteriaHuman"`
	Weights map[string]float64 `json:"weights"`
}

// HITLStep is a human-in-the-loop rubric step. Steps must declare who
// may score them (identity separation) and on what scale.
type HITLStep struct {
	StepID             string `json:"stepId"`
	Rubric             string `json:"rubric"`
	IdentitySeparation string `json:"identitySeparation"`
	ScoringScale       string `json:"scoringScale"`
}

// ReplayConfig is the execution-path-specific block for replay runs.
type ReplayConfig struct {
	ConstructID    string `json:"constructId"`
	DatasetName    string `json:"datasetName"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// MarketConfig is the execution-path-specific block for market runs.
// The market engine itself is an external collaborator; the engine only
// carries this block through the commitment hash.
type MarketConfig struct {
	MarketID        string `json:"marketId"`
	SettlementAsset string `json:"settlementAsset,omitempty"`
}

// Template is a declared, hashable verification plan. Immutable once a
// commitment references it; TemplateID is the content-addressed hash of
// the canonical template with all placeholders resolved.
type Template struct {
	TemplateID    string            `json:"templateId"`
	ExecutionPath ExecutionPath     `json:"executionPath"`
	Criteria      Criteria          `json:"criteria"`
	VersionPins   map[string]string `json:"versionPins"`
	DatasetHashes map[string]string `json:"datasetHashes"`
	HITLSteps     []HITLStep        `json:"hitlSteps,omitempty"`
	ReplayConfig  *ReplayConfig     `json:"replayConfig,omitempty"`
	MarketConfig  *MarketConfig     `json:"marketConfig,omitempty"`
}

// Episode is one unit of ground truth replayed against the construct
// under test. Immutable once loaded from a committed dataset.
type Episode struct {
	EpisodeID      string            `json:"episodeId"`
	InputData      map[string]any    `json:"inputData"`
	ExpectedOutput map[string]any    `json:"expectedOutput,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// InvocationStatus classifies the outcome of one construct call.
type InvocationStatus string

const (
	InvocationSuccess InvocationStatus = "SUCCESS"
	InvocationTimeout InvocationStatus = "TIMEOUT"
	InvocationError   InvocationStatus = "ERROR"
	InvocationRefused InvocationStatus = "REFUSED"
)

// Failure reports whether the status counts toward the early-exit
// failure rate. REFUSED is an explicit decline, not a failure.
func (s InvocationStatus) Failure() bool {
	return s == InvocationTimeout || s == InvocationError
}

// InvocationRecord is the append-only record of one call to the
// construct under test. One record per (episode, final attempt);
// intermediate attempts are folded into Attempts.
type InvocationRecord struct {
	InvocationID     string           `json:"invocationId"`
	EpisodeID        string           `json:"episodeId"`
	ConstructID      string           `json:"constructId"`
	ConstructVersion string           `json:"constructVersion"`
	OutputData       map[string]any   `json:"outputData,omitempty"`
	Status           InvocationStatus `json:"status"`
	LatencyMs        int64            `json:"latencyMs"`
	ErrorDetail      string           `json:"errorDetail,omitempty"`
	Attempts         int              `json:"attempts"`
	RespondedAt      time.Time        `json:"respondedAt"`
}

// ReplayScore is the scoring engine's verdict for one episode. Scores
// are keyed by criterion ID, each in [0,1]. Criteria the judge could
// not score after the strict retry appear in Missing instead.
type ReplayScore struct {
	EpisodeID   string             `json:"episodeId"`
	Scores      map[string]float64 `json:"scores"`
	JudgeOutput map[string]string  `json:"judgeOutput,omitempty"`
	Missing     []string           `json:"missing,omitempty"`
}

// VerificationTier is the deterministic trust classification stamped on
// a certificate.
type VerificationTier string

const (
	TierUnverified VerificationTier = "UNVERIFIED"
	TierBacktested VerificationTier = "BACKTESTED"
	TierProven     VerificationTier = "PROVEN"
)

// CalibrationCertificate is the final, immutable scorecard artifact.
// CommitmentHash must equal the issuing Theatre's receipt hash; any
// mismatch invalidates the certificate.
type CalibrationCertificate struct {
	CertificateID          string             `json:"certificateId"`
	TheatreID              string             `json:"theatreId"`
	TemplateID             string             `json:"templateId"`
	ConstructID            string             `json:"constructId"`
	Scores                 map[string]float64 `json:"scores"`
	CompositeScore         float64            `json:"compositeScore"`
	BrierScore             float64            `json:"brierScore"`
	ReplayCount            int                `json:"replayCount"`
	EvidenceBundleHash     string             `json:"evidenceBundleHash"`
	DatasetHash            string             `json:"datasetHash"`
	ConstructVersion       string             `json:"constructVersion"`
	ConstructChainVersions []string           `json:"constructChainVersions,omitempty"`
	VerificationTier       VerificationTier   `json:"verificationTier"`
	CommitmentHash         string             `json:"commitmentHash"`
	IssuedAt               time.Time          `json:"issuedAt"`
	ExpiresAt              time.Time          `json:"expiresAt"`
}
