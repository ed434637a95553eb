package certificate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veristage/theatre/core/pkg/commitment"
	"github.com/veristage/theatre/core/pkg/contracts"
)

// Params is everything the generator needs to aggregate one run.
type Params struct {
	TheatreID              string
	Template               *contracts.Template
	Receipt                *commitment.Receipt
	ConstructID            string
	ConstructVersion       string
	ConstructChainVersions []string
	DatasetHash            string
	EvidenceBundleHash     string

	Invocations []contracts.InvocationRecord
	Scores      []contracts.ReplayScore

	Tier TierInput // ReplayCount is filled in by the generator
}

// Generator aggregates episode scores into a calibration certificate.
type Generator struct {
	minimumReplays int
	clock          func() time.Time
}

// NewGenerator builds a generator. minimumReplays <= 0 selects the
// default floor.
func NewGenerator(minimumReplays int) *Generator {
	if minimumReplays <= 0 {
		minimumReplays = DefaultMinimumReplays
	}
	return &Generator{minimumReplays: minimumReplays, clock: time.Now}
}

// WithClock overrides the issuance clock, for tests.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// Generate aggregates per-criterion means over successfully-invoked
// episodes, derives the composite and Brier scores, and stamps the
// tier. It is deterministic for a given Params value apart from the
// certificate ID and issuance timestamp.
func (g *Generator) Generate(p Params) (*contracts.CalibrationCertificate, error) {
	if p.Template == nil {
		return nil, fmt.Errorf("certificate: template is required")
	}
	if p.Receipt == nil {
		return nil, fmt.Errorf("certificate: commitment receipt is required")
	}
	if len(p.Template.Criteria.Weights) == 0 {
		return nil, fmt.Errorf("certificate: template %s has no criterion weights", p.Template.TemplateID)
	}

	// Only episodes whose final invocation succeeded feed aggregation.
	// REFUSED, TIMEOUT and ERROR episodes contribute nothing.
	succeeded := make(map[string]bool, len(p.Invocations))
	for _, rec := range p.Invocations {
		if rec.Status == contracts.InvocationSuccess {
			succeeded[rec.EpisodeID] = true
		}
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range p.Scores {
		if !succeeded[s.EpisodeID] {
			continue
		}
		for criterionID, score := range s.Scores {
			sums[criterionID] += score
			counts[criterionID]++
		}
	}

	aggregates := make(map[string]float64, len(counts))
	composite := 0.0
	for criterionID, weight := range p.Template.Criteria.Weights {
		n := counts[criterionID]
		if n == 0 {
			// No scorable sample for this criterion: it contributes
			// nothing to the composite and is omitted from scores.
			continue
		}
		mean := sums[criterionID] / float64(n)
		aggregates[criterionID] = mean
		composite += weight * mean
	}

	issuedAt := g.clock().UTC()

	tierIn := p.Tier
	tierIn.ReplayCount = len(succeeded)
	if tierIn.MinimumReplays <= 0 {
		tierIn.MinimumReplays = g.minimumReplays
	}
	tier, expiresAt := AssignTier(tierIn, issuedAt)

	return &contracts.CalibrationCertificate{
		CertificateID:          "cert_" + uuid.NewString(),
		TheatreID:              p.TheatreID,
		TemplateID:             p.Template.TemplateID,
		ConstructID:            p.ConstructID,
		Scores:                 aggregates,
		CompositeScore:         composite,
		BrierScore:             (1 - composite) * 0.5,
		ReplayCount:            len(succeeded),
		EvidenceBundleHash:     p.EvidenceBundleHash,
		DatasetHash:            p.DatasetHash,
		ConstructVersion:       p.ConstructVersion,
		ConstructChainVersions: p.ConstructChainVersions,
		VerificationTier:       tier,
		CommitmentHash:         p.Receipt.CommitmentHash,
		IssuedAt:               issuedAt,
		ExpiresAt:              expiresAt,
	}, nil
}
