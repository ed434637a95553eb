// Package certificate turns a finished run's invocation and score
// records into the final calibration certificate and stamps its
// verification tier. Tier assignment is a pure function of the facts
// handed to it; nothing here reads stores or clocks behind the
// caller's back.
package certificate

import (
	"time"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// DefaultMinimumReplays is the sample-size floor below which a
// certificate cannot rise above UNVERIFIED.
const DefaultMinimumReplays = 50

const (
	backtestedValidity = 90 * 24 * time.Hour
	provenValidity     = 180 * 24 * time.Hour
	provenTelemetryMin = 3 // months of consecutive production telemetry
)

// TierInput carries every fact the tier rules consume. Callers fill it
// from the run outcome, the commitment receipt, and whatever external
// telemetry/dispute systems report.
type TierInput struct {
	ReplayCount    int
	MinimumReplays int // 0 means DefaultMinimumReplays

	PinsComplete       bool
	EvidenceComplete   bool
	ScoresPublished    bool
	CommitmentVerified bool
	OpenDisputes       bool

	// EarlyExit is set when the run stopped on the failure-rate rule;
	// the certificate is capped at the lowest tier regardless of the
	// scores it carries.
	EarlyExit bool

	TelemetryMonths   int
	LastTelemetryAt   time.Time
	CommunityAttested bool
}

func (in TierInput) minimum() int {
	if in.MinimumReplays <= 0 {
		return DefaultMinimumReplays
	}
	return in.MinimumReplays
}

// AssignTier evaluates the tier rules in order, first match wins, and
// returns the tier with its expiry. UNVERIFIED certificates carry no
// expiry (zero time).
func AssignTier(in TierInput, issuedAt time.Time) (contracts.VerificationTier, time.Time) {
	if in.ReplayCount < in.minimum() || !in.PinsComplete || !in.EvidenceComplete || in.EarlyExit {
		return contracts.TierUnverified, time.Time{}
	}

	backtested := in.ScoresPublished && in.CommitmentVerified && !in.OpenDisputes
	if !backtested {
		return contracts.TierUnverified, time.Time{}
	}

	if in.TelemetryMonths >= provenTelemetryMin && in.CommunityAttested && !in.LastTelemetryAt.IsZero() {
		return contracts.TierProven, in.LastTelemetryAt.Add(provenValidity)
	}

	return contracts.TierBacktested, issuedAt.Add(backtestedValidity)
}

// Downgrade forces a certificate to UNVERIFIED in place. Used when the
// evidence bundle turns out incomplete at archival time.
func Downgrade(c *contracts.CalibrationCertificate) {
	c.VerificationTier = contracts.TierUnverified
	c.ExpiresAt = time.Time{}
}
