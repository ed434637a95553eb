package certificate

import (
	"fmt"

	"github.com/veristage/theatre/core/pkg/commitment"
	"github.com/veristage/theatre/core/pkg/contracts"
)

// Reverify re-derives the hashes a certificate claims and reports every
// mismatch. A third party holding the evidence bundle can run the same
// checks without trusting the issuer: the receipt recomputes from its
// own snapshot, and the bundle hash recomputes from the manifest.
// An empty result means the certificate checks out.
func Reverify(cert *contracts.CalibrationCertificate, receipt *commitment.Receipt, bundleHash string) []string {
	var mismatches []string

	if receipt == nil {
		mismatches = append(mismatches, "commitment receipt missing")
	} else {
		if !commitment.Verify(receipt) {
			mismatches = append(mismatches, "commitment receipt does not verify against its own snapshot")
		}
		if cert.CommitmentHash != receipt.CommitmentHash {
			mismatches = append(mismatches, fmt.Sprintf(
				"commitmentHash %s does not match receipt %s", cert.CommitmentHash, receipt.CommitmentHash))
		}
	}

	if cert.EvidenceBundleHash != bundleHash {
		mismatches = append(mismatches, fmt.Sprintf(
			"evidenceBundleHash %s does not match recomputed %s", cert.EvidenceBundleHash, bundleHash))
	}

	return mismatches
}
