// Package commitment implements the pre-execution commitment protocol.
//
// A commitment fixes a template, its version pins, and its dataset
// hashes against later modification: the three inputs are assembled
// into a fixed-shape composite, canonically encoded, and SHA-256
// hashed. Any third party holding the receipt can recompute the hash
// and detect tampering.
package commitment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veristage/theatre/core/pkg/canonicalize"
	"github.com/veristage/theatre/core/pkg/contracts"
)

// Receipt is issued exactly once per Theatre at the DRAFT→COMMITTED
// transition. TemplateSnapshot holds the exact canonical bytes that
// were hashed, so verification needs no access to the live template.
type Receipt struct {
	CommitmentHash   string            `json:"commitmentHash"`
	TemplateSnapshot json.RawMessage   `json:"templateSnapshot"`
	VersionPins      map[string]string `json:"versionPins"`
	DatasetHashes    map[string]string `json:"datasetHashes"`
	CommittedAt      time.Time         `json:"committedAt"`
}

// compositeKeys are the only keys permitted in the hash input. The
// fixed shape prevents an attacker from inflating the input with extra
// fields that would produce a colliding "valid" receipt.
func composite(template interface{}, pins, datasetHashes map[string]string) map[string]interface{} {
	if pins == nil {
		pins = map[string]string{}
	}
	if datasetHashes == nil {
		datasetHashes = map[string]string{}
	}
	return map[string]interface{}{
		"datasetHashes": datasetHashes,
		"template":      template,
		"versionPins":   pins,
	}
}

// Commit canonically encodes the template, hashes the 3-key composite
// {datasetHashes, template, versionPins}, and issues a receipt.
func Commit(tmpl *contracts.Template, pins, datasetHashes map[string]string, now time.Time) (*Receipt, error) {
	snapshot, err := canonicalize.Encode(tmpl)
	if err != nil {
		return nil, fmt.Errorf("commitment: encode template: %w", err)
	}

	hash, err := canonicalize.Hash(composite(json.RawMessage(snapshot), pins, datasetHashes))
	if err != nil {
		return nil, fmt.Errorf("commitment: hash composite: %w", err)
	}

	return &Receipt{
		CommitmentHash:   hash,
		TemplateSnapshot: snapshot,
		VersionPins:      clone(pins),
		DatasetHashes:    clone(datasetHashes),
		CommittedAt:      now.UTC(),
	}, nil
}

// Verify recomputes the commitment hash from the receipt's own snapshot
// and compares by value. This is integrity verification, not secret
// comparison, so constant-time equality is not required.
func Verify(r *Receipt) bool {
	if r == nil || len(r.TemplateSnapshot) == 0 {
		return false
	}

	// The snapshot must itself be in canonical form; re-encoding a
	// tampered snapshot would mask byte-level mutations.
	reencoded, err := reencodeSnapshot(r.TemplateSnapshot)
	if err != nil || !bytes.Equal(reencoded, r.TemplateSnapshot) {
		return false
	}

	hash, err := canonicalize.Hash(composite(json.RawMessage(r.TemplateSnapshot), r.VersionPins, r.DatasetHashes))
	if err != nil {
		return false
	}
	return hash == r.CommitmentHash
}

func reencodeSnapshot(snapshot json.RawMessage) ([]byte, error) {
	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(snapshot))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return canonicalize.Encode(decoded)
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
