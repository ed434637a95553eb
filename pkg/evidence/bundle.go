// Package evidence assembles the archival bundle for a finished run: a
// fixed manifest of artifacts sufficient for a third party to re-derive
// the certificate. A bundle missing any mandatory file forces the
// certificate down to UNVERIFIED; archival itself is never blocked.
package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/veristage/theatre/core/pkg/canonicalize"
	"github.com/veristage/theatre/core/pkg/commitment"
	"github.com/veristage/theatre/core/pkg/contracts"
)

// Mandatory file names. The set is fixed; validation reports any that
// are absent or empty.
const (
	FileManifest        = "manifest.json"
	FileTemplate        = "template.json"
	FileReceipt         = "receipt.json"
	FileGroundTruth     = "ground_truth.jsonl"
	FileInvocations     = "invocations.jsonl"
	FileEpisodeScores   = "episode_scores.jsonl"
	FileAggregateScores = "aggregate_scores.json"
	FileCertificate     = "certificate.json"
)

var mandatoryFiles = []string{
	FileTemplate,
	FileReceipt,
	FileGroundTruth,
	FileInvocations,
	FileEpisodeScores,
	FileAggregateScores,
	FileCertificate,
}

// ManifestEntry records one bundled file and its content hash.
type ManifestEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Manifest is the bundle's index. BundleHash is the canonical hash of
// the entry list excluding the certificate file, so the certificate
// can embed the hash it is later bundled under.
type Manifest struct {
	TheatreID  string          `json:"theatreId"`
	CreatedAt  time.Time       `json:"createdAt"`
	BundleHash string          `json:"bundleHash"`
	Entries    []ManifestEntry `json:"entries"`
}

// Bundle is the assembled artifact set, manifest included.
type Bundle struct {
	Manifest Manifest
	Files    map[string][]byte
}

// Builder accumulates run artifacts and seals them into a Bundle.
// Files may land in any order; Hash and Seal impose the canonical one.
type Builder struct {
	theatreID string
	files     map[string][]byte
	clock     func() time.Time
}

// NewBuilder starts an empty bundle for one theatre.
func NewBuilder(theatreID string) *Builder {
	return &Builder{theatreID: theatreID, files: make(map[string][]byte), clock: time.Now}
}

// WithClock overrides the manifest timestamp source, for tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// PutTemplateSnapshot stores the exact canonical template bytes from
// the commitment receipt. They are not re-encoded: the snapshot is the
// committed form.
func (b *Builder) PutTemplateSnapshot(snapshot []byte) {
	b.files[FileTemplate] = append([]byte(nil), snapshot...)
}

func (b *Builder) PutReceipt(r *commitment.Receipt) error {
	return b.putJSON(FileReceipt, r)
}

func (b *Builder) PutGroundTruth(episodes []contracts.Episode) error {
	return putJSONL(b, FileGroundTruth, episodes)
}

func (b *Builder) PutInvocations(records []contracts.InvocationRecord) error {
	return putJSONL(b, FileInvocations, records)
}

func (b *Builder) PutEpisodeScores(scores []contracts.ReplayScore) error {
	return putJSONL(b, FileEpisodeScores, scores)
}

// AggregateScores is the shape of aggregate_scores.json.
type AggregateScores struct {
	Scores         map[string]float64 `json:"scores"`
	CompositeScore float64            `json:"compositeScore"`
	BrierScore     float64            `json:"brierScore"`
	ReplayCount    int                `json:"replayCount"`
}

func (b *Builder) PutAggregateScores(agg AggregateScores) error {
	return b.putJSON(FileAggregateScores, agg)
}

func (b *Builder) PutCertificate(cert *contracts.CalibrationCertificate) error {
	return b.putJSON(FileCertificate, cert)
}

func (b *Builder) putJSON(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("evidence: encode %s: %w", name, err)
	}
	b.files[name] = raw
	return nil
}

func putJSONL[T any](b *Builder, name string, items []T) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("evidence: encode %s line %d: %w", name, i, err)
		}
	}
	b.files[name] = buf.Bytes()
	return nil
}

// ValidateMinimumFiles reports every mandatory file that is absent or
// empty. A non-empty result downgrades the certificate's tier; it does
// not block archival.
func (b *Builder) ValidateMinimumFiles() []string {
	var missing []string
	for _, name := range mandatoryFiles {
		if len(b.files[name]) == 0 {
			missing = append(missing, name)
		}
	}
	return missing
}

// Hash computes the bundle hash over the present files excluding the
// certificate. Call it before PutCertificate so the certificate can
// carry the hash it will be verified against.
func (b *Builder) Hash() (string, error) {
	entries := b.entries(false)
	return canonicalize.Hash(entries)
}

// Seal finalizes the manifest and returns the bundle. The manifest's
// BundleHash matches Hash(): it covers everything except the
// certificate and the manifest itself.
func (b *Builder) Seal() (*Bundle, error) {
	bundleHash, err := b.Hash()
	if err != nil {
		return nil, fmt.Errorf("evidence: bundle hash: %w", err)
	}

	m := Manifest{
		TheatreID:  b.theatreID,
		CreatedAt:  b.clock().UTC(),
		BundleHash: bundleHash,
		Entries:    b.entries(true),
	}

	manifestRaw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("evidence: encode manifest: %w", err)
	}

	files := make(map[string][]byte, len(b.files)+1)
	for name, data := range b.files {
		files[name] = data
	}
	files[FileManifest] = manifestRaw

	return &Bundle{Manifest: m, Files: files}, nil
}

func (b *Builder) entries(includeCertificate bool) []ManifestEntry {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		if name == FileCertificate && !includeCertificate {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]ManifestEntry, 0, len(names))
	for _, name := range names {
		data := b.files[name]
		entries = append(entries, ManifestEntry{
			Name:   name,
			SHA256: canonicalize.HashBytes(data),
			Bytes:  len(data),
		})
	}
	return entries
}

// RecomputeHash re-derives the bundle hash from a stored bundle's
// files, for third-party re-verification against the certificate's
// evidenceBundleHash.
func RecomputeHash(bundle *Bundle) (string, error) {
	b := &Builder{theatreID: bundle.Manifest.TheatreID, files: make(map[string][]byte)}
	for name, data := range bundle.Files {
		if name == FileManifest {
			continue
		}
		b.files[name] = data
	}
	return b.Hash()
}
