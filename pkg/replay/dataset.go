// Package replay drives a committed Theatre through its episodes: it
// loads the committed ground-truth dataset, fans episodes out over a
// bounded worker pool, records invocations and scores, and walks the
// Theatre to a terminal state no matter how the run ends.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/veristage/theatre/core/pkg/canonicalize"
	"github.com/veristage/theatre/core/pkg/contracts"
)

// Dataset is an immutable set of ground-truth episodes with the content
// hash of its source bytes. The hash must match the committed value
// before any run starts: the commitment covers the ground truth.
type Dataset struct {
	Name     string
	Hash     string
	Episodes []contracts.Episode
}

// LoadDataset reads a JSONL episode file and hashes its raw bytes.
func LoadDataset(path, name string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	return ReadDataset(f, name)
}

// ReadDataset parses episodes from r. One JSON object per line; blank
// lines are ignored. Duplicate episode IDs are rejected.
func ReadDataset(r io.Reader, name string) (*Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", name, err)
	}

	ds := &Dataset{Name: name, Hash: canonicalize.HashBytes(raw)}

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var ep contracts.Episode
		if err := json.Unmarshal(text, &ep); err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", name, line, err)
		}
		if ep.EpisodeID == "" {
			return nil, fmt.Errorf("dataset %s line %d: episode has no episodeId", name, line)
		}
		if seen[ep.EpisodeID] {
			return nil, fmt.Errorf("dataset %s line %d: duplicate episode %s", name, line, ep.EpisodeID)
		}
		seen[ep.EpisodeID] = true
		ds.Episodes = append(ds.Episodes, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dataset %s: %w", name, err)
	}
	if len(ds.Episodes) == 0 {
		return nil, fmt.Errorf("dataset %s is empty", name)
	}
	return ds, nil
}

// VerifyAgainst checks the dataset hash against a committed hash set.
func (ds *Dataset) VerifyAgainst(committed map[string]string) error {
	want, ok := committed[ds.Name]
	if !ok {
		return fmt.Errorf("dataset %s is not covered by the commitment", ds.Name)
	}
	if want != ds.Hash {
		return fmt.Errorf("dataset %s hash %s does not match committed %s", ds.Name, ds.Hash, want)
	}
	return nil
}
