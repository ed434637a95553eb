package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristage/theatre/core/pkg/canonicalize"
	"github.com/veristage/theatre/core/pkg/commitment"
	"github.com/veristage/theatre/core/pkg/config"
	"github.com/veristage/theatre/core/pkg/contracts"
	"github.com/veristage/theatre/core/pkg/oracle"
	"github.com/veristage/theatre/core/pkg/replay"
	"github.com/veristage/theatre/core/pkg/scoring"
	"github.com/veristage/theatre/core/pkg/store"
	"github.com/veristage/theatre/core/pkg/theatre"
)

type fixture struct {
	srv     *httptest.Server
	records store.Store
	reg     *theatre.Registry
	dsHash  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	datasetsDir := t.TempDir()
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&buf, `{"episodeId":"ep%02d","inputData":{"q":"question %d"}}`+"\n", i, i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(datasetsDir, "golden.jsonl"), buf.Bytes(), 0o600))

	records := store.NewMemoryStore()
	reg := theatre.NewRegistry(records, logger)
	judge := &scoring.StaticJudge{Scores: map[string]float64{"accuracy": 0.9, "groundedness": 0.7}}
	runner := replay.NewRunner(reg, records, judge, nil, replay.Config{Workers: 2}, logger)

	adapters := func(ref oracle.ConstructRef) oracle.Adapter {
		return oracle.NewLocalAdapter(ref, func(_ context.Context, ep contracts.Episode) (map[string]any, error) {
			return map[string]any{"answer": "a" + ep.EpisodeID}, nil
		})
	}

	s := NewServer(reg, runner, records, config.DefaultProfile(), datasetsDir, adapters, nil, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		srv:     srv,
		records: records,
		reg:     reg,
		dsHash:  canonicalize.HashBytes(buf.Bytes()),
	}
}

func (f *fixture) templateDoc() []byte {
	return []byte(fmt.Sprintf(`{
		"templateId": "submitted",
		"executionPath": "replay",
		"criteria": {
			"criteriaIds": ["accuracy", "groundedness"],
			"criteriaHuman": {"accuracy": "Accuracy", "groundedness": "Groundedness"},
			"weights": {"accuracy": 0.5, "groundedness": 0.5}
		},
		"versionPins": {"construct-alpha": "1.0.0"},
		"datasetHashes": {"golden": %q},
		"replayConfig": {"constructId": "construct-alpha", "datasetName": "golden"}
	}`, f.dsHash))
}

func (f *fixture) post(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) createTheatre(t *testing.T) string {
	t.Helper()
	resp := f.post(t, "/v1/theatres", f.templateDoc())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	th := decode[theatre.Theatre](t, resp)
	return th.TheatreID
}

func TestCreateTheatre(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/theatres", f.templateDoc())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	th := decode[theatre.Theatre](t, resp)
	assert.Regexp(t, "^thr_", th.TheatreID)
	assert.Equal(t, theatre.StateDraft, th.State)
}

func TestCreateTheatre_InvalidTemplateIs400WithViolations(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/theatres", []byte(`{"templateId":"x","unknownField":true}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "Template Invalid", problem.Title)
	assert.NotEmpty(t, problem.Violations)
}

func TestCommitAndReceipt(t *testing.T) {
	f := newFixture(t)
	id := f.createTheatre(t)

	// Receipt before commit is 404.
	resp := f.get(t, "/v1/theatres/"+id+"/receipt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.post(t, "/v1/theatres/"+id+"/commit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt := decode[commitment.Receipt](t, resp)
	assert.Regexp(t, "^[0-9a-f]{64}$", receipt.CommitmentHash)
	assert.True(t, commitment.Verify(&receipt))

	// Double commit conflicts.
	resp = f.post(t, "/v1/theatres/"+id+"/commit", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// Receipt is now public.
	resp = f.get(t, "/v1/theatres/"+id+"/receipt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	served := decode[commitment.Receipt](t, resp)
	assert.Equal(t, receipt.CommitmentHash, served.CommitmentHash)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	id := f.createTheatre(t)

	resp := f.post(t, "/v1/theatres/"+id+"/commit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.post(t, "/v1/theatres/"+id+"/run", []byte(`{}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ack := decode[map[string]any](t, resp)
	assert.Equal(t, float64(3), ack["episodes"])

	// Poll until the background run archives the Theatre.
	var th theatre.Theatre
	require.Eventually(t, func() bool {
		resp := f.get(t, "/v1/theatres/"+id)
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return false
		}
		th = decode[theatre.Theatre](t, resp)
		return th.State == theatre.StateArchived
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 3, th.Progress.Completed)
	require.NotEmpty(t, th.CertificateID)

	resp = f.get(t, "/v1/certificates/"+th.CertificateID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decode[contracts.CalibrationCertificate](t, resp)
	assert.Equal(t, 3, cert.ReplayCount)
	assert.InDelta(t, 0.8, cert.CompositeScore, 1e-9)
	assert.Equal(t, contracts.TierUnverified, cert.VerificationTier)
}

func TestRun_RejectedInDraft(t *testing.T) {
	f := newFixture(t)
	id := f.createTheatre(t)

	// DRAFT cannot activate; the run is refused before any transition
	// happens.
	resp := f.post(t, "/v1/theatres/"+id+"/run", []byte(`{}`))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Contains(t, problem.Detail, "invalid transition")
}

func TestAbort_NoRunIsConflict(t *testing.T) {
	f := newFixture(t)
	id := f.createTheatre(t)

	resp := f.post(t, "/v1/theatres/"+id+"/abort", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGetTheatre_NotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/v1/theatres/thr_nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestListTemplates(t *testing.T) {
	f := newFixture(t)
	f.createTheatre(t)

	resp := f.get(t, "/v1/templates?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Items      []json.RawMessage `json:"items"`
		NextCursor string            `json:"nextCursor"`
	}](t, resp)
	assert.Len(t, list.Items, 1)
	assert.Empty(t, list.NextCursor)
}

func TestListCertificates_Paginates(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.records.PutCertificate(context.Background(), &contracts.CalibrationCertificate{
			CertificateID: fmt.Sprintf("cert_%02d", i),
			IssuedAt:      time.Now().UTC(),
		}))
	}

	resp := f.get(t, "/v1/certificates?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Items      []json.RawMessage `json:"items"`
		NextCursor string            `json:"nextCursor"`
	}](t, resp)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "cert_01", page.NextCursor)
}

func TestRun_DatasetPathConfinedToDatasetsDir(t *testing.T) {
	f := newFixture(t)
	id := f.createTheatre(t)

	resp := f.post(t, "/v1/theatres/"+id+"/commit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	for _, escape := range []string{
		"../secrets.jsonl",
		"../../etc/passwd",
		"sub/../../outside.jsonl",
	} {
		resp := f.post(t, "/v1/theatres/"+id+"/run",
			[]byte(fmt.Sprintf(`{"datasetPath": %q}`, escape)))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "path %s", escape)
		problem := decode[ProblemDetail](t, resp)
		assert.Contains(t, problem.Detail, "escapes the datasets directory")
	}

	// A relative name inside the directory still works.
	resp = f.post(t, "/v1/theatres/"+id+"/run", []byte(`{"datasetPath": "golden.jsonl"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()
}
