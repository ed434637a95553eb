package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/veristage/theatre/core/pkg/certificate"
	"github.com/veristage/theatre/core/pkg/config"
	"github.com/veristage/theatre/core/pkg/contracts"
	"github.com/veristage/theatre/core/pkg/oracle"
	"github.com/veristage/theatre/core/pkg/replay"
	"github.com/veristage/theatre/core/pkg/store"
	"github.com/veristage/theatre/core/pkg/theatre"
)

// maxTemplateBytes bounds submitted template documents.
const maxTemplateBytes = 1 << 20

// AdapterFactory builds the construct adapter for a run. The default
// speaks HTTP; tests substitute in-process constructs.
type AdapterFactory func(ref oracle.ConstructRef) oracle.Adapter

// Server is the HTTP control surface over registry, runner, and record
// store.
type Server struct {
	registry    *theatre.Registry
	runner      *replay.Runner
	records     store.Store
	profile     *config.EngineProfile
	datasetsDir string
	adapters    AdapterFactory
	limiter     oracle.Limiter
	logger      *slog.Logger
}

// NewServer wires the control surface. A nil adapters factory defaults
// to the HTTP construct adapter; a nil limiter disables invocation
// throttling.
func NewServer(registry *theatre.Registry, runner *replay.Runner, records store.Store, profile *config.EngineProfile, datasetsDir string, adapters AdapterFactory, limiter oracle.Limiter, logger *slog.Logger) *Server {
	if profile == nil {
		profile = config.DefaultProfile()
	}
	if adapters == nil {
		adapters = func(ref oracle.ConstructRef) oracle.Adapter {
			return oracle.NewHTTPAdapter(ref, nil)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:    registry,
		runner:      runner,
		records:     records,
		profile:     profile,
		datasetsDir: datasetsDir,
		adapters:    adapters,
		limiter:     limiter,
		logger:      logger,
	}
}

// Handler builds the route table with the standard middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/theatres", s.handleCreateTheatre)
	mux.HandleFunc("GET /v1/theatres/{id}", s.handleGetTheatre)
	mux.HandleFunc("POST /v1/theatres/{id}/commit", s.handleCommit)
	mux.HandleFunc("POST /v1/theatres/{id}/run", s.handleRun)
	mux.HandleFunc("POST /v1/theatres/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /v1/theatres/{id}/receipt", s.handleGetReceipt)
	mux.HandleFunc("GET /v1/certificates/{id}", s.handleGetCertificate)
	mux.HandleFunc("GET /v1/certificates", s.handleListCertificates)
	mux.HandleFunc("GET /v1/templates", s.handleListTemplates)

	limiter := NewRateLimiter(50, 100)
	var h http.Handler = mux
	h = limiter.Middleware(h)
	h = RequestLogger(s.logger)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleCreateTheatre(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxTemplateBytes))
	if err != nil {
		WriteBadRequest(w, r, "cannot read request body")
		return
	}

	th, err := s.registry.CreateFromTemplate(r.Context(), raw)
	if err != nil {
		var ve *theatre.ValidationError
		if errors.As(err, &ve) {
			WriteProblem(w, r, http.StatusBadRequest, "Template Invalid",
				"template failed validation", ve.Violations)
			return
		}
		WriteInternal(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, th)
}

func (s *Server) handleGetTheatre(w http.ResponseWriter, r *http.Request) {
	th, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.registry.Commit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// runRequest starts a background run. The construct endpoint comes from
// the caller; everything else is bound by the committed template.
type runRequest struct {
	ConstructEndpoint string `json:"constructEndpoint"`
	// DatasetPath optionally overrides the default file name, resolved
	// relative to the engine's datasets directory.
	DatasetPath string `json:"datasetPath,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	theatreID := r.PathValue("id")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, r, "cannot decode run request: "+err.Error())
		return
	}

	tmpl, err := s.registry.Template(r.Context(), theatreID)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	if tmpl.ReplayConfig == nil {
		WriteBadRequest(w, r, "theatre's template has no replay configuration")
		return
	}

	// datasetPath is always resolved inside the datasets directory; the
	// caller picks a file, never an arbitrary host path.
	datasetPath := filepath.Join(s.datasetsDir, tmpl.ReplayConfig.DatasetName+".jsonl")
	if req.DatasetPath != "" {
		resolved := filepath.Clean(filepath.Join(s.datasetsDir, req.DatasetPath))
		rel, err := filepath.Rel(s.datasetsDir, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			WriteBadRequest(w, r, "datasetPath escapes the datasets directory")
			return
		}
		datasetPath = resolved
	}
	ds, err := replay.LoadDataset(datasetPath, tmpl.ReplayConfig.DatasetName)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	version := tmpl.VersionPins[tmpl.ReplayConfig.ConstructID]
	if version == "" {
		WriteBadRequest(w, r, "versionPins does not pin the construct under test")
		return
	}

	ref := oracle.ConstructRef{
		ConstructID:      tmpl.ReplayConfig.ConstructID,
		ConstructVersion: version,
		Endpoint:         req.ConstructEndpoint,
	}
	timeout := time.Duration(s.profile.InvocationTimeoutSeconds) * time.Second
	if tmpl.ReplayConfig.TimeoutSeconds > 0 {
		timeout = time.Duration(tmpl.ReplayConfig.TimeoutSeconds) * time.Second
	}
	invoker := oracle.NewInvoker(s.adapters(ref), oracle.RetryPolicy{
		MaxRetries:  s.profile.Retry.MaxRetries,
		Strategy:    s.profile.Retry.Strategy,
		BaseDelayMs: int64(s.profile.Retry.BaseDelayMs),
		MaxDelayMs:  int64(s.profile.Retry.MaxDelayMs),
		MaxJitterMs: int64(s.profile.Retry.MaxJitterMs),
	}, timeout, s.limiter, s.logger)

	job, err := s.runner.Start(r.Context(), theatreID, invoker, ds)
	if err != nil {
		s.writeTransitionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"theatreId": job.TheatreID,
		"episodes":  len(ds.Episodes),
		"status":    "running",
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	theatreID := r.PathValue("id")
	if err := s.runner.Abort(theatreID); err != nil {
		WriteConflict(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"theatreId": theatreID,
		"status":    "aborting",
	})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	th, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	if th.CommitmentReceipt == nil {
		WriteNotFound(w, r, "theatre has not been committed")
		return
	}
	writeJSON(w, http.StatusOK, th.CommitmentReceipt)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.records.GetCertificate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}

	raw, err := json.Marshal(cert)
	if err != nil {
		WriteInternal(w, r, err.Error())
		return
	}
	// Certificates never leave the engine without passing the published
	// schema.
	if err := certificate.ValidateJSON(raw); err != nil {
		s.logger.Error("stored certificate fails schema",
			"certificate_id", cert.CertificateID, "error", err.Error())
		WriteInternal(w, r, "stored certificate fails schema validation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	limit, cursor := pageParams(r)
	certs, next, err := s.records.ListCertificates(r.Context(), limit, cursor)
	if err != nil {
		WriteInternal(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*contracts.CalibrationCertificate]{Items: certs, NextCursor: next})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	limit, cursor := pageParams(r)
	recs, next, err := s.records.ListTemplates(r.Context(), limit, cursor)
	if err != nil {
		WriteInternal(w, r, err.Error())
		return
	}

	items := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		items = append(items, rec.Raw)
	}
	writeJSON(w, http.StatusOK, listResponse[json.RawMessage]{Items: items, NextCursor: next})
}

type listResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, err.Error())
		return
	}
	WriteInternal(w, r, err.Error())
}

func (s *Server) writeTransitionError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *theatre.InvalidTransitionError
	if errors.As(err, &invalid) {
		WriteConflict(w, r, invalid.Error())
		return
	}
	var ve *theatre.ValidationError
	if errors.As(err, &ve) {
		WriteProblem(w, r, http.StatusBadRequest, "Template Invalid",
			"template failed validation", ve.Violations)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, r, err.Error())
		return
	}
	WriteBadRequest(w, r, err.Error())
}

func pageParams(r *http.Request) (int, string) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	return limit, r.URL.Query().Get("cursor")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
