package theatre

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veristage/theatre/core/pkg/commitment"
	"github.com/veristage/theatre/core/pkg/contracts"
	"github.com/veristage/theatre/core/pkg/store"
	"github.com/veristage/theatre/core/pkg/template"
)

// ValidationError carries template violations back to the caller. No
// state changes before a template validates.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template failed validation with %d violation(s)", len(e.Violations))
}

// Progress counts completed vs total episodes of a run.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Theatre is one execution instance of a Template.
type Theatre struct {
	TheatreID         string              `json:"theatreId"`
	TemplateID        string              `json:"templateId"`
	State             State               `json:"state"`
	Progress          Progress            `json:"progress"`
	CommitmentReceipt *commitment.Receipt `json:"commitmentReceipt,omitempty"`
	CertificateID     string              `json:"certificateId,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// Registry tracks Theatre instances and serializes their transitions.
// It replaces ambient module-level run-tracking state: one registry is
// constructed at startup and passed to whatever serves requests.
type Registry struct {
	store  store.Store
	clock  func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-Theatre transition locks
}

// NewRegistry creates a registry over the given record store.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		clock:  time.Now,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// lockFor returns the single-writer lock for one Theatre. Concurrent
// transition attempts on the same Theatre serialize here; the loser of
// a commit race observes COMMITTED and is rejected.
func (r *Registry) lockFor(theatreID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[theatreID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[theatreID] = l
	}
	return l
}

// CreateFromTemplate validates a raw template document, stores its
// canonical form under a content-addressed ID, and creates a Theatre in
// DRAFT. Validation failures reject the document before any state
// exists.
func (r *Registry) CreateFromTemplate(ctx context.Context, raw []byte) (*Theatre, error) {
	if violations := template.Validate(raw); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	var tmpl contracts.Template
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}

	// The template ID is content-addressed; whatever the caller sent is
	// replaced by the derived value once all placeholders are resolved.
	id, err := template.ComputeTemplateID(&tmpl)
	if err != nil {
		return nil, err
	}
	tmpl.TemplateID = id

	canonical, err := json.Marshal(&tmpl)
	if err != nil {
		return nil, fmt.Errorf("re-encode template: %w", err)
	}

	now := r.clock().UTC()
	if err := r.store.PutTemplate(ctx, &store.TemplateRecord{
		TemplateID: id,
		Raw:        canonical,
		CreatedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("store template: %w", err)
	}

	th := &Theatre{
		TheatreID:  "thr_" + uuid.NewString(),
		TemplateID: id,
		State:      StateDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.persist(ctx, th); err != nil {
		return nil, err
	}

	r.logger.Info("theatre created", "theatre_id", th.TheatreID, "template_id", id)
	return th, nil
}

// Get loads a Theatre by ID.
func (r *Registry) Get(ctx context.Context, theatreID string) (*Theatre, error) {
	rec, err := r.store.GetTheatre(ctx, theatreID)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Template loads the stored canonical template behind a Theatre.
func (r *Registry) Template(ctx context.Context, theatreID string) (*contracts.Template, error) {
	th, err := r.Get(ctx, theatreID)
	if err != nil {
		return nil, err
	}
	rec, err := r.store.GetTemplate(ctx, th.TemplateID)
	if err != nil {
		return nil, err
	}
	var tmpl contracts.Template
	if err := json.Unmarshal(rec.Raw, &tmpl); err != nil {
		return nil, fmt.Errorf("decode stored template %s: %w", th.TemplateID, err)
	}
	return &tmpl, nil
}

// Commit performs DRAFT→COMMITTED: re-validates the template, issues
// the commitment receipt, and persists it. A second commit attempt is
// rejected with InvalidTransitionError rather than collapsing onto the
// first winner.
func (r *Registry) Commit(ctx context.Context, theatreID string) (*commitment.Receipt, error) {
	lock := r.lockFor(theatreID)
	lock.Lock()
	defer lock.Unlock()

	th, err := r.Get(ctx, theatreID)
	if err != nil {
		return nil, err
	}
	if _, ok := Next(th.State, EventCommit); !ok {
		return nil, &InvalidTransitionError{TheatreID: theatreID, From: th.State, To: targetOf(EventCommit)}
	}

	rec, err := r.store.GetTemplate(ctx, th.TemplateID)
	if err != nil {
		return nil, err
	}
	if violations := template.Validate(rec.Raw); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	var tmpl contracts.Template
	if err := json.Unmarshal(rec.Raw, &tmpl); err != nil {
		return nil, fmt.Errorf("decode stored template: %w", err)
	}

	receipt, err := commitment.Commit(&tmpl, tmpl.VersionPins, tmpl.DatasetHashes, r.clock())
	if err != nil {
		return nil, err
	}

	th.State = StateCommitted
	th.CommitmentReceipt = receipt
	if err := r.persist(ctx, th); err != nil {
		return nil, err
	}

	r.logger.Info("theatre committed",
		"theatre_id", theatreID,
		"commitment_hash", receipt.CommitmentHash)
	return receipt, nil
}

// Transition applies a non-commit lifecycle event under the Theatre's
// single-writer lock and persists the result.
func (r *Registry) Transition(ctx context.Context, theatreID string, event Event) (*Theatre, error) {
	lock := r.lockFor(theatreID)
	lock.Lock()
	defer lock.Unlock()

	th, err := r.Get(ctx, theatreID)
	if err != nil {
		return nil, err
	}
	next, ok := Next(th.State, event)
	if !ok {
		return nil, &InvalidTransitionError{TheatreID: theatreID, From: th.State, To: targetOf(event)}
	}

	th.State = next
	if err := r.persist(ctx, th); err != nil {
		return nil, err
	}
	if Terminal(next) {
		// A terminal Theatre never transitions again; dropping its lock
		// keeps the registry from growing with every Theatre ever run.
		// Late callers get a fresh lock and are rejected by the table.
		defer r.evictLock(theatreID)
	}
	r.logger.Info("theatre transitioned", "theatre_id", theatreID, "state", next)
	return th, nil
}

func (r *Registry) evictLock(theatreID string) {
	r.mu.Lock()
	delete(r.locks, theatreID)
	r.mu.Unlock()
}

// SetProgress updates the episode progress counters.
func (r *Registry) SetProgress(ctx context.Context, theatreID string, completed, total int) error {
	lock := r.lockFor(theatreID)
	lock.Lock()
	defer lock.Unlock()

	th, err := r.Get(ctx, theatreID)
	if err != nil {
		return err
	}
	th.Progress = Progress{Completed: completed, Total: total}
	return r.persist(ctx, th)
}

// SetCertificate records the issued certificate ID on the Theatre.
func (r *Registry) SetCertificate(ctx context.Context, theatreID, certificateID string) error {
	lock := r.lockFor(theatreID)
	lock.Lock()
	defer lock.Unlock()

	th, err := r.Get(ctx, theatreID)
	if err != nil {
		return err
	}
	th.CertificateID = certificateID
	return r.persist(ctx, th)
}

func (r *Registry) persist(ctx context.Context, th *Theatre) error {
	th.UpdatedAt = r.clock().UTC()
	rec, err := toRecord(th)
	if err != nil {
		return err
	}
	if err := r.store.PutTheatre(ctx, rec); err != nil {
		return fmt.Errorf("persist theatre %s: %w", th.TheatreID, err)
	}
	return nil
}

func toRecord(th *Theatre) (*store.TheatreRecord, error) {
	var receipt []byte
	if th.CommitmentReceipt != nil {
		b, err := json.Marshal(th.CommitmentReceipt)
		if err != nil {
			return nil, fmt.Errorf("encode receipt: %w", err)
		}
		receipt = b
	}
	return &store.TheatreRecord{
		TheatreID:         th.TheatreID,
		TemplateID:        th.TemplateID,
		State:             string(th.State),
		ProgressCompleted: th.Progress.Completed,
		ProgressTotal:     th.Progress.Total,
		Receipt:           receipt,
		CertificateID:     th.CertificateID,
		CreatedAt:         th.CreatedAt,
		UpdatedAt:         th.UpdatedAt,
	}, nil
}

func fromRecord(rec *store.TheatreRecord) (*Theatre, error) {
	th := &Theatre{
		TheatreID:     rec.TheatreID,
		TemplateID:    rec.TemplateID,
		State:         State(rec.State),
		Progress:      Progress{Completed: rec.ProgressCompleted, Total: rec.ProgressTotal},
		CertificateID: rec.CertificateID,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if len(rec.Receipt) > 0 {
		var receipt commitment.Receipt
		if err := json.Unmarshal(rec.Receipt, &receipt); err != nil {
			return nil, fmt.Errorf("decode receipt for %s: %w", rec.TheatreID, err)
		}
		th.CommitmentReceipt = &receipt
	}
	return th, nil
}
