// Package store persists engine records. The engine only requires a
// key-value/record store with transactional per-record updates; the
// interface here is implemented in-memory, on SQLite, and on Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// TheatreRecord is the persisted snapshot of one Theatre instance.
// State is stored as text; the state machine owns its meaning.
type TheatreRecord struct {
	TheatreID         string    `json:"theatreId"`
	TemplateID        string    `json:"templateId"`
	State             string    `json:"state"`
	ProgressCompleted int       `json:"progressCompleted"`
	ProgressTotal     int       `json:"progressTotal"`
	Receipt           []byte    `json:"receipt,omitempty"` // commitment.Receipt JSON, nil until COMMITTED
	CertificateID     string    `json:"certificateId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TemplateRecord is a stored canonical template document.
type TemplateRecord struct {
	TemplateID string    `json:"templateId"`
	Raw        []byte    `json:"raw"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store is the record store behind the engine. Listing operations use
// keyset pagination: cursor is the last-seen primary key, empty cursor
// starts from the beginning, and an empty next-cursor means exhaustion.
type Store interface {
	PutTemplate(ctx context.Context, rec *TemplateRecord) error
	GetTemplate(ctx context.Context, templateID string) (*TemplateRecord, error)
	ListTemplates(ctx context.Context, limit int, cursor string) ([]*TemplateRecord, string, error)

	PutTheatre(ctx context.Context, rec *TheatreRecord) error
	GetTheatre(ctx context.Context, theatreID string) (*TheatreRecord, error)

	PutInvocation(ctx context.Context, theatreID string, rec *contracts.InvocationRecord) error
	ListInvocations(ctx context.Context, theatreID string) ([]*contracts.InvocationRecord, error)

	PutCertificate(ctx context.Context, cert *contracts.CalibrationCertificate) error
	GetCertificate(ctx context.Context, certificateID string) (*contracts.CalibrationCertificate, error)
	ListCertificates(ctx context.Context, limit int, cursor string) ([]*contracts.CalibrationCertificate, string, error)
}
