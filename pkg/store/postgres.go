package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veristage/theatre/core/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore is the multi-node record store for server deployments.
type PostgresStore struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS templates (
	template_id TEXT PRIMARY KEY,
	raw JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS theatres (
	theatre_id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL,
	state TEXT NOT NULL,
	progress_completed INT NOT NULL DEFAULT 0,
	progress_total INT NOT NULL DEFAULT 0,
	receipt JSONB,
	certificate_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS invocations (
	invocation_id TEXT PRIMARY KEY,
	theatre_id TEXT NOT NULL,
	record JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_theatre ON invocations(theatre_id);

CREATE TABLE IF NOT EXISTS certificates (
	certificate_id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL
);
`

// OpenPostgres connects with a lib/pq DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating, so tests
// can drive it with a mock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init applies the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) PutTemplate(ctx context.Context, rec *TemplateRecord) error {
	query := `INSERT INTO templates (template_id, raw, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (template_id) DO UPDATE SET raw = EXCLUDED.raw`
	_, err := s.db.ExecContext(ctx, query, rec.TemplateID, rec.Raw, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put template %s: %w", rec.TemplateID, err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (*TemplateRecord, error) {
	query := `SELECT template_id, raw, created_at FROM templates WHERE template_id = $1`
	var rec TemplateRecord
	err := s.db.QueryRowContext(ctx, query, templateID).Scan(&rec.TemplateID, &rec.Raw, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", templateID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context, limit int, cursor string) ([]*TemplateRecord, string, error) {
	limit = normalizeLimit(limit)
	query := `SELECT template_id, raw, created_at FROM templates
		WHERE template_id > $1 ORDER BY template_id LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TemplateRecord
	for rows.Next() {
		var rec TemplateRecord
		if err := rows.Scan(&rec.TemplateID, &rec.Raw, &rec.CreatedAt); err != nil {
			return nil, "", err
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].TemplateID
	}
	return out, next, nil
}

func (s *PostgresStore) PutTheatre(ctx context.Context, rec *TheatreRecord) error {
	query := `INSERT INTO theatres (
		theatre_id, template_id, state, progress_completed, progress_total,
		receipt, certificate_id, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (theatre_id) DO UPDATE SET
		state = EXCLUDED.state,
		progress_completed = EXCLUDED.progress_completed,
		progress_total = EXCLUDED.progress_total,
		receipt = EXCLUDED.receipt,
		certificate_id = EXCLUDED.certificate_id,
		updated_at = EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		rec.TheatreID, rec.TemplateID, rec.State,
		rec.ProgressCompleted, rec.ProgressTotal,
		rec.Receipt, rec.CertificateID,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put theatre %s: %w", rec.TheatreID, err)
	}
	return nil
}

func (s *PostgresStore) GetTheatre(ctx context.Context, theatreID string) (*TheatreRecord, error) {
	query := `SELECT theatre_id, template_id, state, progress_completed, progress_total,
		receipt, certificate_id, created_at, updated_at
		FROM theatres WHERE theatre_id = $1`
	var rec TheatreRecord
	err := s.db.QueryRowContext(ctx, query, theatreID).Scan(
		&rec.TheatreID, &rec.TemplateID, &rec.State,
		&rec.ProgressCompleted, &rec.ProgressTotal,
		&rec.Receipt, &rec.CertificateID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get theatre %s: %w", theatreID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) PutInvocation(ctx context.Context, theatreID string, rec *contracts.InvocationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode invocation %s: %w", rec.InvocationID, err)
	}
	query := `INSERT INTO invocations (invocation_id, theatre_id, record) VALUES ($1, $2, $3)
		ON CONFLICT (invocation_id) DO UPDATE SET record = EXCLUDED.record`
	if _, err := s.db.ExecContext(ctx, query, rec.InvocationID, theatreID, raw); err != nil {
		return fmt.Errorf("put invocation %s: %w", rec.InvocationID, err)
	}
	return nil
}

func (s *PostgresStore) ListInvocations(ctx context.Context, theatreID string) ([]*contracts.InvocationRecord, error) {
	query := `SELECT record FROM invocations WHERE theatre_id = $1 ORDER BY invocation_id`
	rows, err := s.db.QueryContext(ctx, query, theatreID)
	if err != nil {
		return nil, fmt.Errorf("list invocations for %s: %w", theatreID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.InvocationRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec contracts.InvocationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode invocation record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutCertificate(ctx context.Context, cert *contracts.CalibrationCertificate) error {
	raw, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encode certificate %s: %w", cert.CertificateID, err)
	}
	query := `INSERT INTO certificates (certificate_id, doc, issued_at) VALUES ($1, $2, $3)
		ON CONFLICT (certificate_id) DO UPDATE SET doc = EXCLUDED.doc`
	_, err = s.db.ExecContext(ctx, query, cert.CertificateID, raw, cert.IssuedAt.UTC())
	if err != nil {
		return fmt.Errorf("put certificate %s: %w", cert.CertificateID, err)
	}
	return nil
}

func (s *PostgresStore) GetCertificate(ctx context.Context, certificateID string) (*contracts.CalibrationCertificate, error) {
	query := `SELECT doc FROM certificates WHERE certificate_id = $1`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, certificateID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate %s: %w", certificateID, err)
	}
	var cert contracts.CalibrationCertificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, fmt.Errorf("decode certificate %s: %w", certificateID, err)
	}
	return &cert, nil
}

func (s *PostgresStore) ListCertificates(ctx context.Context, limit int, cursor string) ([]*contracts.CalibrationCertificate, string, error) {
	limit = normalizeLimit(limit)
	query := `SELECT doc FROM certificates WHERE certificate_id > $1 ORDER BY certificate_id LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list certificates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.CalibrationCertificate
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, "", err
		}
		var cert contracts.CalibrationCertificate
		if err := json.Unmarshal(raw, &cert); err != nil {
			return nil, "", fmt.Errorf("decode certificate: %w", err)
		}
		out = append(out, &cert)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].CertificateID
	}
	return out, next, nil
}

var _ Store = (*PostgresStore)(nil)
