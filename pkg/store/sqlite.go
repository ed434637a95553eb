package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veristage/theatre/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-node record store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite store at path. Use
// ":memory:" for ephemeral stores.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle and applies the
// schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS templates (
		template_id TEXT PRIMARY KEY,
		raw JSON NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS theatres (
		theatre_id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		state TEXT NOT NULL,
		progress_completed INTEGER NOT NULL DEFAULT 0,
		progress_total INTEGER NOT NULL DEFAULT 0,
		receipt JSON,
		certificate_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS invocations (
		invocation_id TEXT PRIMARY KEY,
		theatre_id TEXT NOT NULL,
		record JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_theatre ON invocations(theatre_id);
	CREATE TABLE IF NOT EXISTS certificates (
		certificate_id TEXT PRIMARY KEY,
		doc JSON NOT NULL,
		issued_at DATETIME NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) PutTemplate(ctx context.Context, rec *TemplateRecord) error {
	query := `INSERT INTO templates (template_id, raw, created_at) VALUES (?, ?, ?)
		ON CONFLICT(template_id) DO UPDATE SET raw = excluded.raw`
	_, err := s.db.ExecContext(ctx, query, rec.TemplateID, rec.Raw, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put template %s: %w", rec.TemplateID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, templateID string) (*TemplateRecord, error) {
	query := `SELECT template_id, raw, created_at FROM templates WHERE template_id = ?`
	row := s.db.QueryRowContext(ctx, query, templateID)

	var rec TemplateRecord
	var created string
	if err := row.Scan(&rec.TemplateID, &rec.Raw, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get template %s: %w", templateID, err)
	}
	rec.CreatedAt = parseTime(created)
	return &rec, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, limit int, cursor string) ([]*TemplateRecord, string, error) {
	limit = normalizeLimit(limit)
	query := `SELECT template_id, raw, created_at FROM templates
		WHERE template_id > ? ORDER BY template_id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TemplateRecord
	for rows.Next() {
		var rec TemplateRecord
		var created string
		if err := rows.Scan(&rec.TemplateID, &rec.Raw, &created); err != nil {
			return nil, "", err
		}
		rec.CreatedAt = parseTime(created)
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

func (s *SQLiteStore) PutTheatre(ctx context.Context, rec *TheatreRecord) error {
	query := `INSERT INTO theatres (
		theatre_id, template_id, state, progress_completed, progress_total,
		receipt, certificate_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(theatre_id) DO UPDATE SET
		state = excluded.state,
		progress_completed = excluded.progress_completed,
		progress_total = excluded.progress_total,
		receipt = excluded.receipt,
		certificate_id = excluded.certificate_id,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		rec.TheatreID, rec.TemplateID, rec.State,
		rec.ProgressCompleted, rec.ProgressTotal,
		rec.Receipt, rec.CertificateID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put theatre %s: %w", rec.TheatreID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTheatre(ctx context.Context, theatreID string) (*TheatreRecord, error) {
	query := `SELECT theatre_id, template_id, state, progress_completed, progress_total,
		receipt, certificate_id, created_at, updated_at
		FROM theatres WHERE theatre_id = ?`
	row := s.db.QueryRowContext(ctx, query, theatreID)

	var rec TheatreRecord
	var created, updated string
	if err := row.Scan(&rec.TheatreID, &rec.TemplateID, &rec.State,
		&rec.ProgressCompleted, &rec.ProgressTotal,
		&rec.Receipt, &rec.CertificateID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get theatre %s: %w", theatreID, err)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func (s *SQLiteStore) PutInvocation(ctx context.Context, theatreID string, rec *contracts.InvocationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode invocation %s: %w", rec.InvocationID, err)
	}
	query := `INSERT INTO invocations (invocation_id, theatre_id, record) VALUES (?, ?, ?)
		ON CONFLICT(invocation_id) DO UPDATE SET record = excluded.record`
	if _, err := s.db.ExecContext(ctx, query, rec.InvocationID, theatreID, raw); err != nil {
		return fmt.Errorf("put invocation %s: %w", rec.InvocationID, err)
	}
	return nil
}

func (s *SQLiteStore) ListInvocations(ctx context.Context, theatreID string) ([]*contracts.InvocationRecord, error) {
	query := `SELECT record FROM invocations WHERE theatre_id = ? ORDER BY invocation_id`
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

func (s *SQLiteStore) PutCertificate(ctx context.Context, cert *contracts.CalibrationCertificate) error {
	raw, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encode certificate %s: %w", cert.CertificateID, err)
	}
	query := `INSERT INTO certificates (certificate_id, doc, issued_at) VALUES (?, ?, ?)
		ON CONFLICT(certificate_id) DO UPDATE SET doc = excluded.doc`
	_, err = s.db.ExecContext(ctx, query, cert.CertificateID, raw, cert.IssuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put certificate %s: %w", cert.CertificateID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCertificate(ctx context.Context, certificateID string) (*contracts.CalibrationCertificate, error) {
	query := `SELECT doc FROM certificates WHERE certificate_id = ?`
	var raw []byte
	if err := s.db.QueryRowContext(ctx, query, certificateID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get certificate %s: %w", certificateID, err)
	}
	var cert contracts.CalibrationCertificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, fmt.Errorf("decode certificate %s: %w", certificateID, err)
	}
	return &cert, nil
}

func (s *SQLiteStore) ListCertificates(ctx context.Context, limit int, cursor string) ([]*contracts.CalibrationCertificate, string, error) {
	limit = normalizeLimit(limit)
	query := `SELECT doc FROM certificates WHERE certificate_id > ? ORDER BY certificate_id LIMIT ?`
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

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Store = (*SQLiteStore)(nil)
