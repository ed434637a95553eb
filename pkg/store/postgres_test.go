package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristage/theatre/core/pkg/contracts"
)

func TestPostgres_GetTheatre(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"theatre_id", "template_id", "state", "progress_completed", "progress_total",
		"receipt", "certificate_id", "created_at", "updated_at",
	}).AddRow("thr_1", "tpl_1", "COMMITTED", 0, 0, []byte(`{"commitmentHash":"abc"}`), "", now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM theatres WHERE theatre_id = $1")).
		WithArgs("thr_1").
		WillReturnRows(rows)

	got, err := s.GetTheatre(ctx, "thr_1")
	require.NoError(t, err)
	assert.Equal(t, "COMMITTED", got.State)
	assert.JSONEq(t, `{"commitmentHash":"abc"}`, string(got.Receipt))

	mock.ExpectQuery(regexp.QuoteMeta("FROM theatres WHERE theatre_id = $1")).
		WithArgs("thr_missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"theatre_id", "template_id", "state", "progress_completed", "progress_total",
			"receipt", "certificate_id", "created_at", "updated_at",
		}))

	_, err = s.GetTheatre(ctx, "thr_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutTheatreUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO theatres")).
		WithArgs("thr_1", "tpl_1", "ACTIVE", 3, 10, []byte(nil), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.PutTheatre(context.Background(), &TheatreRecord{
		TheatreID:         "thr_1",
		TemplateID:        "tpl_1",
		State:             "ACTIVE",
		ProgressCompleted: 3,
		ProgressTotal:     10,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutCertificate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO certificates")).
		WithArgs("cert_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.PutCertificate(context.Background(), &contracts.CalibrationCertificate{
		CertificateID:    "cert_1",
		VerificationTier: contracts.TierBacktested,
		IssuedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListCertificatesPaginates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	// limit 2 → query asks for 3 rows; 3 returned means another page.
	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow([]byte(`{"certificateId":"cert_a"}`)).
		AddRow([]byte(`{"certificateId":"cert_b"}`)).
		AddRow([]byte(`{"certificateId":"cert_c"}`))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT doc FROM certificates WHERE certificate_id > $1 ORDER BY certificate_id LIMIT $2")).
		WithArgs("", 3).
		WillReturnRows(rows)

	certs, next, err := s.ListCertificates(context.Background(), 2, "")
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, "cert_b", next)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListInvocations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{"record"}).
		AddRow([]byte(`{"invocationId":"inv_a","status":"SUCCESS"}`)).
		AddRow([]byte(`{"invocationId":"inv_b","status":"TIMEOUT"}`))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT record FROM invocations WHERE theatre_id = $1 ORDER BY invocation_id")).
		WithArgs("thr_1").
		WillReturnRows(rows)

	recs, err := s.ListInvocations(context.Background(), "thr_1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, contracts.InvocationTimeout, recs[1].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}
