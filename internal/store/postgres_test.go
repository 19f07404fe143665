package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var templateRowColumns = []string{
	"id", "provider_id", "name", "connection_type", "connection_settings", "field_mapping",
	"auto_load", "auto_load_schedule", "date_from_offset", "date_to_offset", "last_auto_load_date",
}

// anyArgs matches n arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_CreateTemplate_NilSettings(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tpl := sampleTemplate()
	tpl.ConnectionSettings = nil

	mock.ExpectQuery(`INSERT INTO provider_templates .* RETURNING id`).
		WithArgs(int64(3), "Northline XLSX", "file", []byte("{}"), pgxmock.AnyArg(),
			true, "0 6 * * *", -3, -1).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(12)))

	id, err := s.CreateTemplate(context.Background(), tpl)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTemplate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	last := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT id, provider_id, name, connection_type.* FROM provider_templates WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(mock.NewRows(templateRowColumns).AddRow(
			int64(7), int64(3), "Northline", "web", []byte(`{"enc":"x"}`), []byte(`{"Сумма":"amount"}`),
			true, "@daily", -2, -1, &last,
		))

	tpl, err := s.GetTemplate(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tpl.ID)
	assert.Equal(t, model.ConnectionWeb, tpl.ConnectionType)
	assert.Equal(t, map[string]string{"Сумма": "amount"}, tpl.FieldMapping)
	assert.Equal(t, "@daily", tpl.AutoLoadSchedule)
	require.NotNil(t, tpl.LastAutoLoadDate)
	assert.True(t, last.Equal(*tpl.LastAutoLoadDate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTemplate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM provider_templates WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTemplate(context.Background(), 404)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLastAutoLoad_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE provider_templates SET last_auto_load_date = \$1 WHERE id = \$2`).
		WithArgs(at, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateLastAutoLoad(context.Background(), 9, at)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := sampleTransaction(7, 11)

	mock.ExpectQuery(`INSERT INTO transactions .* RETURNING id`).
		WithArgs(int64(3), int64(7), tx.TransactionDate, tx.CardNumber, int64(11),
			pgxmock.AnyArg(), "2450.5", pgxmock.AnyArg(), "AI-95",
			pgxmock.AnyArg(), pgxmock.AnyArg(), "", tx.UploadEventID).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(101)))

	id, err := s.InsertTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)
	assert.Equal(t, int64(101), tx.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTransaction_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO transactions`).
		WithArgs(anyArgs(13)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_transactions_dedup"})

	_, err := s.InsertTransaction(context.Background(), sampleTransaction(7, 11))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTransaction_OtherError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO transactions`).
		WithArgs(anyArgs(13)...).
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "transactions_card_id_fkey"})

	_, err := s.InsertTransaction(context.Background(), sampleTransaction(7, 11))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "insert transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransactionExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := sampleTransaction(7, 11)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(tx.CardNumber, tx.TransactionDate, "2450.5", int64(3)).
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.TransactionExists(context.Background(), tx.Key())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveCard(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO cards .* ON CONFLICT ON CONSTRAINT uq_cards_provider_number`).
		WithArgs(int64(3), "7012345678901234").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(11)))

	id, err := s.ResolveCard(context.Background(), 3, "7012345678901234")
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveVehicle_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO vehicles`).
		WithArgs("A123BC77").
		WillReturnError(errors.New("connection reset"))

	_, err := s.ResolveVehicle(context.Background(), "A123BC77")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve vehicle A123BC77")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendUploadEvent(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
	ev := &model.UploadEvent{
		ID: "5f0c2a6e-4a4e-4b8e-9f8b-0d6d1c1f2a33", TemplateID: 7, ProviderID: 3,
		Source: model.SourceManual, Status: model.StatusSuccess,
		DateFrom: now, DateTo: now, StartedAt: now, FinishedAt: now,
	}

	mock.ExpectExec(`INSERT INTO upload_events`).
		WithArgs(ev.ID, int64(7), int64(3), "manual", "success", 0, 0, 0, 0, int64(0), "",
			[]byte(`[]`), now, now, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AppendUploadEvent(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListUploadEvents_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM upload_events WHERE true AND template_id = \$1 AND status = \$2 ORDER BY started_at DESC LIMIT \$3`).
		WithArgs(int64(7), "failed", 20).
		WillReturnRows(mock.NewRows([]string{
			"id", "template_id", "provider_id", "source", "status", "total", "created", "skipped", "failed",
			"duration_ms", "message", "errors", "date_from", "date_to", "started_at", "finished_at",
		}).AddRow(
			"5f0c2a6e-4a4e-4b8e-9f8b-0d6d1c1f2a33", int64(7), int64(3), "scheduled", "failed", 0, 0, 0, 0,
			int64(10000), "connection timed out", []byte(`[]`), now, now, now, now,
		))

	events, err := s.ListUploadEvents(context.Background(), model.UploadFilter{
		TemplateID: 7, Status: model.StatusFailed, Limit: 20,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusFailed, events[0].Status)
	assert.Equal(t, model.SourceScheduled, events[0].Source)
	assert.Equal(t, "connection timed out", events[0].Message)
	assert.Empty(t, events[0].Errors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close_NoCloseFn(t *testing.T) {
	s := &PostgresStore{}
	assert.NoError(t, s.Close())
}
