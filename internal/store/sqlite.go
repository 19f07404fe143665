package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

// sqliteTime is the fixed-width UTC layout used for every timestamp column so
// that text equality and ordering match time equality and ordering.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas below are per connection; one connection also serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS provider_templates (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id         INTEGER NOT NULL,
	name                TEXT NOT NULL,
	connection_type     TEXT NOT NULL,
	connection_settings BLOB NOT NULL,
	field_mapping       TEXT NOT NULL DEFAULT '{}',
	auto_load           INTEGER NOT NULL DEFAULT 0,
	auto_load_schedule  TEXT NOT NULL DEFAULT '',
	date_from_offset    INTEGER NOT NULL DEFAULT -1,
	date_to_offset      INTEGER NOT NULL DEFAULT -1,
	last_auto_load_date TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cards (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id INTEGER NOT NULL,
	number      TEXT NOT NULL,
	UNIQUE (provider_id, number)
);

CREATE TABLE IF NOT EXISTS gas_stations (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	key     TEXT NOT NULL UNIQUE,
	name    TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS vehicles (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	plate TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS transactions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id      INTEGER NOT NULL,
	template_id      INTEGER NOT NULL,
	transaction_date TEXT NOT NULL,
	card_number      TEXT NOT NULL,
	card_id          INTEGER NOT NULL,
	quantity         TEXT,
	amount           TEXT NOT NULL,
	price            TEXT,
	fuel_type        TEXT NOT NULL DEFAULT '',
	gas_station_id   INTEGER,
	vehicle_id       INTEGER,
	external_ref     TEXT NOT NULL DEFAULT '',
	upload_event_id  TEXT NOT NULL DEFAULT '',
	UNIQUE (card_number, transaction_date, amount, provider_id)
);

CREATE TABLE IF NOT EXISTS upload_events (
	id          TEXT PRIMARY KEY,
	template_id INTEGER NOT NULL,
	provider_id INTEGER NOT NULL,
	source      TEXT NOT NULL,
	status      TEXT NOT NULL,
	total       INTEGER NOT NULL DEFAULT 0,
	created     INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	message     TEXT NOT NULL DEFAULT '',
	errors      TEXT NOT NULL DEFAULT '[]',
	date_from   TEXT NOT NULL,
	date_to     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_provider_date ON transactions(provider_id, transaction_date);
CREATE INDEX IF NOT EXISTS idx_upload_events_template ON upload_events(template_id, started_at);
CREATE INDEX IF NOT EXISTS idx_upload_events_status ON upload_events(status);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTemplate(ctx context.Context, tpl *model.ProviderTemplate) (int64, error) {
	mapping, err := json.Marshal(tpl.FieldMapping)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal field mapping")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_templates (provider_id, name, connection_type, connection_settings, field_mapping,
			auto_load, auto_load_schedule, date_from_offset, date_to_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ProviderID, tpl.Name, string(tpl.ConnectionType), settingsBlob(tpl.ConnectionSettings), string(mapping),
		tpl.AutoLoad, tpl.AutoLoadSchedule, tpl.DateFromOffset, tpl.DateToOffset,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert template")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: template id")
	}
	tpl.ID = id
	return id, nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id int64) (*model.ProviderTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM provider_templates WHERE id = ?`, id)
	tpl, err := scanSQLiteTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "template %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get template %d", id)
	}
	return tpl, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]model.ProviderTemplate, error) {
	return s.listTemplates(ctx, `SELECT `+templateColumns+` FROM provider_templates ORDER BY id`)
}

func (s *SQLiteStore) ListAutoLoadTemplates(ctx context.Context) ([]model.ProviderTemplate, error) {
	return s.listTemplates(ctx, `SELECT `+templateColumns+` FROM provider_templates WHERE auto_load = 1 ORDER BY id`)
}

func (s *SQLiteStore) listTemplates(ctx context.Context, query string) ([]model.ProviderTemplate, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list templates")
	}
	defer rows.Close()

	var out []model.ProviderTemplate
	for rows.Next() {
		tpl, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan template")
		}
		out = append(out, *tpl)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list templates iterate")
}

func scanSQLiteTemplate(row scannable) (*model.ProviderTemplate, error) {
	var tpl model.ProviderTemplate
	var connType, mapping string
	var lastLoad sql.NullString

	err := row.Scan(&tpl.ID, &tpl.ProviderID, &tpl.Name, &connType, &tpl.ConnectionSettings, &mapping,
		&tpl.AutoLoad, &tpl.AutoLoadSchedule, &tpl.DateFromOffset, &tpl.DateToOffset, &lastLoad)
	if err != nil {
		return nil, err
	}
	tpl.ConnectionType = model.ConnectionType(connType)
	if err := json.Unmarshal([]byte(mapping), &tpl.FieldMapping); err != nil {
		return nil, eris.Wrap(err, "unmarshal field mapping")
	}
	if lastLoad.Valid {
		t, err := time.Parse(sqliteTime, lastLoad.String)
		if err != nil {
			return nil, eris.Wrap(err, "parse last auto load date")
		}
		tpl.LastAutoLoadDate = &t
	}
	return &tpl, nil
}

func (s *SQLiteStore) UpdateLastAutoLoad(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_templates SET last_auto_load_date = ? WHERE id = ?`,
		formatTime(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update last auto load %d", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ResolveCard(ctx context.Context, providerID int64, number string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO cards (provider_id, number) VALUES (?, ?)
		ON CONFLICT (provider_id, number) DO UPDATE SET number = excluded.number
		RETURNING id`,
		providerID, number,
	).Scan(&id)
	return id, eris.Wrapf(err, "sqlite: resolve card %s", number)
}

func (s *SQLiteStore) ResolveGasStation(ctx context.Context, key, name, address string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO gas_stations (key, name, address) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET address = CASE
			WHEN gas_stations.address = '' THEN excluded.address ELSE gas_stations.address END
		RETURNING id`,
		key, name, address,
	).Scan(&id)
	return id, eris.Wrapf(err, "sqlite: resolve gas station %s", key)
}

func (s *SQLiteStore) ResolveVehicle(ctx context.Context, plate string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO vehicles (plate) VALUES (?)
		ON CONFLICT (plate) DO UPDATE SET plate = excluded.plate
		RETURNING id`,
		plate,
	).Scan(&id)
	return id, eris.Wrapf(err, "sqlite: resolve vehicle %s", plate)
}

func (s *SQLiteStore) TransactionExists(ctx context.Context, key model.TransactionKey) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions
			WHERE card_number = ? AND transaction_date = ? AND amount = ? AND provider_id = ?)`,
		key.CardNumber, formatTime(key.TransactionDate), amountText(key.Amount), key.ProviderID,
	).Scan(&exists)
	return exists, eris.Wrap(err, "sqlite: transaction exists")
}

// InsertTransaction relies on the UNIQUE constraint: a conflicting row is
// not inserted and RETURNING yields no row.
func (s *SQLiteStore) InsertTransaction(ctx context.Context, tx *model.CanonicalTransaction) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO transactions (provider_id, template_id, transaction_date, card_number, card_id,
			quantity, amount, price, fuel_type, gas_station_id, vehicle_id, external_ref, upload_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (card_number, transaction_date, amount, provider_id) DO NOTHING
		RETURNING id`,
		tx.ProviderID, tx.TemplateID, formatTime(tx.TransactionDate), tx.CardNumber, tx.CardID,
		decimalArg(tx.Quantity), amountText(tx.Amount), decimalArg(tx.Price), tx.FuelType,
		tx.GasStationID, tx.VehicleID, tx.ExternalRef, tx.UploadEventID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert transaction")
	}
	tx.ID = id
	return id, nil
}

func (s *SQLiteStore) CountTransactions(ctx context.Context, providerID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transactions WHERE provider_id = ?`, providerID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count transactions")
}

func (s *SQLiteStore) AppendUploadEvent(ctx context.Context, ev *model.UploadEvent) error {
	errs, err := json.Marshal(nonNilStrings(ev.Errors))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal upload errors")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_events (id, template_id, provider_id, source, status, total, created, skipped,
			failed, duration_ms, message, errors, date_from, date_to, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TemplateID, ev.ProviderID, string(ev.Source), string(ev.Status),
		ev.Total, ev.Created, ev.Skipped, ev.Failed, ev.DurationMs, ev.Message, string(errs),
		formatTime(ev.DateFrom), formatTime(ev.DateTo), formatTime(ev.StartedAt), formatTime(ev.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: append upload event %s", ev.ID)
}

func (s *SQLiteStore) ListUploadEvents(ctx context.Context, filter model.UploadFilter) ([]model.UploadEvent, error) {
	query := `SELECT id, template_id, provider_id, source, status, total, created, skipped, failed,
		duration_ms, message, errors, date_from, date_to, started_at, finished_at
		FROM upload_events WHERE 1=1`
	var args []any

	if filter.TemplateID != 0 {
		query += ` AND template_id = ?`
		args = append(args, filter.TemplateID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list upload events")
	}
	defer rows.Close()

	var events []model.UploadEvent
	for rows.Next() {
		ev, err := scanSQLiteUploadEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list upload events iterate")
}

func scanSQLiteUploadEvent(row scannable) (*model.UploadEvent, error) {
	var ev model.UploadEvent
	var source, status, errs string
	var times [4]string

	if err := row.Scan(&ev.ID, &ev.TemplateID, &ev.ProviderID, &source, &status,
		&ev.Total, &ev.Created, &ev.Skipped, &ev.Failed, &ev.DurationMs, &ev.Message, &errs,
		&times[0], &times[1], &times[2], &times[3]); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan upload event")
	}
	ev.Source = model.UploadSource(source)
	ev.Status = model.UploadStatus(status)
	if err := json.Unmarshal([]byte(errs), &ev.Errors); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal upload errors")
	}
	if len(ev.Errors) == 0 {
		ev.Errors = nil
	}

	for i, dst := range []*time.Time{&ev.DateFrom, &ev.DateTo, &ev.StartedAt, &ev.FinishedAt} {
		t, err := time.Parse(sqliteTime, times[i])
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse upload event time")
		}
		*dst = t
	}
	return &ev, nil
}

// helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

// amountText renders an amount with the two fractional digits the Postgres
// column keeps, so that 100.5 and 100.50 collide in the text-keyed UNIQUE.
func amountText(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func checkRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "template %d", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
