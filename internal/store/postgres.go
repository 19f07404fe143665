package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/fuelwise/fuel-ingest/internal/db"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// dedupConstraint is the unique constraint backing transaction dedup.
const dedupConstraint = "uq_transactions_dedup"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, postgresMigrations, "migrations/postgres"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const templateColumns = `id, provider_id, name, connection_type, connection_settings, field_mapping,
	auto_load, auto_load_schedule, date_from_offset, date_to_offset, last_auto_load_date`

func (s *PostgresStore) CreateTemplate(ctx context.Context, tpl *model.ProviderTemplate) (int64, error) {
	mapping, err := json.Marshal(tpl.FieldMapping)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal field mapping")
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO provider_templates (provider_id, name, connection_type, connection_settings, field_mapping,
			auto_load, auto_load_schedule, date_from_offset, date_to_offset)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		tpl.ProviderID, tpl.Name, string(tpl.ConnectionType), settingsBlob(tpl.ConnectionSettings), mapping,
		tpl.AutoLoad, tpl.AutoLoadSchedule, tpl.DateFromOffset, tpl.DateToOffset,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert template")
	}
	tpl.ID = id
	return id, nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id int64) (*model.ProviderTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM provider_templates WHERE id = $1`, id)
	tpl, err := scanPostgresTemplate(row)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "template %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get template %d", id)
	}
	return tpl, nil
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]model.ProviderTemplate, error) {
	return s.listTemplates(ctx, `SELECT `+templateColumns+` FROM provider_templates ORDER BY id`)
}

func (s *PostgresStore) ListAutoLoadTemplates(ctx context.Context) ([]model.ProviderTemplate, error) {
	return s.listTemplates(ctx, `SELECT `+templateColumns+` FROM provider_templates WHERE auto_load ORDER BY id`)
}

func (s *PostgresStore) listTemplates(ctx context.Context, query string) ([]model.ProviderTemplate, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list templates")
	}
	defer rows.Close()

	var out []model.ProviderTemplate
	for rows.Next() {
		tpl, err := scanPostgresTemplate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan template")
		}
		out = append(out, *tpl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list templates iterate")
}

func scanPostgresTemplate(row scannable) (*model.ProviderTemplate, error) {
	var tpl model.ProviderTemplate
	var connType string
	var mapping []byte

	err := row.Scan(&tpl.ID, &tpl.ProviderID, &tpl.Name, &connType, &tpl.ConnectionSettings, &mapping,
		&tpl.AutoLoad, &tpl.AutoLoadSchedule, &tpl.DateFromOffset, &tpl.DateToOffset, &tpl.LastAutoLoadDate)
	if err != nil {
		return nil, err
	}
	tpl.ConnectionType = model.ConnectionType(connType)
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &tpl.FieldMapping); err != nil {
			return nil, eris.Wrap(err, "unmarshal field mapping")
		}
	}
	return &tpl, nil
}

func (s *PostgresStore) UpdateLastAutoLoad(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_templates SET last_auto_load_date = $1 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update last auto load %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "template %d", id)
	}
	return nil
}

func (s *PostgresStore) ResolveCard(ctx context.Context, providerID int64, number string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO cards (provider_id, number) VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT uq_cards_provider_number DO UPDATE SET number = EXCLUDED.number
		RETURNING id`,
		providerID, number,
	).Scan(&id)
	return id, eris.Wrapf(err, "postgres: resolve card %s", number)
}

func (s *PostgresStore) ResolveGasStation(ctx context.Context, key, name, address string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO gas_stations (key, name, address) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET address = CASE
			WHEN gas_stations.address = '' THEN EXCLUDED.address ELSE gas_stations.address END
		RETURNING id`,
		key, name, address,
	).Scan(&id)
	return id, eris.Wrapf(err, "postgres: resolve gas station %s", key)
}

func (s *PostgresStore) ResolveVehicle(ctx context.Context, plate string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO vehicles (plate) VALUES ($1)
		ON CONFLICT (plate) DO UPDATE SET plate = EXCLUDED.plate
		RETURNING id`,
		plate,
	).Scan(&id)
	return id, eris.Wrapf(err, "postgres: resolve vehicle %s", plate)
}

func (s *PostgresStore) TransactionExists(ctx context.Context, key model.TransactionKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions
			WHERE card_number = $1 AND transaction_date = $2 AND amount = $3::numeric AND provider_id = $4)`,
		key.CardNumber, key.TransactionDate.UTC(), key.Amount.String(), key.ProviderID,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: transaction exists")
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *model.CanonicalTransaction) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO transactions (provider_id, template_id, transaction_date, card_number, card_id,
			quantity, amount, price, fuel_type, gas_station_id, vehicle_id, external_ref, upload_event_id)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)
		RETURNING id`,
		tx.ProviderID, tx.TemplateID, tx.TransactionDate.UTC(), tx.CardNumber, tx.CardID,
		decimalArg(tx.Quantity), tx.Amount.String(), decimalArg(tx.Price), tx.FuelType,
		tx.GasStationID, tx.VehicleID, tx.ExternalRef, tx.UploadEventID,
	).Scan(&id)
	if db.IsUniqueViolation(err, dedupConstraint) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert transaction")
	}
	tx.ID = id
	return id, nil
}

func (s *PostgresStore) CountTransactions(ctx context.Context, providerID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM transactions WHERE provider_id = $1`, providerID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count transactions")
}

func (s *PostgresStore) AppendUploadEvent(ctx context.Context, ev *model.UploadEvent) error {
	errs, err := json.Marshal(nonNilStrings(ev.Errors))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal upload errors")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO upload_events (id, template_id, provider_id, source, status, total, created, skipped,
			failed, duration_ms, message, errors, date_from, date_to, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ev.ID, ev.TemplateID, ev.ProviderID, string(ev.Source), string(ev.Status),
		ev.Total, ev.Created, ev.Skipped, ev.Failed, ev.DurationMs, ev.Message, errs,
		ev.DateFrom.UTC(), ev.DateTo.UTC(), ev.StartedAt.UTC(), ev.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: append upload event %s", ev.ID)
}

func (s *PostgresStore) ListUploadEvents(ctx context.Context, filter model.UploadFilter) ([]model.UploadEvent, error) {
	query := `SELECT id::text, template_id, provider_id, source, status, total, created, skipped, failed,
		duration_ms, message, errors, date_from, date_to, started_at, finished_at
		FROM upload_events WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TemplateID != 0 {
		query += fmt.Sprintf(` AND template_id = $%d`, argIdx)
		args = append(args, filter.TemplateID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY started_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list upload events")
	}
	defer rows.Close()

	var events []model.UploadEvent
	for rows.Next() {
		var ev model.UploadEvent
		var source, status string
		var errs []byte
		if err := rows.Scan(&ev.ID, &ev.TemplateID, &ev.ProviderID, &source, &status,
			&ev.Total, &ev.Created, &ev.Skipped, &ev.Failed, &ev.DurationMs, &ev.Message, &errs,
			&ev.DateFrom, &ev.DateTo, &ev.StartedAt, &ev.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan upload event")
		}
		ev.Source = model.UploadSource(source)
		ev.Status = model.UploadStatus(status)
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &ev.Errors); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal upload errors")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list upload events iterate")
}

// decimalArg renders an optional decimal as a numeric literal parameter.
func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
