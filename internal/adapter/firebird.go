package adapter

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/nakagami/firebirdsql" // registers the "firebirdsql" driver
	"github.com/rotisserie/eris"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

// FirebirdSettings configures a direct query against a provider's Firebird
// database.
type FirebirdSettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Role     string `mapstructure:"role"`
	Charset  string `mapstructure:"charset"`

	// Query is a full SELECT with "?" placeholders for the date bounds, and
	// a third for the card when CardFilterInQuery is set. The card is bound
	// as NULL when no card filter is requested.
	Query             string `mapstructure:"query"`
	CardFilterInQuery bool   `mapstructure:"card_filter_in_query"`

	// Table, DateColumn and optional CardColumn build the query instead.
	Table      string `mapstructure:"table"`
	DateColumn string `mapstructure:"date_column"`
	CardColumn string `mapstructure:"card_column"`
}

var identifierRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_$]{0,62}$`)

// quoteIdent validates a table or column name and quotes it. Names are
// upper-cased first, matching how Firebird stores unquoted identifiers.
func quoteIdent(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if !identifierRe.MatchString(name) {
		return "", invalid(field, "invalid identifier %q", name)
	}
	return `"` + strings.ToUpper(name) + `"`, nil
}

// countPlaceholders counts "?" outside single-quoted literals.
func countPlaceholders(query string) int {
	n, quoted := 0, false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == '?' && !quoted:
			n++
		}
	}
	return n
}

// FirebirdAdapter queries a provider database over the Firebird wire protocol.
type FirebirdAdapter struct {
	tpl      *model.ProviderTemplate
	settings FirebirdSettings
	opts     Options
	db       *sql.DB

	query       string
	cardInQuery bool
	probe       string
}

func newFirebirdAdapter(tpl *model.ProviderTemplate, raw map[string]any, opts Options) (*FirebirdAdapter, error) {
	var s FirebirdSettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if s.Host == "" {
		return nil, invalid("host", "required")
	}
	if s.Database == "" {
		return nil, invalid("database", "required")
	}
	if s.Port == 0 {
		s.Port = 3050
	}
	if s.User == "" {
		s.User = "SYSDBA"
	}
	if s.Charset == "" {
		s.Charset = "UTF8"
	}

	a := &FirebirdAdapter{tpl: tpl, settings: s, opts: opts}
	if err := a.buildQuery(); err != nil {
		return nil, err
	}

	db, err := sql.Open("firebirdsql", a.dsn())
	if err != nil {
		return nil, eris.Wrap(err, "firebird: open")
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)
	a.db = db
	return a, nil
}

func (a *FirebirdAdapter) buildQuery() error {
	s := a.settings
	if q := strings.TrimSpace(s.Query); q != "" {
		want := 2
		if s.CardFilterInQuery {
			want = 3
		}
		if got := countPlaceholders(q); got != want {
			return invalid("query", "expected %d placeholders, found %d", want, got)
		}
		a.query = q
		a.cardInQuery = s.CardFilterInQuery
		a.probe = q
		return nil
	}

	if s.Table == "" || s.DateColumn == "" {
		return invalid("query", "either query or table and date_column are required")
	}
	table, err := quoteIdent("table", s.Table)
	if err != nil {
		return err
	}
	dateCol, err := quoteIdent("date_column", s.DateColumn)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM " + table + " WHERE " + dateCol + " >= ? AND " + dateCol + " <= ?")
	if s.CardColumn != "" {
		cardCol, err := quoteIdent("card_column", s.CardColumn)
		if err != nil {
			return err
		}
		b.WriteString(" AND (CAST(? AS VARCHAR(64)) IS NULL OR " + cardCol + " = ?)")
		a.cardInQuery = true
	}
	b.WriteString(" ORDER BY " + dateCol)
	a.query = b.String()
	a.probe = "SELECT FIRST 0 * FROM " + table
	return nil
}

// dsn renders user:password@host:port/database?charset=... with escaped
// credentials.
func (a *FirebirdAdapter) dsn() string {
	s := a.settings
	params := url.Values{}
	params.Set("charset", s.Charset)
	if s.Role != "" {
		params.Set("role", s.Role)
	}
	return url.UserPassword(s.User, s.Password).String() + "@" +
		net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) + "/" + s.Database +
		"?" + params.Encode()
}

// args returns the bind parameters for a fetch.
func (a *FirebirdAdapter) args(q model.FetchQuery) []any {
	args := []any{q.DateFrom, q.DateTo}
	if !a.cardInQuery {
		return args
	}
	var card any
	if q.CardNumber != "" {
		card = q.CardNumber
	}
	if a.settings.Query != "" {
		return append(args, card)
	}
	return append(args, card, card)
}

// TestConnection implements Adapter.
func (a *FirebirdAdapter) TestConnection(ctx context.Context) model.ConnectionResult {
	return boundedResult(ctx, a.opts.ConnectTimeout, "connected to "+a.settings.Host, func(ctx context.Context) error {
		if err := a.db.PingContext(ctx); err != nil {
			return eris.Wrap(err, "firebird: ping")
		}
		var one int
		if err := a.db.QueryRowContext(ctx, "SELECT 1 FROM RDB$DATABASE").Scan(&one); err != nil {
			return eris.Wrap(err, "firebird: probe query")
		}
		return nil
	})
}

// ListAvailableFields implements Adapter with the result columns of a probe
// query that returns no rows.
func (a *FirebirdAdapter) ListAvailableFields(ctx context.Context) ([]model.FieldDescriptor, error) {
	var rows *sql.Rows
	var err error
	if a.settings.Query != "" {
		epoch := time.Unix(0, 0).UTC()
		rows, err = a.db.QueryContext(ctx, a.probe, a.args(model.FetchQuery{DateFrom: epoch, DateTo: epoch})...)
	} else {
		rows, err = a.db.QueryContext(ctx, a.probe)
	}
	if err != nil {
		return nil, NewConnectionError("firebird: probe columns", err)
	}
	defer rows.Close() //nolint:errcheck

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, NewConnectionError("firebird: column types", err)
	}
	fields := make([]model.FieldDescriptor, len(types))
	for i, ct := range types {
		fields[i] = model.FieldDescriptor{Name: ct.Name(), Type: strings.ToLower(ct.DatabaseTypeName())}
	}
	return fields, nil
}

// FetchTransactions implements Adapter. Date bounds and the card filter are
// bind parameters; the card filter falls back to client side when the query
// has no slot for it.
func (a *FirebirdAdapter) FetchTransactions(ctx context.Context, q model.FetchQuery) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, func(ctx context.Context, send func(model.RawRecord) bool) error {
		rows, err := a.db.QueryContext(ctx, a.query, a.args(q)...)
		if err != nil {
			return NewConnectionError("firebird: query", err)
		}
		defer rows.Close() //nolint:errcheck

		cols, err := rows.Columns()
		if err != nil {
			return NewConnectionError("firebird: columns", err)
		}

		filter := newRecordFilter(a.tpl, q, a.opts.Location)
		if a.cardInQuery {
			filter.card = ""
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}

		line := 0
		for rows.Next() {
			line++
			if err := rows.Scan(ptrs...); err != nil {
				return NewConnectionError("firebird: scan", err)
			}
			fields := make(map[string]any, len(cols))
			for i, c := range cols {
				if b, ok := values[i].([]byte); ok {
					fields[c] = string(b)
				} else {
					fields[c] = values[i]
				}
			}
			rec := model.RawRecord{Line: line, Fields: fields}
			if !filter.keep(rec) {
				continue
			}
			if !send(rec) {
				return nil
			}
		}
		if err := rows.Err(); err != nil {
			return NewConnectionError("firebird: read rows", err)
		}
		return nil
	})
}

// Close implements Adapter.
func (a *FirebirdAdapter) Close() error {
	return a.db.Close()
}
