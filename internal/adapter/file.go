package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/fuelwise/fuel-ingest/internal/coerce"
	"github.com/fuelwise/fuel-ingest/internal/fetcher"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

const (
	formatXLSX = "xlsx"
	formatCSV  = "csv"
)

// maxFileSize caps how much of a provider export is read into memory.
const maxFileSize = 256 << 20

// FileSettings configures a flat-file provider export.
type FileSettings struct {
	// Source is a local path, an http(s) URL or an ftp URL.
	Source string `mapstructure:"source"`
	// Format is xlsx or csv. Inferred from the source extension when empty.
	Format string `mapstructure:"format"`
	Sheet  string `mapstructure:"sheet"`
	// HeaderRow is the 1-based row holding column names. Default: 1.
	HeaderRow   int    `mapstructure:"header_row"`
	Delimiter   string `mapstructure:"delimiter"`
	Encoding    string `mapstructure:"encoding"`
	FTPUser     string `mapstructure:"ftp_user"`
	FTPPassword string `mapstructure:"ftp_password"`
}

// FileAdapter reads XLSX or CSV exports from disk, HTTP or FTP.
type FileAdapter struct {
	tpl      *model.ProviderTemplate
	settings FileSettings
	opts     Options
	router   *fetcher.Router
}

func newFileAdapter(tpl *model.ProviderTemplate, raw map[string]any, opts Options) (*FileAdapter, error) {
	var s FileSettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if s.HeaderRow <= 0 {
		s.HeaderRow = 1
	}
	s.Format = strings.ToLower(strings.TrimSpace(s.Format))
	if s.Format != "" && s.Format != formatXLSX && s.Format != formatCSV {
		return nil, invalid("format", "unsupported file format %q", s.Format)
	}
	if utf8.RuneCountInString(s.Delimiter) > 1 {
		return nil, invalid("delimiter", "must be a single character")
	}

	return &FileAdapter{
		tpl:      tpl,
		settings: s,
		opts:     opts,
		router: &fetcher.Router{
			HTTP: opts.HTTP,
			FTP: fetcher.NewFTPFetcher(fetcher.FTPOptions{
				Timeout:  opts.RequestTimeout,
				User:     s.FTPUser,
				Password: s.FTPPassword,
			}),
		},
	}, nil
}

// TestConnection implements Adapter.
func (a *FileAdapter) TestConnection(ctx context.Context) model.ConnectionResult {
	if a.settings.Source == "" {
		return model.ConnectionResult{Message: "no file source configured"}
	}
	return boundedResult(ctx, a.opts.ConnectTimeout, "file source is reachable", func(ctx context.Context) error {
		return a.router.Probe(ctx, a.settings.Source)
	})
}

// ListAvailableFields implements Adapter with the header row of the source.
func (a *FileAdapter) ListAvailableFields(ctx context.Context) ([]model.FieldDescriptor, error) {
	// Cancelling stops the row producers once the header is read.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	header, _, err := a.open(ctx, a.settings.Source)
	if err != nil {
		return nil, err
	}
	fields := make([]model.FieldDescriptor, 0, len(header))
	for _, name := range header {
		if name != "" {
			fields = append(fields, model.FieldDescriptor{Name: name, Type: "string"})
		}
	}
	return fields, nil
}

// FetchTransactions implements Adapter. Filtering by date and card happens
// client side.
func (a *FileAdapter) FetchTransactions(ctx context.Context, q model.FetchQuery) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, func(ctx context.Context, send func(model.RawRecord) bool) error {
		source := a.settings.Source
		if q.SourcePath != "" {
			source = q.SourcePath
		}
		header, rows, err := a.open(ctx, source)
		if err != nil {
			return err
		}

		filter := newRecordFilter(a.tpl, q, a.opts.Location)
		line := a.settings.HeaderRow
		for row := range rows.values {
			line++
			rec, ok := toRecord(header, row, line)
			if !ok || !filter.keep(rec) {
				continue
			}
			if !send(rec) {
				return nil
			}
		}
		if err := <-rows.errs; err != nil {
			return eris.Wrapf(err, "read %s", path.Base(source))
		}
		return nil
	})
}

// Close implements Adapter.
func (a *FileAdapter) Close() error { return nil }

type rowStream struct {
	values <-chan []any
	errs   <-chan error
}

// open downloads source and returns its header and the rows after it.
func (a *FileAdapter) open(ctx context.Context, source string) ([]string, rowStream, error) {
	if source == "" {
		return nil, rowStream{}, invalid("source", "no file source configured")
	}
	format := a.settings.Format
	if format == "" {
		format = formatFromName(source)
	}
	if format == "" {
		return nil, rowStream{}, invalid("format", "cannot infer file format of %q", path.Base(source))
	}

	body, err := a.router.Download(ctx, source)
	if err != nil {
		return nil, rowStream{}, NewConnectionError("open file source", err)
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(body, maxFileSize+1))
	if err != nil {
		return nil, rowStream{}, NewConnectionError("read file source", err)
	}
	if len(data) > maxFileSize {
		return nil, rowStream{}, eris.Errorf("file exceeds %d MiB", maxFileSize>>20)
	}

	var rows rowStream
	switch format {
	case formatXLSX:
		rows, err = a.xlsxRows(ctx, data)
	default:
		rows = a.csvRows(ctx, data)
	}
	if err != nil {
		return nil, rowStream{}, err
	}

	header, err := readHeader(rows)
	if err != nil {
		return nil, rowStream{}, err
	}
	return header, rows, nil
}

func (a *FileAdapter) xlsxRows(ctx context.Context, data []byte) (rowStream, error) {
	wb, err := fetcher.OpenXLSX(data)
	if err != nil {
		return rowStream{}, err
	}
	values, errs := fetcher.StreamXLSX(ctx, wb, fetcher.XLSXOptions{
		SheetName: a.settings.Sheet,
		SkipRows:  a.settings.HeaderRow - 1,
	})
	return rowStream{values: values, errs: errs}, nil
}

func (a *FileAdapter) csvRows(ctx context.Context, data []byte) rowStream {
	opts := fetcher.CSVOptions{
		Encoding:   a.settings.Encoding,
		SkipRows:   a.settings.HeaderRow - 1,
		LazyQuotes: true,
		TrimSpace:  true,
	}
	if a.settings.Delimiter != "" {
		opts.Delimiter, _ = utf8.DecodeRuneInString(a.settings.Delimiter)
	} else {
		opts.Delimiter = sniffDelimiter(data, a.settings.HeaderRow)
	}

	strRows, errs := fetcher.StreamCSV(ctx, bytes.NewReader(data), opts)
	values := make(chan []any)
	go func() {
		defer close(values)
		for row := range strRows {
			cells := make([]any, len(row))
			for i, c := range row {
				if c != "" {
					cells[i] = c
				}
			}
			select {
			case values <- cells:
			case <-ctx.Done():
				for range strRows {
				}
				return
			}
		}
	}()
	return rowStream{values: values, errs: errs}
}

// readHeader takes the first row of rows as column names. Blank and
// repeated names are made unique.
func readHeader(rows rowStream) ([]string, error) {
	first, ok := <-rows.values
	if !ok {
		if err := <-rows.errs; err != nil {
			return nil, err
		}
		return nil, invalid("header_row", "file has no header row")
	}
	header := make([]string, len(first))
	seen := make(map[string]int, len(first))
	for i, v := range first {
		name := coerce.String(v)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		header[i] = name
	}
	return header, nil
}

// toRecord zips header and row. Rows with no values report false.
func toRecord(header []string, row []any, line int) (model.RawRecord, bool) {
	fields := make(map[string]any, len(header))
	empty := true
	for i, name := range header {
		var v any
		if i < len(row) {
			v = row[i]
		}
		if v != nil {
			empty = false
		}
		fields[name] = v
	}
	return model.RawRecord{Line: line, Fields: fields}, !empty
}

func formatFromName(source string) string {
	name := source
	if i := strings.IndexAny(name, "?#"); i >= 0 && fetcher.Scheme(source) != "" {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".xlsx", ".xlsm":
		return formatXLSX
	case ".csv", ".txt":
		return formatCSV
	default:
		return ""
	}
}

// sniffDelimiter picks the most frequent of ; , and tab on the header line.
func sniffDelimiter(data []byte, headerRow int) rune {
	lines := strings.SplitN(string(data), "\n", headerRow+1)
	line := lines[min(headerRow, len(lines))-1]
	best, bestCount := ',', 0
	for _, d := range []rune{';', ',', '\t'} {
		if n := strings.Count(line, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
