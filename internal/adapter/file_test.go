package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

func writeXLSX(t *testing.T, rows [][]any) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Transactions")
	require.NoError(t, err)
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range r {
			cell := row.AddCell()
			switch x := v.(type) {
			case float64:
				cell.SetFloat(x)
			case string:
				cell.SetString(x)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "export.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newFile(t *testing.T, settings map[string]any) *FileAdapter {
	t.Helper()
	a, err := newFileAdapter(testTemplate(model.ConnectionFile), settings, NewFactory(Options{}).opts)
	require.NoError(t, err)
	return a
}

var march = model.FetchQuery{
	DateFrom: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	DateTo:   time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC),
}

func TestFileAdapter_XLSX(t *testing.T) {
	path := writeXLSX(t, [][]any{
		{"Date", "Card", "Amount"},
		{45352.5, "7012345678", 150.25}, // 2024-03-01 12:00
		{"15.03.2024 09:30", "7012345679", "99,90"},
		{},
		{"15.04.2024", "7012345679", "10"},
	})
	a := newFile(t, map[string]any{"source": path})

	recs, err := fetchAll(t, a, march)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[0].Line)
	assert.Equal(t, 45352.5, recs[0].Fields["Date"])
	assert.Equal(t, "7012345678", recs[0].Fields["Card"])
	assert.Equal(t, 3, recs[1].Line)
	assert.Equal(t, "99,90", recs[1].Fields["Amount"])
}

func TestFileAdapter_CSVHeaderRowAndCardFilter(t *testing.T) {
	path := writeFile(t, "export.csv",
		"Fuel report, March\n"+
			"Date;Card;Amount\n"+
			"01.03.2024 08:00;7012 3456;1 500,00\n"+
			"02.03.2024 09:00;7012 9999;20\n")
	a := newFile(t, map[string]any{"source": path, "header_row": 2})

	q := march
	q.CardNumber = "70123456"
	recs, err := fetchAll(t, a, q)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Line)
	assert.Equal(t, "1 500,00", recs[0].Fields["Amount"])
}

func TestFileAdapter_SourceOverride(t *testing.T) {
	uploaded := writeFile(t, "upload.csv", "Date,Card,Amount\n05.03.2024,1,2\n")
	a := newFile(t, map[string]any{"source": "/does/not/exist.csv"})

	q := march
	q.SourcePath = uploaded
	recs, err := fetchAll(t, a, q)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestFileAdapter_MissingSourceIsConnectionError(t *testing.T) {
	a := newFile(t, map[string]any{"source": filepath.Join(t.TempDir(), "gone.xlsx")})
	_, err := fetchAll(t, a, march)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))

	res := a.TestConnection(context.Background())
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestFileAdapter_ListAvailableFields(t *testing.T) {
	path := writeFile(t, "export.csv", "Date,Card,,Card\n01.03.2024,1,x,2\n")
	a := newFile(t, map[string]any{"source": path})

	fields, err := a.ListAvailableFields(context.Background())
	require.NoError(t, err)
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"Date", "Card", "column_3", "Card_2"}, names)
}

func TestFileAdapter_HTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Date\tCard\tAmount\n10.03.2024\t1\t5\n"))
	}))
	defer srv.Close()

	a := newFile(t, map[string]any{"source": srv.URL + "/export?fmt=1", "format": "csv"})
	recs, err := fetchAll(t, a, march)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "5", recs[0].Fields["Amount"])

	assert.True(t, a.TestConnection(context.Background()).Success)
}

func TestFileAdapter_Validation(t *testing.T) {
	opts := NewFactory(Options{}).opts
	tpl := testTemplate(model.ConnectionFile)

	_, err := newFileAdapter(tpl, map[string]any{"format": "pdf"}, opts)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = newFileAdapter(tpl, map[string]any{"delimiter": ";;"}, opts)
	assert.True(t, errors.As(err, &ve))

	a, err := newFileAdapter(tpl, map[string]any{"source": "/tmp/export.pdf"}, opts)
	require.NoError(t, err)
	_, err = fetchAll(t, a, march)
	assert.True(t, errors.As(err, &ve))
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;c\n1,2;3;4"), 1))
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\n"), 1))
	assert.Equal(t, ',', sniffDelimiter([]byte("single"), 1))
	assert.Equal(t, ';', sniffDelimiter([]byte("Report, March\nDate;Card\n"), 2))
	assert.Equal(t, ',', sniffDelimiter([]byte("short"), 5))
}

func TestFormatFromName(t *testing.T) {
	assert.Equal(t, "xlsx", formatFromName("/data/Export.XLSX"))
	assert.Equal(t, "csv", formatFromName("https://h/x.csv?sig=abc"))
	assert.Equal(t, "", formatFromName("ftp://h/x"))
}
