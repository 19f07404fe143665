package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

// createTestXLSX writes a workbook; float64 values become numeric cells and
// everything else is stored as text.
func createTestXLSX(t *testing.T, sheets map[string][][]any) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, v := range rowData {
				cell := row.AddCell()
				switch x := v.(type) {
				case float64:
					cell.SetFloat(x)
				case nil:
				default:
					cell.SetString(x.(string))
				}
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func collectXLSX(rowCh <-chan []any, errCh <-chan error) ([][]any, error) {
	var rows [][]any
	for row := range rowCh {
		rows = append(rows, row)
	}
	return rows, <-errCh
}

func TestStreamXLSX_TypedCells(t *testing.T) {
	path := createTestXLSX(t, map[string][][]any{
		"Sheet1": {
			{"Date", "Card", "Amount"},
			{44197.4375, "7012345678", 150.25},
			{"02.01.2021", " 7012 ", "99,90"},
		},
	})
	f, err := OpenXLSXFile(path)
	require.NoError(t, err)

	rows, err := collectXLSX(StreamXLSX(context.Background(), f, XLSXOptions{}))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"Date", "Card", "Amount"}, rows[0])
	assert.Equal(t, 44197.4375, rows[1][0])
	assert.Equal(t, "7012345678", rows[1][1])
	assert.Equal(t, 150.25, rows[1][2])
	assert.Equal(t, []any{"02.01.2021", "7012", "99,90"}, rows[2])
}

func TestStreamXLSX_FromBytesSkipRows(t *testing.T) {
	path := createTestXLSX(t, map[string][][]any{
		"Sheet1": {
			{"Provider export"},
			{"Date", "Card"},
			{"01.01.2021", "1"},
		},
	})
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := OpenXLSX(data)
	require.NoError(t, err)

	rows, err := collectXLSX(StreamXLSX(context.Background(), f, XLSXOptions{SkipRows: 1}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []any{"Date", "Card"}, rows[0])
}

func TestStreamXLSX_SheetName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]any{
		"First":  {{"a", "b"}},
		"Second": {{"x", "y"}, {"1", "2"}},
	})
	f, err := OpenXLSXFile(path)
	require.NoError(t, err)

	rows, err := collectXLSX(StreamXLSX(context.Background(), f, XLSXOptions{SheetName: "Second"}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []any{"x", "y"}, rows[0])
}

func TestStreamXLSX_SheetErrors(t *testing.T) {
	path := createTestXLSX(t, map[string][][]any{"Sheet1": {{"a"}}})
	f, err := OpenXLSXFile(path)
	require.NoError(t, err)

	_, err = collectXLSX(StreamXLSX(context.Background(), f, XLSXOptions{SheetName: "Nope"}))
	assert.Error(t, err)
	_, err = collectXLSX(StreamXLSX(context.Background(), f, XLSXOptions{SheetIndex: 3}))
	assert.Error(t, err)
}

func TestSheetRow(t *testing.T) {
	path := createTestXLSX(t, map[string][][]any{
		"Sheet1": {{"title"}, {"Date", "Card"}},
	})
	f, err := OpenXLSXFile(path)
	require.NoError(t, err)

	row, err := SheetRow(f, XLSXOptions{}, 1)
	require.NoError(t, err)
	assert.Equal(t, []any{"Date", "Card"}, row)

	row, err = SheetRow(f, XLSXOptions{}, 10)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestOpenXLSX_Invalid(t *testing.T) {
	_, err := OpenXLSX([]byte("not a workbook"))
	assert.Error(t, err)
	_, err = OpenXLSXFile(filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.Error(t, err)
}
