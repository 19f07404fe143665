package fetcher

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions configures the XLSX parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	SkipRows   int    // rows before the first emitted row
}

// OpenXLSX parses a workbook held in memory.
func OpenXLSX(data []byte) (*xlsx.File, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}
	return f, nil
}

// OpenXLSXFile parses a workbook from disk.
func OpenXLSXFile(path string) (*xlsx.File, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	return f, nil
}

// StreamXLSX sends the rows of one sheet to a channel. Numeric cells arrive
// as float64 so date serials survive, booleans as bool, blanks as nil and
// everything else as the trimmed cell text. Both channels are closed when
// processing completes.
func StreamXLSX(ctx context.Context, f *xlsx.File, opts XLSXOptions) (<-chan []any, <-chan error) {
	rowCh := make(chan []any, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		sheet, err := getSheet(f, opts)
		if err != nil {
			errCh <- err
			return
		}

		for i, row := range sheet.Rows {
			if i < opts.SkipRows {
				continue
			}
			select {
			case rowCh <- rowValues(row):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// SheetRow returns the values of the row at index, or nil when the sheet is
// shorter.
func SheetRow(f *xlsx.File, opts XLSXOptions, index int) ([]any, error) {
	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(sheet.Rows) {
		return nil, nil
	}
	return rowValues(sheet.Rows[index]), nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex < 0 || opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowValues(row *xlsx.Row) []any {
	if row == nil {
		return nil
	}
	cells := make([]any, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cellValue(cell)
	}
	return cells
}

func cellValue(cell *xlsx.Cell) any {
	if cell == nil {
		return nil
	}
	switch cell.Type() {
	case xlsx.CellTypeNumeric:
		if v, err := cell.Float(); err == nil {
			return v
		}
	case xlsx.CellTypeBool:
		return cell.Bool()
	}
	s := strings.TrimSpace(cell.Value)
	if s == "" {
		return nil
	}
	return s
}
