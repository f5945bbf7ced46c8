package fetcher

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet and header row of a workbook.
type XLSXOptions struct {
	SheetName  string // if set, overrides SheetIndex
	SheetIndex int
	// HeaderRow is the zero-based row holding column names.
	HeaderRow int
}

// ReadXLSX parses a workbook held in memory into Records. Rows with no
// non-empty cell are skipped.
func ReadXLSX(data []byte, opts XLSXOptions) ([]Record, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	sheet, err := pickSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if opts.HeaderRow >= len(sheet.Rows) {
		return nil, eris.Errorf("xlsx: header row %d beyond sheet %q (%d rows)", opts.HeaderRow, sheet.Name, len(sheet.Rows))
	}

	header := normalizeHeader(cellStrings(sheet.Rows[opts.HeaderRow]))
	var out []Record
	for _, row := range sheet.Rows[opts.HeaderRow+1:] {
		cells := cellStrings(row)
		if blank(cells) {
			continue
		}
		out = append(out, toRecord(header, cells))
	}
	return out, nil
}

func pickSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func cellStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
