// Package export renders extracted tables as an XLSX workbook.
package export

import (
	"errors"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/patmaster/internal/models"
)

// IndexSheet lists every exported table.
const IndexSheet = "Index"

// ErrNoTables is returned for an extraction without tables.
var ErrNoTables = errors.New("extraction has no tables")

// SheetName returns the sheet a table is written to.
func SheetName(t *models.ExtractedTable) string {
	return fmt.Sprintf("p%d_t%d", t.PageNumber, t.Index)
}

// TablesWorkbook writes one sheet per table of ext to w, headers in bold on row 1, plus
// an Index sheet with page, source and size of each table.
func TablesWorkbook(ext *models.Extraction, w io.Writer) error {
	if ext == nil || len(ext.Tables) == 0 {
		return ErrNoTables
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), IndexSheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := writeRow(f, IndexSheet, 1, []any{"Sheet", "Page", "Index", "Source", "Rows", "Columns"}); err != nil {
		return err
	}
	_ = f.SetRowStyle(IndexSheet, 1, 1, bold)

	for i, t := range ext.Tables {
		name := SheetName(t)
		if idx, _ := f.GetSheetIndex(name); idx != -1 {
			name = fmt.Sprintf("%s_%d", name, i)
		}
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("sheet %s: %w", name, err)
		}
		row := 1
		if len(t.Headers) > 0 {
			if err := writeRow(f, name, row, cells(t.Headers)); err != nil {
				return err
			}
			_ = f.SetRowStyle(name, 1, 1, bold)
			row++
		}
		for _, r := range t.Rows {
			if err := writeRow(f, name, row, cells(r)); err != nil {
				return err
			}
			row++
		}
		if err := writeRow(f, IndexSheet, i+2, []any{name, t.PageNumber, t.Index, string(t.Source), t.NumRows, t.NumCols}); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(IndexSheet, "A", "A", 14)
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func cells(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
