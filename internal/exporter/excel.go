package exporter

import (
	"github.com/xuri/excelize/v2"

	"queryprocessor/internal/runner"
)

const excelSheetName = "Results"

// excelWriter buffers rows into a single worksheet and writes the workbook
// out on Close. excelize has no true streaming row-by-row API for reads,
// but its StreamWriter covers writes; row count for a query export is
// bounded by the same practical limits any spreadsheet format imposes.
type excelWriter struct {
	path string
	f    *excelize.File
	sw   *excelize.StreamWriter
	row  int
}

func newExcelWriter(path string) (Writer, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", excelSheetName); err != nil {
		return nil, err
	}
	sw, err := f.NewStreamWriter(excelSheetName)
	if err != nil {
		return nil, err
	}
	return &excelWriter{path: path, f: f, sw: sw}, nil
}

func (w *excelWriter) Write(chunk runner.Chunk) error {
	if w.row == 0 {
		header := make([]any, len(chunk.Columns))
		for i, c := range chunk.Columns {
			header[i] = c
		}
		cell, err := excelize.CoordinatesToCellName(1, 1)
		if err != nil {
			return err
		}
		if err := w.sw.SetRow(cell, header); err != nil {
			return err
		}
		w.row = 1
	}
	for _, r := range chunk.Rows {
		w.row++
		record := make([]any, len(r))
		for i, v := range r {
			record[i] = cellString(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, w.row)
		if err != nil {
			return err
		}
		if err := w.sw.SetRow(cell, record); err != nil {
			return err
		}
	}
	return nil
}

func (w *excelWriter) Close() error {
	if err := w.sw.Flush(); err != nil {
		return err
	}
	return w.f.SaveAs(w.path)
}
