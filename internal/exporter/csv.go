package exporter

import (
	"bufio"
	"encoding/csv"
	"os"

	"queryprocessor/internal/runner"
)

type csvWriter struct {
	f       *os.File
	buf     *bufio.Writer
	w       *csv.Writer
	wroteHeader bool
}

func newCSVWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &csvWriter{f: f, buf: buf, w: csv.NewWriter(buf)}, nil
}

func (w *csvWriter) Write(chunk runner.Chunk) error {
	if !w.wroteHeader {
		if err := w.w.Write(chunk.Columns); err != nil {
			return err
		}
		w.wroteHeader = true
	}
	for _, row := range chunk.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = cellString(v)
		}
		if err := w.w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func (w *csvWriter) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
