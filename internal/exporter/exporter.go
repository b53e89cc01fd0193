// Package exporter writes streamed query results to a local spool file in
// one of the supported formats.
package exporter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"queryprocessor/internal/jobserr"
	"queryprocessor/internal/models"
	"queryprocessor/internal/runner"
)

// Writer accepts result chunks in order and finalizes them into a file.
// A Writer is used for exactly one export: Write is called once per chunk,
// then Close exactly once.
type Writer interface {
	Write(chunk runner.Chunk) error
	Close() error
}

// Result summarizes a completed export for the caller to fold into a job's
// result_metadata.
type Result struct {
	RowCount    int64
	ColumnCount int
	ByteSize    int64
	LocalPath   string
}

// Export drains chunks (and observes errc) into a spool file under dir named
// filename, in the given format. On any error it removes the partial file
// before returning, so the spool never accumulates garbage.
func Export(ctx context.Context, dir, filename, format string, chunks <-chan runner.Chunk, errc <-chan error) (Result, error) {
	if !models.ValidExportType(format) {
		drain(chunks)
		return Result{}, jobserr.New(jobserr.ExportFormat, fmt.Sprintf("unsupported export_type %q", format), nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		drain(chunks)
		return Result{}, jobserr.New(jobserr.ExportIO, "create spool directory", err)
	}

	path := filepath.Join(dir, filename)
	w, err := newWriter(format, path)
	if err != nil {
		drain(chunks)
		return Result{}, err
	}

	committed := false
	closed := false
	defer func() {
		if !committed {
			if !closed {
				_ = w.Close()
			}
			_ = os.Remove(path)
		}
	}()

	var rowCount int64
	var columnCount int

	for chunk := range chunks {
		select {
		case <-ctx.Done():
			return Result{}, jobserr.New(jobserr.Canceled, "export canceled", ctx.Err())
		default:
		}
		columnCount = len(chunk.Columns)
		rowCount += int64(len(chunk.Rows))
		if err := w.Write(chunk); err != nil {
			return Result{}, jobserr.New(jobserr.ExportIO, "write export chunk", err)
		}
	}
	if err := <-errc; err != nil {
		return Result{}, err
	}
	closed = true
	if err := w.Close(); err != nil {
		return Result{}, jobserr.New(jobserr.ExportIO, "finalize export file", err)
	}
	committed = true

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, jobserr.New(jobserr.ExportIO, "stat completed export file", err)
	}

	return Result{
		RowCount:    rowCount,
		ColumnCount: columnCount,
		ByteSize:    info.Size(),
		LocalPath:   path,
	}, nil
}

func newWriter(format, path string) (Writer, error) {
	switch format {
	case "csv":
		return newCSVWriter(path)
	case "json":
		return newJSONWriter(path)
	case "excel":
		return newExcelWriter(path)
	case "feather":
		return newFeatherWriter(path)
	default:
		return nil, jobserr.New(jobserr.ExportFormat, fmt.Sprintf("unsupported export_type %q", format), nil)
	}
}

// drain consumes chunks so the runner goroutine feeding it never blocks
// forever after Export bails out early.
func drain(chunks <-chan runner.Chunk) {
	for range chunks {
	}
}

// cellString mirrors the pack's SQL editor cell-to-string convention: NULL
// renders literally, everything else via its default formatting.
func cellString(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", v)
}
