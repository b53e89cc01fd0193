package exporter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"queryprocessor/internal/jobserr"
	"queryprocessor/internal/runner"
)

func chunksOf(rows ...runner.Chunk) (<-chan runner.Chunk, <-chan error) {
	out := make(chan runner.Chunk, len(rows))
	errc := make(chan error, 1)
	for _, r := range rows {
		out <- r
	}
	close(out)
	close(errc)
	return out, errc
}

func TestExportCSVWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	chunks, errc := chunksOf(runner.Chunk{
		Columns: []string{"id", "name"},
		Rows:    [][]any{{1, "alice"}, {2, nil}},
	})

	result, err := Export(context.Background(), dir, "out.csv", "csv", chunks, errc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 2 || result.ColumnCount != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.csv"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	got := string(data)
	if got != "id,name\n1,alice\n2,NULL\n" {
		t.Fatalf("unexpected csv contents: %q", got)
	}
}

func TestExportRejectsUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	chunks, errc := chunksOf()

	_, err := Export(context.Background(), dir, "out.bin", "parquet", chunks, errc)
	if jobserr.Classify(err) != jobserr.ExportFormat {
		t.Fatalf("expected EXPORT_FORMAT, got %v", jobserr.Classify(err))
	}
}

func TestExportCleansUpPartialFileOnRunnerError(t *testing.T) {
	dir := t.TempDir()
	out := make(chan runner.Chunk, 1)
	out <- runner.Chunk{Columns: []string{"id"}, Rows: [][]any{{1}}}
	close(out)
	errc := make(chan error, 1)
	errc <- jobserr.New(jobserr.DBExecute, "boom", nil)
	close(errc)

	_, err := Export(context.Background(), dir, "out.csv", "csv", out, errc)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out.csv")); !os.IsNotExist(statErr) {
		t.Fatalf("expected partial file to be removed, stat err: %v", statErr)
	}
}

func TestExportJSONProducesAnArray(t *testing.T) {
	dir := t.TempDir()
	chunks, errc := chunksOf(runner.Chunk{
		Columns: []string{"id"},
		Rows:    [][]any{{1}, {2}},
	})

	_, err := Export(context.Background(), dir, "out.json", "json", chunks, errc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.json"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if data[0] != '[' || data[len(data)-1] != ']' {
		t.Fatalf("expected a top-level JSON array, got %q", data)
	}
}
