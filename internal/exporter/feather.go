package exporter

import (
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"queryprocessor/internal/runner"
)

// featherWriter writes an Arrow IPC file (Feather V2). Every column is
// modeled as a nullable Arrow string, mirroring the pack's Flight SQL
// schema-from-columns convention: query result columns arrive as untyped
// driver values, so a uniform string encoding avoids guessing SQL types
// that a downstream loader can't verify anyway.
type featherWriter struct {
	f      *os.File
	schema *arrow.Schema
	w      *ipc.FileWriter
	alloc  memory.Allocator
	cols   []string
}

func newFeatherWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &featherWriter{f: f, alloc: memory.NewGoAllocator()}, nil
}

func (w *featherWriter) Write(chunk runner.Chunk) error {
	if w.schema == nil {
		fields := make([]arrow.Field, len(chunk.Columns))
		for i, name := range chunk.Columns {
			fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
		}
		w.schema = arrow.NewSchema(fields, nil)
		w.cols = chunk.Columns

		fw, err := ipc.NewFileWriter(w.f, ipc.WithSchema(w.schema), ipc.WithAllocator(w.alloc))
		if err != nil {
			return err
		}
		w.w = fw
	}

	builders := make([]*array.StringBuilder, len(w.cols))
	for i := range builders {
		builders[i] = array.NewStringBuilder(w.alloc)
		defer builders[i].Release()
	}
	for _, row := range chunk.Rows {
		for i := range w.cols {
			if i >= len(row) || row[i] == nil {
				builders[i].AppendNull()
				continue
			}
			builders[i].Append(cellString(row[i]))
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		defer cols[i].Release()
	}
	record := array.NewRecord(w.schema, cols, int64(len(chunk.Rows)))
	defer record.Release()

	return w.w.Write(record)
}

func (w *featherWriter) Close() error {
	if w.w != nil {
		if err := w.w.Close(); err != nil {
			w.f.Close()
			return err
		}
	}
	return w.f.Close()
}
