package exporter

import (
	"bufio"
	"encoding/json"
	"os"

	"queryprocessor/internal/runner"
)

// jsonWriter streams rows as a single top-level JSON array of column-name
// keyed objects, writing incrementally so a large result set never needs to
// be held as one in-memory slice.
type jsonWriter struct {
	f     *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	first bool
}

func newJSONWriter(path string) (Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	if _, err := buf.WriteString("["); err != nil {
		f.Close()
		return nil, err
	}
	return &jsonWriter{f: f, buf: buf, enc: json.NewEncoder(buf), first: true}, nil
}

func (w *jsonWriter) Write(chunk runner.Chunk) error {
	for _, row := range chunk.Rows {
		if !w.first {
			if _, err := w.buf.WriteString(","); err != nil {
				return err
			}
		}
		w.first = false

		obj := make(map[string]any, len(chunk.Columns))
		for i, col := range chunk.Columns {
			if i < len(row) {
				obj[col] = row[i]
			}
		}
		if err := w.enc.Encode(obj); err != nil {
			return err
		}
	}
	return nil
}

func (w *jsonWriter) Close() error {
	if _, err := w.buf.WriteString("]"); err != nil {
		w.f.Close()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
