// Package export serializes the classification results of a crawl so the
// whole run can be reviewed or reloaded later.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// maxLineBytes bounds one JSONL record when loading.
const maxLineBytes = 16 << 20

// JSONLWriter writes one ClassificationResult per line. It implements
// pipeline.ResultSink and is safe for concurrent Record calls.
type JSONLWriter struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
	count  int
}

// NewJSONLWriter writes to w. Close flushes but does not close w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{buf: buf, enc: enc}
}

// CreateJSONL creates (or truncates) the file at path.
func CreateJSONL(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	// #nosec G304 -- export path comes from operator configuration.
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	w := NewJSONLWriter(f)
	w.closer = f
	return w, nil
}

// Record appends one result and flushes it.
func (w *JSONLWriter) Record(_ context.Context, result pipeline.ClassificationResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(result); err != nil {
		return fmt.Errorf("encode result %s: %w", result.URL, err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	w.count++
	return nil
}

// Count reports how many results were written.
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the underlying file when CreateJSONL opened it.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	if w.closer != nil {
		if err := w.closer.Close(); err != nil {
			return fmt.Errorf("close export file: %w", err)
		}
		w.closer = nil
	}
	return nil
}

// LoadJSONL reads every result back. Blank lines are skipped; a record
// without any vote is rejected.
func LoadJSONL(r io.Reader) ([]pipeline.ClassificationResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	var out []pipeline.ClassificationResult
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var res pipeline.ClassificationResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if res.VoteCount() == 0 {
			return nil, fmt.Errorf("line %d: result for %q carries no votes", line, res.URL)
		}
		out = append(out, res)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	return out, nil
}

// LoadJSONLFile opens path and calls LoadJSONL.
func LoadJSONLFile(path string) ([]pipeline.ClassificationResult, error) {
	// #nosec G304 -- export path comes from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()
	return LoadJSONL(f)
}
