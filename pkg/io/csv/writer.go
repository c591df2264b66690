package csv

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

// FormatResult renders a result as an output row:
// PGW_IP|DTmm|SVC_TYPE|UP|DN|SCORE|LABEL, followed by
// [start, end, fraction] when a voting window just closed.
func FormatResult(res detectors.Result) []string {
	row := []string{
		res.Entity.Gateway,
		res.Time.Format(detectors.TimeLayout),
		res.Entity.Service,
	}
	for _, v := range res.Values {
		row = append(row, formatFloat(v))
	}
	row = append(row, formatFloat(res.Score), res.Label.String())
	if res.Percentage.Kind == detectors.PercentVerdict {
		row = append(row, res.Percentage.String())
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Writer writes result rows to a single stream.
type Writer struct {
	w *csv.Writer
}

// NewWriter creates a writer on w.
func NewWriter(w io.Writer) *Writer {
	cw := csv.NewWriter(w)
	cw.Comma = Comma
	return &Writer{w: cw}
}

// Write outputs a single result.
func (w *Writer) Write(res detectors.Result) error {
	if err := w.w.Write(FormatResult(res)); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []detectors.Result) error {
	for _, res := range results {
		if err := w.w.Write(FormatResult(res)); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes buffered rows.
func (w *Writer) Close() error {
	w.w.Flush()
	return w.w.Error()
}

// FileWriter writes every result to its own <gateway>_<service>_<time>.DAT
// file in dir, followed by an empty .DAT.INFO marker that tells the
// consumer the file is complete.
type FileWriter struct {
	dir string
}

// NewFileWriter creates dir if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

// ResultFileName returns the data file name for res.
func ResultFileName(res detectors.Result) string {
	return fmt.Sprintf("%s_%s_%s.DAT", res.Entity.Gateway, res.Entity.Service, res.Time.Format(detectors.FileTimeLayout))
}

// Write outputs a single result.
func (w *FileWriter) Write(res detectors.Result) error {
	path := filepath.Join(w.dir, ResultFileName(res))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	cw := csv.NewWriter(f)
	cw.Comma = Comma
	if err := cw.Write(FormatResult(res)); err != nil {
		f.Close()
		return fmt.Errorf("write result file: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write result file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close result file: %w", err)
	}

	if err := os.WriteFile(path+".INFO", nil, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// WriteAll outputs multiple results.
func (w *FileWriter) WriteAll(results []detectors.Result) error {
	for _, res := range results {
		if err := w.Write(res); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; every file is closed after its write.
func (w *FileWriter) Close() error {
	return nil
}
