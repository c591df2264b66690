package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/threshold"
)

var _ threshold.HistoryStore = (*JSONStore)(nil)

// DirFunc returns the directory an entity's history files go to.
type DirFunc func(entity detectors.EntityID) string

// JSONStore writes each dropped window to
// <dir>/anomaly_score_<start>_<end>.json as a list of [time, score] pairs.
type JSONStore struct {
	dir DirFunc
}

// NewJSON creates a store that resolves directories with dir.
func NewJSON(dir DirFunc) *JSONStore {
	return &JSONStore{dir: dir}
}

// FileName returns the file name a window with the given bounds is saved under.
func FileName(start, end time.Time) string {
	return fmt.Sprintf("anomaly_score_%s_%s.json", start.Format(detectors.FileTimeLayout), end.Format(detectors.FileTimeLayout))
}

type jsonPoint struct {
	Time  time.Time
	Score float64
}

func (p jsonPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Time.Format(detectors.TimeLayout), p.Score})
}

func (p *jsonPoint) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("history point: want 2 elements, got %d", len(raw))
	}
	var ts string
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return err
	}
	t, err := time.Parse(detectors.TimeLayout, ts)
	if err != nil {
		return err
	}
	p.Time = t
	return json.Unmarshal(raw[1], &p.Score)
}

// SaveHistory writes points to a new file in the entity's directory.
func (s *JSONStore) SaveHistory(ctx context.Context, entity detectors.EntityID, start, end time.Time, points []detectors.ScoredPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.dir(entity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	out := make([]jsonPoint, len(points))
	for i, p := range points {
		out[i] = jsonPoint(p)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	path := filepath.Join(dir, FileName(start, end))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// ReadHistory loads a file written by SaveHistory.
func ReadHistory(path string) ([]detectors.ScoredPoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in []jsonPoint
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]detectors.ScoredPoint, len(in))
	for i, p := range in {
		out[i] = detectors.ScoredPoint(p)
	}
	return out, nil
}
