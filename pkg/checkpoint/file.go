package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with the encoded snapshot.
func WriteFile(path string, s *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %w", ErrWrite, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", ErrWrite, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(Marshal(s)); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %w", ErrWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync: %w", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrWrite, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename: %w", ErrWrite, err)
	}
	return nil
}

// ReadFile loads a snapshot from path. A missing file yields an error
// matching os.ErrNotExist.
func ReadFile(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	s, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
