// Package spool consumes record files dropped into an input directory.
//
// A producer writes <name>.DAT and then an empty <name>.DAT.INFO marker.
// The spool reads each announced data file in name order, delivers its
// records and then removes both files. A file is the unit of work: a
// canceled stream finishes the file it is delivering before it stops.
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/io/csv"
)

// MarkerSuffix is appended to a data file name to announce it.
const MarkerSuffix = ".INFO"

// Source watches one directory.
type Source struct {
	dir     string
	log     *zap.Logger
	rescan  time.Duration
	csvOpts []csv.Option
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
	done    chan struct{}
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Source) {
		s.log = log
	}
}

// WithRescan sets how often the directory is listed in case an event was
// missed. Zero disables rescans.
func WithRescan(d time.Duration) Option {
	return func(s *Source) {
		s.rescan = d
	}
}

// WithCSVOptions passes options to the row reader, for example an entity
// filter.
func WithCSVOptions(opts ...csv.Option) Option {
	return func(s *Source) {
		s.csvOpts = append(s.csvOpts, opts...)
	}
}

// New creates a source for dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Source, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: create %s: %w", dir, err)
	}
	s := &Source{
		dir:    dir,
		log:    zap.NewNop(),
		rescan: time.Minute,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Read consumes every file announced so far.
func (s *Source) Read() ([]detectors.Record, error) {
	markers, err := s.pending()
	if err != nil {
		return nil, err
	}
	var out []detectors.Record
	for _, m := range markers {
		recs, err := s.load(m)
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
		s.release(m)
	}
	return out, nil
}

// Stream consumes announced files as they appear until ctx is done. The
// file being delivered when ctx is done is delivered in full; Close
// abandons it and leaves it on disk for the next run.
func (s *Source) Stream(ctx context.Context) (<-chan detectors.Record, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("spool: watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("spool: watch %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	out := make(chan detectors.Record, 100)
	go s.run(ctx, w, out)
	return out, nil
}

func (s *Source) run(ctx context.Context, w *fsnotify.Watcher, out chan<- detectors.Record) {
	defer close(out)

	var tick <-chan time.Time
	if s.rescan > 0 {
		ticker := time.NewTicker(s.rescan)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Files that were announced before the watch started.
	if !s.drain(ctx, out) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !strings.HasSuffix(event.Name, MarkerSuffix) {
				continue
			}
			if !s.drain(ctx, out) {
				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("spool watcher error", zap.Error(err))
		case <-tick:
			if !s.drain(ctx, out) {
				return
			}
		}
	}
}

// drain consumes every pending file. It returns false once the stream
// must stop.
func (s *Source) drain(ctx context.Context, out chan<- detectors.Record) bool {
	markers, err := s.pending()
	if err != nil {
		s.log.Warn("spool scan failed", zap.String("dir", s.dir), zap.Error(err))
		return true
	}
	for _, m := range markers {
		if ctx.Err() != nil {
			return false
		}
		recs, err := s.load(m)
		if err != nil {
			s.log.Warn("spool file skipped", zap.String("marker", m), zap.Error(err))
			continue
		}
		for _, rec := range recs {
			select {
			case out <- rec:
			case <-s.done:
				return false
			}
		}
		s.release(m)
	}
	return true
}

// pending lists marker files in name order.
func (s *Source) pending() ([]string, error) {
	markers, err := filepath.Glob(filepath.Join(s.dir, "*.DAT"+MarkerSuffix))
	if err != nil {
		return nil, err
	}
	slices.Sort(markers)
	return markers, nil
}

// load reads the data file announced by marker. A marker without its
// data file is removed.
func (s *Source) load(marker string) ([]detectors.Record, error) {
	data := strings.TrimSuffix(marker, MarkerSuffix)

	opts := append([]csv.Option{csv.WithErrorHandler(func(line int, err error) {
		s.log.Warn("malformed input row", zap.String("file", data), zap.Int("line", line), zap.Error(err))
	})}, s.csvOpts...)

	r, err := csv.NewReader(data, opts...)
	if errors.Is(err, os.ErrNotExist) {
		s.remove(marker)
		return nil, fmt.Errorf("spool: marker without data file: %w", err)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read()
}

// release removes a delivered file and its marker.
func (s *Source) release(marker string) {
	data := strings.TrimSuffix(marker, MarkerSuffix)
	s.remove(marker)
	s.remove(data)
	s.log.Debug("spool file consumed", zap.String("file", data))
}

func (s *Source) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("spool remove failed", zap.String("path", path), zap.Error(err))
	}
}

// Close stops the watcher started by Stream. A file still being delivered
// is left in place.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
