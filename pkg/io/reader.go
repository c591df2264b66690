// Package io provides input/output interfaces for record ingestion and
// result emission.
package io

import (
	"context"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

// Reader is the interface for reading records from various sources.
type Reader interface {
	// Read returns every record currently available.
	Read() ([]detectors.Record, error)

	// Stream returns a channel of records for real-time processing. The
	// channel is closed when the source is exhausted or ctx is done.
	Stream(ctx context.Context) (<-chan detectors.Record, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result detectors.Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []detectors.Result) error

	// Close releases resources.
	Close() error
}

// Group splits records by entity, keeping their order within each entity.
func Group(records []detectors.Record) map[detectors.EntityID][]detectors.Record {
	out := make(map[detectors.EntityID][]detectors.Record)
	for _, rec := range records {
		out[rec.Entity] = append(out[rec.Entity], rec)
	}
	return out
}
