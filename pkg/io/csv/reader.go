// Package csv reads pipe-delimited CDR volume records and writes detection
// results in the same format.
//
// An input row is PGW_IP|DTmm|SVC_TYPE|UP|DN, for example
//
//	10.0.0.1|2019-08-01 00:05|WEB|1523.5|20981
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

// Comma is the field delimiter of input and output rows.
const Comma = '|'

// ErrMalformedRecord marks a row that could not be fully parsed.
var ErrMalformedRecord = fmt.Errorf("csv: malformed record: %w", detectors.ErrInvalidRecord)

const (
	colGateway = iota
	colTime
	colService
	colUp
	colDown
	numColumns
)

// Reader reads records from a pipe-delimited file.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	pastHead  bool
	entity    *detectors.EntityID
	onError   func(line int, err error)
	line      int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the file has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithEntity keeps only the rows of entity.
func WithEntity(entity detectors.EntityID) Option {
	return func(r *Reader) {
		r.entity = &entity
	}
}

// WithErrorHandler sets a function called for every malformed row. Rows
// without a usable entity or timestamp are dropped; rows with bad values
// are returned with Missing set.
func WithErrorHandler(fn func(line int, err error)) Option {
	return func(r *Reader) {
		r.onError = fn
	}
}

// NewReader opens filename.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := FromReader(file, opts...)
	r.file = file
	return r, nil
}

// FromReader reads rows from src, for example standard input. Close is a
// no-op for such readers.
func FromReader(src io.Reader, opts ...Option) *Reader {
	cr := csv.NewReader(src)
	cr.Comma = Comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	r := &Reader{reader: cr}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read returns every record in the file.
func (r *Reader) Read() ([]detectors.Record, error) {
	var data []detectors.Record
	for {
		rec, err := r.next()
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
		data = append(data, rec)
	}
}

// Stream returns a channel of records for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan detectors.Record, error) {
	out := make(chan detectors.Record, 100)

	go func() {
		defer close(out)
		for {
			rec, err := r.next()
			if err != nil {
				if err != io.EOF {
					r.report(err)
				}
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// next returns the next usable record, skipping dropped and filtered rows.
func (r *Reader) next() (detectors.Record, error) {
	if r.hasHeader && !r.pastHead {
		r.pastHead = true
		if _, err := r.reader.Read(); err != nil {
			return detectors.Record{}, err
		}
		r.line++
	}

	for {
		fields, err := r.reader.Read()
		if err == io.EOF {
			return detectors.Record{}, io.EOF
		}
		r.line++

		var perr *csv.ParseError
		if errors.As(err, &perr) {
			r.report(fmt.Errorf("%w: %v", ErrMalformedRecord, err))
			continue
		}
		if err != nil {
			return detectors.Record{}, err
		}

		rec, err := ParseRow(fields)
		if err != nil {
			r.report(err)
			if !rec.Missing {
				continue
			}
		}
		if r.entity != nil && rec.Entity != *r.entity {
			continue
		}
		return rec, nil
	}
}

func (r *Reader) report(err error) {
	if r.onError != nil {
		r.onError(r.line, err)
	}
}

// ParseRow converts one row to a record. A row without a usable entity or
// timestamp yields an error and a zero record. A row with missing or
// unparsable volumes yields an error and a record with NaN values and
// Missing set.
func ParseRow(fields []string) (detectors.Record, error) {
	if len(fields) <= colService {
		return detectors.Record{}, fmt.Errorf("%w: %d fields", ErrMalformedRecord, len(fields))
	}

	gateway := strings.TrimSpace(fields[colGateway])
	service := strings.TrimSpace(fields[colService])
	if gateway == "" || service == "" {
		return detectors.Record{}, fmt.Errorf("%w: empty gateway or service", ErrMalformedRecord)
	}
	ts, err := time.Parse(detectors.TimeLayout, strings.TrimSpace(fields[colTime]))
	if err != nil {
		return detectors.Record{}, fmt.Errorf("%w: time: %v", ErrMalformedRecord, err)
	}

	rec := detectors.Record{
		Entity: detectors.EntityID{Gateway: gateway, Service: service},
		Time:   ts,
	}

	if len(fields) < numColumns {
		rec.Values = []float64{math.NaN(), math.NaN()}
		rec.Missing = true
		return rec, fmt.Errorf("%w: %d fields, want %d", ErrMalformedRecord, len(fields), numColumns)
	}

	values := make([]float64, 0, 2)
	var bad error
	for _, col := range []int{colUp, colDown} {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[col]), 64)
		if err != nil {
			v = math.NaN()
			bad = fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		values = append(values, v)
	}
	rec.Values = values
	rec.Missing = bad != nil
	return rec, bad
}
