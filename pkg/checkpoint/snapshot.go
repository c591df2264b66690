// Package checkpoint serializes a detector's complete state so an entity can
// resume its stream after a restart.
//
// The format is a magic prefix followed by protobuf wire-format fields.
// Decoders skip fields they do not know, so fields may be added without
// breaking older checkpoints; a field number is never reused.
package checkpoint

import (
	"errors"
	"time"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/detectors/rrcf"
	"github.com/hed1ad/trafficguard/pkg/threshold"
	"github.com/hed1ad/trafficguard/pkg/voter"
)

// Version is the snapshot format version written by this package.
const Version = 1

var magic = []byte("TGCKPT")

var (
	// ErrBadMagic is returned when data does not start with the checkpoint prefix.
	ErrBadMagic = errors.New("checkpoint: not a checkpoint")
	// ErrUnsupportedVersion is returned for snapshots newer than Version.
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported version")
	// ErrWrite wraps every failure to persist a snapshot.
	ErrWrite = errors.New("checkpoint: write failed")
)

// Params are the model parameters the snapshot was taken with.
type Params struct {
	NumTrees             int
	LeavesSize           int
	Sequences            int
	Quantile             float64
	MaxThresholdDuration int
}

// RawPoint is one entry of the raw-data window.
type RawPoint struct {
	Time   time.Time
	Values []float64
}

// Snapshot is everything a detector needs to resume.
type Snapshot struct {
	Version   int
	Entity    detectors.EntityID
	RunID     string
	CreatedAt time.Time
	Params    Params
	Forest    rrcf.State
	Raw       []RawPoint
	// LastValues is the last observed feature vector, used to fill missing records.
	LastValues []float64
	Threshold  threshold.State
	Voter      voter.State
}
