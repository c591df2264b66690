package engine

import (
	"errors"
	"io/fs"

	"github.com/hed1ad/trafficguard/pkg/checkpoint"
	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/detectors/rrcf"
	"github.com/hed1ad/trafficguard/pkg/threshold"
	"github.com/hed1ad/trafficguard/pkg/window"
)

// ErrOutput wraps failures to emit a result.
var ErrOutput = errors.New("engine: output write failed")

// FaultKind groups errors by how a worker must react to them.
type FaultKind int

const (
	// FaultNone is the kind of a nil error.
	FaultNone FaultKind = iota
	// FaultConfig is an invalid parameter; fatal at startup.
	FaultConfig
	// FaultStructural is a broken invariant between the slot window and the
	// trees; the entity's in-memory state can no longer be trusted.
	FaultStructural
	// FaultInput is a bad record; the stream continues.
	FaultInput
	// FaultResource is a failed write; scoring continues but the failure
	// must be reported.
	FaultResource
	// FaultUnknown is any unrecognized error; treated as fatal.
	FaultUnknown
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultConfig:
		return "config"
	case FaultStructural:
		return "structural"
	case FaultInput:
		return "input"
	case FaultResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Fatal reports whether a fault of this kind must stop the entity.
func (k FaultKind) Fatal() bool {
	return k == FaultConfig || k == FaultStructural || k == FaultUnknown
}

// Classify maps err to its fault kind.
func Classify(err error) FaultKind {
	switch {
	case err == nil:
		return FaultNone
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, rrcf.ErrInvalidConfig),
		errors.Is(err, threshold.ErrInvalidQuantile),
		errors.Is(err, threshold.ErrInvalidDuration):
		return FaultConfig
	case errors.Is(err, rrcf.ErrDuplicateSlot),
		errors.Is(err, rrcf.ErrUnknownSlot),
		errors.Is(err, rrcf.ErrDimension),
		errors.Is(err, rrcf.ErrInvalidState),
		errors.Is(err, window.ErrBufferOverflow),
		errors.Is(err, window.ErrEmptyBuffer),
		errors.Is(err, window.ErrUnbounded),
		errors.Is(err, checkpoint.ErrBadMagic),
		errors.Is(err, checkpoint.ErrUnsupportedVersion):
		return FaultStructural
	case errors.Is(err, detectors.ErrInvalidRecord):
		return FaultInput
	case errors.Is(err, threshold.ErrHistoryCheckpoint),
		errors.Is(err, checkpoint.ErrWrite),
		errors.Is(err, ErrOutput),
		errors.Is(err, fs.ErrPermission):
		return FaultResource
	default:
		return FaultUnknown
	}
}
