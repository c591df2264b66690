package rrcf

import "errors"

var (
	// ErrInvalidConfig is returned when trees, leaves or shingle size are not positive.
	ErrInvalidConfig = errors.New("rrcf: invalid configuration")
	// ErrDuplicateSlot is returned when inserting a slot that is already live.
	ErrDuplicateSlot = errors.New("rrcf: slot already live")
	// ErrUnknownSlot is returned when forgetting or scoring a slot that is not live.
	ErrUnknownSlot = errors.New("rrcf: unknown slot")
	// ErrDimension is returned when a point does not match the tree dimension.
	ErrDimension = errors.New("rrcf: point dimension mismatch")
	// ErrInvalidState is returned when restoring from an inconsistent snapshot.
	ErrInvalidState = errors.New("rrcf: invalid state")
)
