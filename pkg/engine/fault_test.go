package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hed1ad/trafficguard/pkg/checkpoint"
	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/detectors/rrcf"
	"github.com/hed1ad/trafficguard/pkg/threshold"
	"github.com/hed1ad/trafficguard/pkg/window"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  FaultKind
		fatal bool
	}{
		{name: "nil", err: nil, want: FaultNone},
		{name: "forest config", err: fmt.Errorf("wrap: %w", rrcf.ErrInvalidConfig), want: FaultConfig, fatal: true},
		{name: "quantile", err: threshold.ErrInvalidQuantile, want: FaultConfig, fatal: true},
		{name: "duplicate slot", err: fmt.Errorf("tree 3: %w", rrcf.ErrDuplicateSlot), want: FaultStructural, fatal: true},
		{name: "unknown slot", err: rrcf.ErrUnknownSlot, want: FaultStructural, fatal: true},
		{name: "overflow", err: window.ErrBufferOverflow, want: FaultStructural, fatal: true},
		{name: "empty buffer", err: window.ErrEmptyBuffer, want: FaultStructural, fatal: true},
		{name: "bad record", err: fmt.Errorf("line 4: %w", detectors.ErrInvalidRecord), want: FaultInput},
		{name: "history", err: threshold.ErrHistoryCheckpoint, want: FaultResource},
		{name: "checkpoint", err: fmt.Errorf("%w: rename: %w", checkpoint.ErrWrite, fs.ErrPermission), want: FaultResource},
		{name: "output", err: fmt.Errorf("%w: disk full", ErrOutput), want: FaultResource},
		{name: "corrupt checkpoint", err: fmt.Errorf("model.ckpt: %w", checkpoint.ErrBadMagic), want: FaultStructural, fatal: true},
		{name: "other", err: errors.New("boom"), want: FaultUnknown, fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.fatal, got.Fatal())
		})
	}
}

func TestFaultKindString(t *testing.T) {
	assert.Equal(t, "structural", FaultStructural.String())
	assert.Equal(t, "resource", FaultResource.String())
	assert.Equal(t, "unknown", FaultKind(42).String())
}
