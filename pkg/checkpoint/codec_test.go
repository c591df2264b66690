package checkpoint

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/detectors/rrcf"
	"github.com/hed1ad/trafficguard/pkg/threshold"
	"github.com/hed1ad/trafficguard/pkg/voter"
)

var t0 = time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC)

func minute(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

func testForest(t *testing.T) *rrcf.Forest {
	t.Helper()
	f, err := rrcf.New(rrcf.WithTrees(3), rrcf.WithLeaves(8), rrcf.WithSequences(2), rrcf.WithSeed(11))
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := f.Score(minute(i), []float64{float64(i % 4), float64(i % 3), 1, -1})
		require.NoError(t, err)
	}
	return f
}

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	st, err := testForest(t).State()
	require.NoError(t, err)

	return &Snapshot{
		Version:   Version,
		Entity:    detectors.EntityID{Gateway: "10.0.0.1", Service: "WEB"},
		RunID:     "3f1c3f4e-62e4-4c3f-9d1e-9d5d2d0d8a11",
		CreatedAt: minute(100),
		Params: Params{
			NumTrees:             3,
			LeavesSize:           8,
			Sequences:            2,
			Quantile:             0.99,
			MaxThresholdDuration: 120,
		},
		Forest: st,
		Raw: []RawPoint{
			{Time: minute(10), Values: []float64{1, 2}},
			{Time: minute(11), Values: []float64{math.Inf(1), -0.5}},
		},
		LastValues: []float64{1, 2},
		Threshold: threshold.State{
			Value:   4.25,
			History: []detectors.ScoredPoint{{Time: minute(1), Score: 1.5}, {Time: minute(2), Score: 0}},
		},
		Voter: voter.State{
			Active: true,
			Votes:  []voter.Vote{{Time: minute(3), Label: detectors.Anomaly}, {Time: minute(4), Label: detectors.Normal}},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	want := testSnapshot(t)

	got, err := Unmarshal(Marshal(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRoundTripRestoresForest(t *testing.T) {
	f := testForest(t)
	st, err := f.State()
	require.NoError(t, err)

	snap, err := Unmarshal(Marshal(&Snapshot{Forest: st}))
	require.NoError(t, err)
	restored, err := rrcf.Restore(snap.Forest)
	require.NoError(t, err)

	for i := 12; i < 30; i++ {
		p := []float64{float64(i % 5), 0, float64(i % 2), 3}
		want, err := f.Score(minute(i), p)
		require.NoError(t, err)
		got, err := restored.Score(minute(i), p)
		require.NoError(t, err)
		assert.Equal(t, want, got, "step %d", i)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	want := testSnapshot(t)
	b := Marshal(want)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "added later")
	b = protowire.AppendTag(b, 100, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUnmarshalErrors(t *testing.T) {
	newer := append([]byte(nil), magic...)
	newer = protowire.AppendTag(newer, fVersion, protowire.VarintType)
	newer = protowire.AppendVarint(newer, Version+1)

	valid := Marshal(testSnapshot(t))

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "no magic", data: []byte("garbage"), wantErr: ErrBadMagic},
		{name: "newer version", data: newer, wantErr: ErrUnsupportedVersion},
		{name: "truncated", data: valid[:len(valid)-3]},
		{name: "missing version", data: append([]byte(nil), magic...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance", "10.0.0.1_WEB.ckpt")

	_, err := ReadFile(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	want := testSnapshot(t)
	require.NoError(t, WriteFile(path, want))
	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.RunID = "second"
	require.NoError(t, WriteFile(path, want))
	got, err = ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", got.RunID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}
