package rrcf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC)

func TestNewForest(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantErr    bool
		wantNTrees int
	}{
		{
			name:       "default configuration",
			opts:       nil,
			wantNTrees: 80,
		},
		{
			name:       "custom trees",
			opts:       []Option{WithTrees(12), WithSeed(3)},
			wantNTrees: 12,
		},
		{
			name:    "zero trees",
			opts:    []Option{WithTrees(0)},
			wantErr: true,
		},
		{
			name:    "zero leaves",
			opts:    []Option{WithLeaves(0)},
			wantErr: true,
		},
		{
			name:    "zero sequences",
			opts:    []Option{WithSequences(0)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNTrees, f.NumTrees())
			assert.Len(t, f.trees, tt.wantNTrees)
		})
	}
}

func TestForestCapacity(t *testing.T) {
	const leaves = 16
	f, err := New(WithTrees(5), WithLeaves(leaves), WithSequences(1), WithSeed(11))
	require.NoError(t, err)

	gen := seededRand(12)
	const n = 50
	for i := 0; i < n; i++ {
		_, err := f.Score(t0.Add(time.Duration(i)*time.Minute), []float64{gen.Float64(), gen.Float64()})
		require.NoError(t, err)
	}

	want := make([]int64, 0, leaves)
	for s := int64(n - leaves); s < n; s++ {
		want = append(want, s)
	}
	assert.Equal(t, want, f.Live())
	for i, tree := range f.trees {
		assert.Equal(t, leaves, tree.Len(), "tree %d", i)
		assert.Equal(t, want, tree.Slots(), "tree %d", i)
		checkInvariants(t, tree)
	}
}

func clusterForest(t *testing.T) *Forest {
	t.Helper()
	f, err := New(WithTrees(20), WithLeaves(64), WithSequences(1), WithSeed(21))
	require.NoError(t, err)

	gen := seededRand(22)
	for i := 0; i < 63; i++ {
		_, err := f.Score(t0, []float64{gen.Float64(), gen.Float64()})
		require.NoError(t, err)
	}
	return f
}

func TestScoreOutlierAboveInlier(t *testing.T) {
	inside := clusterForest(t)
	outside := clusterForest(t)

	in, err := inside.Score(t0, []float64{0.5, 0.5})
	require.NoError(t, err)
	out, err := outside.Score(t0, []float64{50, 50})
	require.NoError(t, err)

	assert.Greater(t, out.Score, in.Score)
	assert.Greater(t, out.Score, 30.0)
}

func TestTrain(t *testing.T) {
	f, err := New(WithTrees(8), WithLeaves(20), WithSequences(3), WithSeed(31))
	require.NoError(t, err)

	gen := seededRand(32)
	n := 60
	times := make([]time.Time, n)
	data := make([][]float64, n)
	for i := range data {
		times[i] = t0.Add(time.Duration(i) * time.Minute)
		data[i] = []float64{100 + gen.NormFloat64(), 50 + gen.NormFloat64()}
	}

	scores, elapsed, err := f.Train(times, data)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	require.Len(t, scores, n-2)
	assert.Equal(t, times[2], scores[0].Time)
	assert.Equal(t, times[n-1], scores[len(scores)-1].Time)

	live := f.Live()
	require.Len(t, live, 20)
	assert.Equal(t, int64(n-3), live[len(live)-1])

	// Online scoring continues after the last trained slot.
	point := append(append(append([]float64{}, data[n-2]...), data[n-1]...), 100, 50)
	_, err = f.Score(t0, point)
	require.NoError(t, err)
	live = f.Live()
	assert.Equal(t, int64(n-2), live[len(live)-1])
}

func TestTrainLengthMismatch(t *testing.T) {
	f, err := New(WithTrees(2), WithLeaves(4), WithSequences(1), WithSeed(1))
	require.NoError(t, err)
	_, _, err = f.Train(make([]time.Time, 2), make([][]float64, 3))
	assert.Error(t, err)
}

func TestForestStateRestore(t *testing.T) {
	f, err := New(WithTrees(6), WithLeaves(12), WithSequences(1), WithSeed(41))
	require.NoError(t, err)
	gen := seededRand(42)
	for i := 0; i < 30; i++ {
		_, err := f.Score(t0, []float64{gen.Float64(), gen.Float64()})
		require.NoError(t, err)
	}

	st, err := f.State()
	require.NoError(t, err)
	restored, err := Restore(st)
	require.NoError(t, err)
	assert.Equal(t, f.Live(), restored.Live())

	cont := seededRand(43)
	for i := 0; i < 25; i++ {
		p := []float64{cont.Float64(), cont.Float64() * 3}
		want, err := f.Score(t0, p)
		require.NoError(t, err)
		got, err := restored.Score(t0, p)
		require.NoError(t, err)
		assert.Equal(t, want.Score, got.Score, "step %d", i)
	}
}

func TestRestoreRejectsMismatchedWindow(t *testing.T) {
	f, err := New(WithTrees(2), WithLeaves(4), WithSequences(1), WithSeed(5))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.Score(t0, []float64{float64(i)})
		require.NoError(t, err)
	}

	st, err := f.State()
	require.NoError(t, err)
	st.Window = []int64{0, 1}

	_, err = Restore(st)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func BenchmarkScore(b *testing.B) {
	f, _ := New(WithTrees(40), WithLeaves(256), WithSequences(5), WithSeed(1))
	gen := seededRand(2)
	point := make([]float64, 10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range point {
			point[j] = gen.Float64()
		}
		f.Score(t0, point)
	}
}
