package shingle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func collect(vectors [][]float64, size int) [][]float64 {
	var out [][]float64
	for _, s := range Windows(vectors, size) {
		out = append(out, s)
	}
	return out
}

func TestWindows(t *testing.T) {
	vectors := [][]float64{{1, 10}, {2, 20}, {3, 30}, {4, 40}}

	tests := []struct {
		name string
		size int
		want [][]float64
	}{
		{
			name: "size one",
			size: 1,
			want: [][]float64{{1, 10}, {2, 20}, {3, 30}, {4, 40}},
		},
		{
			name: "overlapping",
			size: 3,
			want: [][]float64{{1, 10, 2, 20, 3, 30}, {2, 20, 3, 30, 4, 40}},
		},
		{
			name: "whole input",
			size: 4,
			want: [][]float64{{1, 10, 2, 20, 3, 30, 4, 40}},
		},
		{
			name: "input too short",
			size: 5,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(vectors, tt.size)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, Count(len(vectors), tt.size))
		})
	}
}

func TestWindowsRestartable(t *testing.T) {
	vectors := [][]float64{{1}, {2}, {3}}
	seq := Windows(vectors, 2)

	var first, second [][]float64
	for _, s := range seq {
		first = append(first, s)
	}
	for _, s := range seq {
		second = append(second, s)
	}
	assert.Equal(t, first, second)
}

func TestWindowsEarlyStop(t *testing.T) {
	vectors := [][]float64{{1}, {2}, {3}, {4}}
	seen := 0
	for i := range Windows(vectors, 1) {
		seen++
		if i == 1 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestWindowsDoNotAlias(t *testing.T) {
	vectors := [][]float64{{1}, {2}}
	for _, s := range Windows(vectors, 2) {
		s[0] = 99
	}
	assert.Equal(t, 1.0, vectors[0][0])
}
