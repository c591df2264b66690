// Package shingle turns a stream of feature vectors into overlapping
// fixed-length windows.
package shingle

import "iter"

// Count returns the number of shingles Windows yields for n vectors.
func Count(n, size int) int {
	if size <= 0 || n < size {
		return 0
	}
	return n - size + 1
}

// Windows yields (i, shingle) pairs where shingle i is the concatenation of
// vectors[i:i+size]. The sequence is empty when len(vectors) < size and can
// be ranged over any number of times.
func Windows(vectors [][]float64, size int) iter.Seq2[int, []float64] {
	return func(yield func(int, []float64) bool) {
		n := Count(len(vectors), size)
		for i := 0; i < n; i++ {
			if !yield(i, Flatten(vectors[i:i+size])) {
				return
			}
		}
	}
}

// Flatten concatenates vectors into a single point.
func Flatten(vectors [][]float64) []float64 {
	total := 0
	for _, v := range vectors {
		total += len(v)
	}
	out := make([]float64, 0, total)
	for _, v := range vectors {
		out = append(out, v...)
	}
	return out
}
