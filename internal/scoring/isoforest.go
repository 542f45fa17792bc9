package scoring

import (
	"fmt"
	"math"
)

const eulerGamma = 0.5772156649015329

// expectedPathLength is c(n): the average unsuccessful-search path
// length of a binary search tree over n samples. It normalizes raw
// isolation depths so forests of different subsample sizes compare.
func expectedPathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
	}
}

// anomalyMeasure returns s(x) = 2^(-E[h(x)]/c(max_samples)), clamped
// to [0,1]. Higher means more isolated, therefore more anomalous.
func anomalyMeasure(trees []Tree, x []float64, maxSamples int) (float64, error) {
	var total float64
	for ti := range trees {
		t := &trees[ti]
		depth := 0
		i := 0
		for range len(t.Feature) {
			if t.Left[i] < 0 || t.Right[i] < 0 {
				break
			}
			f := t.Feature[i]
			if f >= len(x) {
				return 0, fmt.Errorf("tree %d node %d wants feature %d, vector has %d", ti, i, f, len(x))
			}
			if x[f] <= t.Threshold[i] {
				i = t.Left[i]
			} else {
				i = t.Right[i]
			}
			depth++
		}
		total += float64(depth) + expectedPathLength(float64(t.NSamples[i]))
	}

	mean := total / float64(len(trees))
	s := math.Pow(2, -mean/expectedPathLength(float64(maxSamples)))
	return math.Max(0, math.Min(1, s)), nil
}
