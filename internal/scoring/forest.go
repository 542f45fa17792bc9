package scoring

import "fmt"

// leafIndex walks one tree to its leaf for x. Left on <=, right on >,
// matching the exporter's convention.
func leafIndex(t *Tree, x []float64) (int, error) {
	i := 0
	for range len(t.Feature) {
		if t.Left[i] < 0 || t.Right[i] < 0 {
			return i, nil
		}
		f := t.Feature[i]
		if f >= len(x) {
			return 0, fmt.Errorf("node %d wants feature %d, vector has %d", i, f, len(x))
		}
		if x[f] <= t.Threshold[i] {
			i = t.Left[i]
		} else {
			i = t.Right[i]
		}
	}
	return 0, fmt.Errorf("walk did not reach a leaf")
}

// predictProba averages normalized leaf class weights across the
// forest.
func predictProba(forest []Tree, x []float64, nClasses int) ([]float64, error) {
	probs := make([]float64, nClasses)
	for ti := range forest {
		t := &forest[ti]
		leaf, err := leafIndex(t, x)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti, err)
		}
		row := t.Value[leaf]
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		if sum == 0 {
			return nil, fmt.Errorf("tree %d leaf %d: zero class weights", ti, leaf)
		}
		for c := range nClasses {
			probs[c] += row[c] / sum
		}
	}
	n := float64(len(forest))
	for c := range probs {
		probs[c] /= n
	}
	return probs, nil
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
