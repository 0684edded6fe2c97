package speakers

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ReferenceSet maps canonical speaker ids to their reference vectors for one
// meeting.
type ReferenceSet map[string][]float64

// Clone returns a deep copy.
func (r ReferenceSet) Clone() ReferenceSet {
	out := make(ReferenceSet, len(r))
	for id, v := range r {
		out[id] = append([]float64(nil), v...)
	}
	return out
}

// IDs returns the canonical ids in ascending order.
func (r ReferenceSet) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CosineDistance returns 1 - cos(a, b). A zero vector is at distance 1 from
// everything.
func CosineDistance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("empty embedding")
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - floats.Dot(a, b)/(na*nb), nil
}

// Accumulator collects per-turn embeddings and averages them per label.
type Accumulator struct {
	sums   map[string][]float64
	counts map[string]int
	dim    int
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		sums:   make(map[string][]float64),
		counts: make(map[string]int),
	}
}

// Add records one turn embedding for label. All vectors must share a
// dimension.
func (a *Accumulator) Add(label string, v []float64) error {
	if len(v) == 0 {
		return fmt.Errorf("empty embedding for %s", label)
	}
	if a.dim == 0 {
		a.dim = len(v)
	} else if len(v) != a.dim {
		return fmt.Errorf("embedding dimension mismatch: %d vs %d", len(v), a.dim)
	}

	sum, ok := a.sums[label]
	if !ok {
		sum = make([]float64, a.dim)
		a.sums[label] = sum
	}
	floats.Add(sum, v)
	a.counts[label]++
	return nil
}

// Len is the number of distinct labels seen.
func (a *Accumulator) Len() int {
	return len(a.sums)
}

// Means returns the element-wise mean vector per label.
func (a *Accumulator) Means() map[string][]float64 {
	out := make(map[string][]float64, len(a.sums))
	for label, sum := range a.sums {
		mean := append([]float64(nil), sum...)
		floats.Scale(1/float64(a.counts[label]), mean)
		out[label] = mean
	}
	return out
}
