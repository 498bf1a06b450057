// Package testutil provides helpers for tests and benchmarks: seeded
// vector generation and exact nearest-neighbor ground truth.
package testutil

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/lspecian/vexfs/index"
)

// RNG is a seeded, thread-safe random source.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates an RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniform fills dst with values in [0,1).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// FillGaussian fills dst with standard normal values.
func (r *RNG) FillGaussian(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = float32(r.rand.NormFloat64())
	}
}

// UniformVectors generates count vectors of the given dimension.
func (r *RNG) UniformVectors(count, dim int) [][]float32 {
	out := make([][]float32, count)
	for i := range out {
		out[i] = make([]float32, dim)
		r.FillUniform(out[i])
	}
	return out
}

// ExactTopK computes the exact k nearest neighbors of query over dataset,
// with ties broken by lower id. This is the ground truth for recall checks.
func ExactTopK(query []float32, dataset map[uint64][]float32, k int, dist index.DistanceFunc) []index.SearchResult {
	all := make([]index.SearchResult, 0, len(dataset))
	for id, v := range dataset {
		all = append(all, index.SearchResult{ID: id, Distance: dist(query, v)})
	}
	sort.Slice(all, func(i, j int) bool { return index.Less(all[i], all[j]) })
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Recall computes |approx ∩ exact| / |exact|.
func Recall(approx, exact []index.SearchResult) float64 {
	if len(exact) == 0 {
		return 1.0
	}
	want := make(map[uint64]struct{}, len(exact))
	for _, r := range exact {
		want[r.ID] = struct{}{}
	}
	hit := 0
	for _, r := range approx {
		if _, ok := want[r.ID]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(exact))
}
