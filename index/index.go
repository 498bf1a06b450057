// Package index defines the interface both ANN index structures implement,
// plus the shared distance functions and error types.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrEmptyVector is returned for a zero-length vector.
	ErrEmptyVector = errors.New("empty vector")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrNotIndexed indicates an ID that is not present in the index.
type ErrNotIndexed struct {
	ID uint64
}

func (e *ErrNotIndexed) Error() string {
	return fmt.Sprintf("id %d not indexed", e.ID)
}

// SearchResult is one ranked candidate.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// SearchOptions tunes a single search.
type SearchOptions struct {
	// BeamWidth overrides the graph index's beam width (ef) for this
	// search. Zero keeps the configured default.
	BeamWidth int
}

// VectorSource resolves vector ids to resident vectors. Indexes reference
// ids; the vector store owns the bytes.
type VectorSource interface {
	Vector(id uint64) ([]float32, bool)
}

// Index is the common contract of the hash and graph indexes.
//
// Insert and Delete are incremental; Search blocks only on in-memory
// traversal once vectors are resident. Results are ordered by ascending
// distance with ties broken by lower id, for determinism.
type Index interface {
	Name() string
	Insert(ctx context.Context, id uint64, v []float32) error
	Delete(ctx context.Context, id uint64) error
	Search(ctx context.Context, q []float32, k int, opts *SearchOptions) ([]SearchResult, error)
	Len() int
}

// DistanceFunc computes the distance between two equal-length vectors.
type DistanceFunc func(a, b []float32) float32

// SquaredL2 returns the squared Euclidean distance.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance returns 1 - cosine similarity. Zero vectors are treated as
// maximally distant.
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na)*float64(nb)))
}

// Less orders results by (distance, id); used wherever deterministic
// ranking for equal scores is required.
func Less(a, b SearchResult) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}
