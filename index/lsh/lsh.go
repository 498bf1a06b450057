// Package lsh implements the hash index: locality-sensitive hashing with
// multiple random-projection tables.
//
// Each table hashes a vector through its own set of random projections into
// a single bucket key, so a vector occupies at most one bucket per table.
// Search probes the query's bucket in every table, unions the candidate ids
// (deduplicated with a roaring bitmap), computes exact distances only on
// the union, and returns the top k. Recall is tunable via table count and
// bucket width; the index is approximate by design and makes no exact
// recall guarantee.
package lsh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/internal/candidate"
)

// OverflowPolicy decides what happens when a bucket reaches its capacity.
type OverflowPolicy int

const (
	// OverflowChain lets the bucket grow past its nominal capacity.
	OverflowChain OverflowPolicy = iota
	// OverflowReject refuses the insert with ErrBucketFull.
	OverflowReject
)

// ErrBucketFull is returned under OverflowReject when every probed bucket
// for a table is at capacity.
var ErrBucketFull = errors.New("lsh bucket full")

// Defaults.
const (
	DefaultTables      = 8
	DefaultHashes      = 4
	DefaultBucketWidth = 4.0
	DefaultSeed        = 0x1f2e3d4c
)

// Options configures the index.
type Options struct {
	Dimension      int
	Tables         int
	Hashes         int     // projections per table
	BucketWidth    float64 // quantization width of each projection
	BucketCapacity int     // 0 = unbounded
	Overflow       OverflowPolicy
	Distance       index.DistanceFunc
	Seed           int64
}

// DefaultOptions are the baseline options; callers override via New's
// option functions.
var DefaultOptions = Options{
	Tables:      DefaultTables,
	Hashes:      DefaultHashes,
	BucketWidth: DefaultBucketWidth,
	Seed:        DefaultSeed,
}

// LSH is the hash index.
type LSH struct {
	opts   Options
	dist   index.DistanceFunc
	source index.VectorSource

	tables []*table

	mu  sync.RWMutex
	ids map[uint64][]uint64 // id -> bucket key per table
}

type table struct {
	projections [][]float32 // Hashes rows of Dimension
	offsets     []float64

	mu      sync.RWMutex
	buckets map[uint64][]uint64
}

var _ index.Index = (*LSH)(nil)

// New creates an LSH index over the given vector source. Projections are
// derived deterministically from the seed, so the same configuration always
// produces the same bucket assignments.
func New(source index.VectorSource, optFns ...func(o *Options)) (*LSH, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("lsh: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.Tables <= 0 {
		opts.Tables = DefaultTables
	}
	if opts.Hashes <= 0 {
		opts.Hashes = DefaultHashes
	}
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = DefaultBucketWidth
	}
	if opts.Distance == nil {
		opts.Distance = index.SquaredL2
	}

	l := &LSH{
		opts:   opts,
		dist:   opts.Distance,
		source: source,
		tables: make([]*table, opts.Tables),
		ids:    make(map[uint64][]uint64),
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	for t := range l.tables {
		tbl := &table{
			projections: make([][]float32, opts.Hashes),
			offsets:     make([]float64, opts.Hashes),
			buckets:     make(map[uint64][]uint64),
		}
		for h := range tbl.projections {
			row := make([]float32, opts.Dimension)
			for i := range row {
				row[i] = float32(rng.NormFloat64())
			}
			tbl.projections[h] = row
			tbl.offsets[h] = rng.Float64() * opts.BucketWidth
		}
		l.tables[t] = tbl
	}
	return l, nil
}

// Name identifies the index to the coordinator.
func (*LSH) Name() string { return "lsh" }

// Len returns the number of indexed vectors.
func (l *LSH) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// key computes the bucket key of v in table t: each projection is
// quantized by the bucket width and the quantized coordinates are folded
// through FNV-1a.
func (t *table) key(v []float32, width float64) uint64 {
	h := fnv.New64a()
	var scratch [8]byte
	for i, proj := range t.projections {
		var dot float64
		for j, p := range proj {
			dot += float64(p) * float64(v[j])
		}
		q := int64(math.Floor((dot + t.offsets[i]) / width))
		binary.LittleEndian.PutUint64(scratch[:], uint64(q))
		_, _ = h.Write(scratch[:])
	}
	return h.Sum64()
}

// Insert adds id to one bucket per table. Re-inserting an existing id
// replaces its previous bucket assignments.
func (l *LSH) Insert(ctx context.Context, id uint64, v []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(v) == 0 {
		return index.ErrEmptyVector
	}
	if len(v) != l.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: l.opts.Dimension, Actual: len(v)}
	}

	keys := make([]uint64, len(l.tables))
	for t, tbl := range l.tables {
		keys[t] = tbl.key(v, l.opts.BucketWidth)
	}

	// The index lock is held across the capacity check and the bucket
	// appends so concurrent inserts cannot both pass a full-bucket check.
	// Searches only take the per-table read locks and proceed unblocked.
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, existed := l.ids[id]
	if l.opts.Overflow == OverflowReject && l.opts.BucketCapacity > 0 {
		for t, tbl := range l.tables {
			tbl.mu.RLock()
			n := len(tbl.buckets[keys[t]])
			tbl.mu.RUnlock()
			if existed && prev[t] == keys[t] {
				n-- // replacing our own entry does not grow the bucket
			}
			if n >= l.opts.BucketCapacity {
				return fmt.Errorf("%w: table %d bucket %#x", ErrBucketFull, t, keys[t])
			}
		}
	}
	l.ids[id] = keys

	for t, tbl := range l.tables {
		tbl.mu.Lock()
		if existed {
			tbl.buckets[prev[t]] = removeID(tbl.buckets[prev[t]], id)
		}
		tbl.buckets[keys[t]] = append(tbl.buckets[keys[t]], id)
		tbl.mu.Unlock()
	}
	return nil
}

// Delete removes id from every table.
func (l *LSH) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	keys, ok := l.ids[id]
	delete(l.ids, id)
	if !ok {
		return &index.ErrNotIndexed{ID: id}
	}

	for t, tbl := range l.tables {
		tbl.mu.Lock()
		tbl.buckets[keys[t]] = removeID(tbl.buckets[keys[t]], id)
		if len(tbl.buckets[keys[t]]) == 0 {
			delete(tbl.buckets, keys[t])
		}
		tbl.mu.Unlock()
	}
	return nil
}

// Keys returns the per-table bucket keys v would hash to. Exposed for
// determinism tests and diagnostics.
func (l *LSH) Keys(v []float32) []uint64 {
	keys := make([]uint64, len(l.tables))
	for t, tbl := range l.tables {
		keys[t] = tbl.key(v, l.opts.BucketWidth)
	}
	return keys
}

// Search probes the query's bucket in every table, unions candidates, and
// re-ranks the union by exact distance. The re-ranking cost is bounded by
// the union size, not the collection size.
func (l *LSH) Search(ctx context.Context, q []float32, k int, _ *index.SearchOptions) ([]index.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != l.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: l.opts.Dimension, Actual: len(q)}
	}

	union := roaring64.New()
	for _, tbl := range l.tables {
		key := tbl.key(q, l.opts.BucketWidth)
		tbl.mu.RLock()
		for _, id := range tbl.buckets[key] {
			union.Add(id)
		}
		tbl.mu.RUnlock()
	}

	// Exact distances on the deduplicated union only.
	top := candidate.NewMax(k)
	it := union.Iterator()
	for it.HasNext() {
		id := it.Next()
		vec, ok := l.source.Vector(id)
		if !ok {
			continue
		}
		d := l.dist(q, vec)
		if top.Len() < k {
			top.Push(candidate.Item{ID: id, Distance: d})
		} else if worst, _ := top.Top(); d < worst.Distance || (d == worst.Distance && id < worst.ID) {
			top.Pop()
			top.Push(candidate.Item{ID: id, Distance: d})
		}
	}

	items := top.Drain() // worst-first
	res := make([]index.SearchResult, len(items))
	for i, it := range items {
		res[len(items)-1-i] = index.SearchResult{ID: it.ID, Distance: it.Distance}
	}
	return res, nil
}

func removeID(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
