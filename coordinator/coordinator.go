// Package coordinator routes queries to the hash and graph indexes and
// merges their results.
//
// The selection policy is a heuristic, not a correctness contract: small
// and medium collections (and any query hinting high recall) go to the
// graph index; large collections with approximate results acceptable go to
// the hash index; a high-confidence hint fans out to both and
// merge-deduplicates. Per-index rolling latency is tracked and exported so
// the policy is observable.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lspecian/vexfs/index"
)

// DefaultLargeCollection is the collection size at which queries without
// hints cut over from the graph index to the hash index.
const DefaultLargeCollection = 10_000

// Hints lets callers bias the selection policy.
type Hints struct {
	// HighRecall forces the graph index.
	HighRecall bool
	// HighConfidence runs both indexes and merges.
	HighConfidence bool
}

// Options configures the coordinator.
type Options struct {
	// LargeCollection overrides DefaultLargeCollection.
	LargeCollection int
	// BatchParallelism bounds concurrent queries in BatchSearch.
	// Zero means 4.
	BatchParallelism int
	Logger           *slog.Logger
	Metrics          *Metrics
}

// Coordinator is the single query surface over both indexes.
type Coordinator struct {
	graph index.Index
	hash  index.Index
	opts  Options

	statsMu sync.Mutex
	stats   map[string]*rollingStats
}

type rollingStats struct {
	queries uint64
	ewma    float64 // microseconds, exponentially weighted
}

const ewmaAlpha = 0.2

// New creates a coordinator over the graph and hash indexes.
func New(graph, hash index.Index, optFns ...func(o *Options)) *Coordinator {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.LargeCollection <= 0 {
		opts.LargeCollection = DefaultLargeCollection
	}
	if opts.BatchParallelism <= 0 {
		opts.BatchParallelism = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Coordinator{
		graph: graph,
		hash:  hash,
		opts:  opts,
		stats: map[string]*rollingStats{
			graph.Name(): {},
			hash.Name():  {},
		},
	}
}

// Search routes one query according to the selection policy.
func (c *Coordinator) Search(ctx context.Context, q []float32, k int, hints Hints, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	if hints.HighConfidence {
		return c.searchBoth(ctx, q, k, opts)
	}

	idx := c.pick(hints)
	start := time.Now()
	res, err := idx.Search(ctx, q, k, opts)
	c.observe(idx.Name(), time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", idx.Name(), err)
	}
	return res, nil
}

// pick applies the routing heuristic.
func (c *Coordinator) pick(hints Hints) index.Index {
	if hints.HighRecall {
		return c.graph
	}
	if c.graph.Len() >= c.opts.LargeCollection {
		return c.hash
	}
	return c.graph
}

// searchBoth queries both indexes concurrently and merges.
func (c *Coordinator) searchBoth(ctx context.Context, q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	var graphRes, hashRes []index.SearchResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		res, err := c.graph.Search(gctx, q, k, opts)
		c.observe(c.graph.Name(), time.Since(start), err == nil)
		graphRes = res
		return err
	})
	g.Go(func() error {
		start := time.Now()
		res, err := c.hash.Search(gctx, q, k, opts)
		c.observe(c.hash.Name(), time.Since(start), err == nil)
		hashRes = res
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Merge(k, graphRes, hashRes), nil
}

// BatchSearch runs many queries with bounded parallelism.
func (c *Coordinator) BatchSearch(ctx context.Context, queries [][]float32, k int, hints Hints, opts *index.SearchOptions) ([][]index.SearchResult, error) {
	out := make([][]index.SearchResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.BatchParallelism)
	for i, q := range queries {
		g.Go(func() error {
			res, err := c.Search(gctx, q, k, hints, opts)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Merge deduplicates result lists by id (keeping the best distance), orders
// by (distance, id), and truncates to k.
func Merge(k int, lists ...[]index.SearchResult) []index.SearchResult {
	best := make(map[uint64]float32)
	for _, list := range lists {
		for _, r := range list {
			if d, ok := best[r.ID]; !ok || r.Distance < d {
				best[r.ID] = r.Distance
			}
		}
	}

	merged := make([]index.SearchResult, 0, len(best))
	for id, d := range best {
		merged = append(merged, index.SearchResult{ID: id, Distance: d})
	}
	sort.Slice(merged, func(i, j int) bool { return index.Less(merged[i], merged[j]) })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

func (c *Coordinator) observe(name string, d time.Duration, ok bool) {
	micros := float64(d.Microseconds())

	c.statsMu.Lock()
	st := c.stats[name]
	if st == nil {
		st = &rollingStats{}
		c.stats[name] = st
	}
	st.queries++
	if st.ewma == 0 {
		st.ewma = micros
	} else {
		st.ewma = ewmaAlpha*micros + (1-ewmaAlpha)*st.ewma
	}
	c.statsMu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.Observe(name, d, ok)
	}
}

// IndexStats is a point-in-time view of one index's rolling counters.
type IndexStats struct {
	Queries     uint64
	EWMALatency time.Duration
}

// Stats returns per-index rolling counters.
func (c *Coordinator) Stats() map[string]IndexStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	out := make(map[string]IndexStats, len(c.stats))
	for name, st := range c.stats {
		out[name] = IndexStats{
			Queries:     st.queries,
			EWMALatency: time.Duration(st.ewma) * time.Microsecond,
		}
	}
	return out
}
