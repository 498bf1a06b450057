// Package hnsw implements the graph index: a Hierarchical Navigable Small
// World graph for high-recall approximate nearest neighbor search.
//
// Lock discipline: each node's neighbor lists are guarded by that node's
// own RWMutex, so concurrent inserts into disjoint graph regions do not
// contend. The entry-point pointer is read on every search but written
// rarely; it is an atomic with a separate mutex serializing updates.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/internal/candidate"
)

const (
	// DefaultM is the default per-layer connection bound.
	DefaultM = 16

	// DefaultBeamWidth is the default layer-0 beam width (ef).
	DefaultBeamWidth = 100

	minimumM = 2

	// layer0Multiplier doubles the connection bound at layer 0.
	layer0Multiplier = 2
)

// Options configures the graph.
type Options struct {
	Dimension int
	M         int // max connections per layer (layer 0 allows 2*M)
	BeamWidth int // construction and default search beam width
	Distance  index.DistanceFunc
}

// DefaultOptions are the baseline options.
var DefaultOptions = Options{
	M:         DefaultM,
	BeamWidth: DefaultBeamWidth,
}

type node struct {
	id    uint64
	level int

	mu        sync.RWMutex
	neighbors [][]uint64 // index = layer, 0..level
}

// HNSW is the graph index.
type HNSW struct {
	opts   Options
	dist   index.DistanceFunc
	source index.VectorSource

	layerMultiplier float64
	maxConns        int
	maxConnsLayer0  int

	nodesMu sync.RWMutex
	nodes   map[uint64]*node

	epMu       sync.Mutex // serializes entry point / max level transitions
	entryPoint atomic.Uint64
	hasEntry   atomic.Bool
	maxLevel   atomic.Int32

	count atomic.Int64

	tombMu     sync.RWMutex
	tombstones map[uint64]struct{}

	minPool     *sync.Pool
	maxPool     *sync.Pool
	visitedPool *sync.Pool
}

var _ index.Index = (*HNSW)(nil)

// New creates an empty graph over the given vector source.
func New(source index.VectorSource, optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.BeamWidth <= 0 {
		opts.BeamWidth = DefaultBeamWidth
	}
	if opts.Distance == nil {
		opts.Distance = index.SquaredL2
	}

	return &HNSW{
		opts:            opts,
		dist:            opts.Distance,
		source:          source,
		layerMultiplier: 1.0 / math.Log(float64(opts.M)),
		maxConns:        opts.M,
		maxConnsLayer0:  layer0Multiplier * opts.M,
		nodes:           make(map[uint64]*node),
		tombstones:      make(map[uint64]struct{}),
		minPool:         candidate.NewQueuePool(false, opts.BeamWidth),
		maxPool:         candidate.NewQueuePool(true, opts.BeamWidth),
		visitedPool:     candidate.NewVisitedPool(1024),
	}, nil
}

// Name identifies the index to the coordinator.
func (*HNSW) Name() string { return "hnsw" }

// Len returns the number of live (non-deleted) nodes.
func (h *HNSW) Len() int { return int(h.count.Load()) }

// levelFor derives a node's layer from its id: a uniform hash pushed
// through -log gives the geometric decay the layer distribution requires,
// and keeps rebuilds deterministic.
func (h *HNSW) levelFor(id uint64) int {
	x := id + 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31

	const inv = 1.0 / (1 << 53)
	r := float64(x>>11) * inv
	if r == 0 {
		r = inv
	}
	return int(math.Floor(-math.Log(r) * h.layerMultiplier))
}

func (h *HNSW) getNode(id uint64) *node {
	h.nodesMu.RLock()
	n := h.nodes[id]
	h.nodesMu.RUnlock()
	return n
}

func (h *HNSW) deleted(id uint64) bool {
	h.tombMu.RLock()
	_, ok := h.tombstones[id]
	h.tombMu.RUnlock()
	return ok
}

func (h *HNSW) distTo(v []float32, id uint64) float32 {
	vec, ok := h.source.Vector(id)
	if !ok {
		return math.MaxFloat32
	}
	return h.dist(v, vec)
}

// Insert adds a vector id to the graph.
func (h *HNSW) Insert(ctx context.Context, id uint64, v []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(v) == 0 {
		return index.ErrEmptyVector
	}
	if len(v) != h.opts.Dimension {
		return &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}

	// Re-insert after delete: clear the tombstone, vector bytes are
	// already current in the source.
	h.tombMu.Lock()
	if _, ok := h.tombstones[id]; ok {
		delete(h.tombstones, id)
		h.tombMu.Unlock()
		if h.getNode(id) != nil {
			h.count.Add(1)
			return nil
		}
	} else {
		h.tombMu.Unlock()
	}
	if h.getNode(id) != nil {
		return nil // already present
	}

	level := h.levelFor(id)
	n := &node{id: id, level: level, neighbors: make([][]uint64, level+1)}

	// First node becomes the entry point.
	h.epMu.Lock()
	if !h.hasEntry.Load() {
		h.nodesMu.Lock()
		h.nodes[id] = n
		h.nodesMu.Unlock()
		h.entryPoint.Store(id)
		h.maxLevel.Store(int32(level))
		h.hasEntry.Store(true)
		h.count.Add(1)
		h.epMu.Unlock()
		return nil
	}
	h.epMu.Unlock()

	h.nodesMu.Lock()
	h.nodes[id] = n
	h.nodesMu.Unlock()

	if err := h.link(n, v); err != nil {
		return err
	}
	h.count.Add(1)

	// Raise the entry point if this node tops the graph.
	if level > int(h.maxLevel.Load()) {
		h.epMu.Lock()
		if level > int(h.maxLevel.Load()) {
			h.maxLevel.Store(int32(level))
			h.entryPoint.Store(id)
		}
		h.epMu.Unlock()
	}
	return nil
}

// link performs the greedy descent and bidirectional wiring for a new node.
func (h *HNSW) link(n *node, v []float32) error {
	currID := h.entryPoint.Load()
	currDist := h.distTo(v, currID)
	maxLevel := int(h.maxLevel.Load())

	// Greedy descent through layers above the node's level.
	for level := maxLevel; level > n.level; level-- {
		currID, currDist = h.greedyStep(v, currID, currDist, level)
	}

	// Search and connect from min(level, maxLevel) down to 0.
	for level := min(n.level, maxLevel); level >= 0; level-- {
		results := h.searchLayer(v, currID, currDist, level, h.opts.BeamWidth, true)

		bound := h.maxConns
		if level == 0 {
			bound = h.maxConnsLayer0
		}

		// Nearest-first neighbor selection up to the bound.
		items := results.Drain() // worst-first from the max-heap
		neighbors := make([]uint64, 0, bound)
		for i := len(items) - 1; i >= 0 && len(neighbors) < bound; i-- {
			neighbors = append(neighbors, items[i].ID)
		}
		if len(items) > 0 {
			currID = items[len(items)-1].ID
			currDist = items[len(items)-1].Distance
		}
		results.Reset()
		h.maxPool.Put(results)

		n.mu.Lock()
		n.neighbors[level] = neighbors
		n.mu.Unlock()

		for _, nb := range neighbors {
			h.connect(nb, n.id, level)
		}
	}
	return nil
}

// greedyStep walks to the closest neighbor at the given level until no
// neighbor improves on the current distance.
func (h *HNSW) greedyStep(v []float32, currID uint64, currDist float32, level int) (uint64, float32) {
	for {
		improved := false
		for _, nb := range h.neighborsOf(currID, level) {
			if d := h.distTo(v, nb); d < currDist {
				currID, currDist = nb, d
				improved = true
			}
		}
		if !improved {
			return currID, currDist
		}
	}
}

func (h *HNSW) neighborsOf(id uint64, level int) []uint64 {
	n := h.getNode(id)
	if n == nil || level > n.level {
		return nil
	}
	n.mu.RLock()
	conns := append([]uint64(nil), n.neighbors[level]...)
	n.mu.RUnlock()
	return conns
}

// connect adds a back-edge target -> source at the given level, pruning the
// weakest edge when the degree bound is hit so node degree never exceeds
// the configured maximum.
func (h *HNSW) connect(sourceID, targetID uint64, level int) {
	n := h.getNode(sourceID)
	if n == nil || level > n.level {
		return
	}

	bound := h.maxConns
	if level == 0 {
		bound = h.maxConnsLayer0
	}

	vSource, ok := h.source.Vector(sourceID)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	conns := n.neighbors[level]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	if len(conns) < bound {
		n.neighbors[level] = append(conns, targetID)
		return
	}

	// At the bound: keep the closest `bound` of existing + new.
	pq := candidate.NewMax(len(conns) + 1)
	pq.Push(candidate.Item{ID: targetID, Distance: h.dist(vSource, mustVec(h.source, targetID))})
	for _, c := range conns {
		pq.Push(candidate.Item{ID: c, Distance: h.dist(vSource, mustVec(h.source, c))})
	}
	for pq.Len() > bound {
		pq.Pop() // drop the weakest edge
	}
	items := pq.Drain()
	kept := make([]uint64, len(items))
	for i, it := range items {
		kept[len(items)-1-i] = it.ID
	}
	n.neighbors[level] = kept
}

func mustVec(s index.VectorSource, id uint64) []float32 {
	v, ok := s.Vector(id)
	if !ok {
		return nil
	}
	return v
}

// searchLayer runs a best-first beam search at one level. When forLink is
// true, tombstoned nodes are kept as candidates (they still navigate);
// otherwise they are excluded from results but traversed.
//
// The returned max-heap holds up to beam results; the caller must Reset and
// return it to the pool.
func (h *HNSW) searchLayer(q []float32, epID uint64, epDist float32, level, beam int, forLink bool) *candidate.Queue {
	visited := h.visitedPool.Get().(*candidate.Visited)
	visited.Reset()
	defer h.visitedPool.Put(visited)

	frontier := h.minPool.Get().(*candidate.Queue)
	frontier.Reset()
	defer func() {
		frontier.Reset()
		h.minPool.Put(frontier)
	}()

	results := h.maxPool.Get().(*candidate.Queue)
	results.Reset()

	visited.Visit(epID)
	frontier.Push(candidate.Item{ID: epID, Distance: epDist})
	if forLink || !h.deleted(epID) {
		results.Push(candidate.Item{ID: epID, Distance: epDist})
	}

	for frontier.Len() > 0 {
		curr, _ := frontier.Pop()

		if results.Len() >= beam {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, nb := range h.neighborsOf(curr.ID, level) {
			if visited.Seen(nb) {
				continue
			}
			visited.Visit(nb)
			d := h.distTo(q, nb)

			if results.Len() >= beam {
				if worst, _ := results.Top(); d > worst.Distance {
					continue
				}
			}

			frontier.Push(candidate.Item{ID: nb, Distance: d})
			if forLink || !h.deleted(nb) {
				results.Push(candidate.Item{ID: nb, Distance: d})
				if results.Len() > beam {
					results.Pop()
				}
			}
		}
	}
	return results
}

// Search performs a K-nearest-neighbor search: greedy descent from the
// entry point through the upper layers, then a beam search at layer 0.
func (h *HNSW) Search(ctx context.Context, q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != h.opts.Dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(q)}
	}
	if !h.hasEntry.Load() {
		return nil, nil
	}

	beam := h.opts.BeamWidth
	if opts != nil && opts.BeamWidth > 0 {
		beam = opts.BeamWidth
	}
	if beam < k {
		beam = k
	}

	currID := h.entryPoint.Load()
	currDist := h.distTo(q, currID)
	for level := int(h.maxLevel.Load()); level > 0; level-- {
		currID, currDist = h.greedyStep(q, currID, currDist, level)
	}

	results := h.searchLayer(q, currID, currDist, 0, beam, false)
	defer func() {
		results.Reset()
		h.maxPool.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}
	items := results.Drain() // worst-first
	res := make([]index.SearchResult, len(items))
	for i, it := range items {
		res[len(items)-1-i] = index.SearchResult{ID: it.ID, Distance: it.Distance}
	}
	return res, nil
}

// Delete tombstones a node. The node stays in the graph for navigation
// (removing it would destabilize connectivity) but is excluded from
// results. If the entry point is deleted, a replacement is elected from
// the highest surviving layer.
func (h *HNSW) Delete(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.getNode(id) == nil {
		return &index.ErrNotIndexed{ID: id}
	}

	h.tombMu.Lock()
	if _, ok := h.tombstones[id]; ok {
		h.tombMu.Unlock()
		return nil
	}
	h.tombstones[id] = struct{}{}
	h.tombMu.Unlock()

	h.count.Add(-1)

	if h.hasEntry.Load() && h.entryPoint.Load() == id {
		h.electEntryPoint()
	}
	return nil
}

// electEntryPoint picks the live node with the highest level as the new
// entry point. With no live nodes left the graph reports empty.
func (h *HNSW) electEntryPoint() {
	h.epMu.Lock()
	defer h.epMu.Unlock()

	var best *node
	h.nodesMu.RLock()
	for id, n := range h.nodes {
		if h.deleted(id) {
			continue
		}
		if best == nil || n.level > best.level || (n.level == best.level && n.id < best.id) {
			best = n
		}
	}
	h.nodesMu.RUnlock()

	if best == nil {
		h.hasEntry.Store(false)
		h.maxLevel.Store(0)
		return
	}
	h.entryPoint.Store(best.id)
	h.maxLevel.Store(int32(best.level))
}

// EntryPoint returns the current entry point id, if any.
func (h *HNSW) EntryPoint() (uint64, bool) {
	if !h.hasEntry.Load() {
		return 0, false
	}
	return h.entryPoint.Load(), true
}

// Level returns a node's layer, or -1 if absent.
func (h *HNSW) Level(id uint64) int {
	n := h.getNode(id)
	if n == nil {
		return -1
	}
	return n.level
}

// Neighbors returns a copy of a node's neighbor list at the given level.
func (h *HNSW) Neighbors(id uint64, level int) []uint64 {
	return h.neighborsOf(id, level)
}

// Contains reports whether id is live in the graph.
func (h *HNSW) Contains(id uint64) bool {
	return h.getNode(id) != nil && !h.deleted(id)
}
