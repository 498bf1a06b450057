package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lspecian/vexfs/index"
)

type fakeIndex struct {
	name    string
	size    int
	results []index.SearchResult
	err     error
	calls   atomic.Int32
}

func (f *fakeIndex) Name() string { return f.name }
func (f *fakeIndex) Len() int     { return f.size }

func (f *fakeIndex) Insert(context.Context, uint64, []float32) error { return nil }
func (f *fakeIndex) Delete(context.Context, uint64) error            { return nil }

func (f *fakeIndex) Search(_ context.Context, _ []float32, k int, _ *index.SearchOptions) ([]index.SearchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > k {
		return f.results[:k], nil
	}
	return f.results, nil
}

func TestSmallCollectionRoutesToGraph(t *testing.T) {
	graph := &fakeIndex{name: "graph", size: 100, results: []index.SearchResult{{ID: 1}}}
	hash := &fakeIndex{name: "hash", size: 100}
	c := New(graph, hash)

	res, err := c.Search(context.Background(), []float32{1}, 5, Hints{}, nil)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.EqualValues(t, 1, graph.calls.Load())
	assert.EqualValues(t, 0, hash.calls.Load())
}

func TestLargeCollectionRoutesToHash(t *testing.T) {
	graph := &fakeIndex{name: "graph", size: DefaultLargeCollection}
	hash := &fakeIndex{name: "hash", size: DefaultLargeCollection, results: []index.SearchResult{{ID: 2}}}
	c := New(graph, hash)

	res, err := c.Search(context.Background(), []float32{1}, 5, Hints{}, nil)
	require.NoError(t, err)
	assert.Len(t, res, 1)
	assert.EqualValues(t, 0, graph.calls.Load())
	assert.EqualValues(t, 1, hash.calls.Load())
}

func TestHighRecallForcesGraph(t *testing.T) {
	graph := &fakeIndex{name: "graph", size: DefaultLargeCollection}
	hash := &fakeIndex{name: "hash", size: DefaultLargeCollection}
	c := New(graph, hash)

	_, err := c.Search(context.Background(), []float32{1}, 5, Hints{HighRecall: true}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, graph.calls.Load())
	assert.EqualValues(t, 0, hash.calls.Load())
}

func TestHighConfidenceQueriesBothAndMerges(t *testing.T) {
	graph := &fakeIndex{name: "graph", results: []index.SearchResult{
		{ID: 1, Distance: 0.1}, {ID: 2, Distance: 0.5},
	}}
	hash := &fakeIndex{name: "hash", results: []index.SearchResult{
		{ID: 2, Distance: 0.5}, {ID: 3, Distance: 0.3},
	}}
	c := New(graph, hash)

	res, err := c.Search(context.Background(), []float32{1}, 10, Hints{HighConfidence: true}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, graph.calls.Load())
	assert.EqualValues(t, 1, hash.calls.Load())

	// Union of {1,2} and {2,3}, deduplicated and ordered by distance.
	require.Len(t, res, 3)
	assert.EqualValues(t, 1, res[0].ID)
	assert.EqualValues(t, 3, res[1].ID)
	assert.EqualValues(t, 2, res[2].ID)
}

func TestHighConfidencePropagatesFailure(t *testing.T) {
	boom := errors.New("boom")
	graph := &fakeIndex{name: "graph"}
	hash := &fakeIndex{name: "hash", err: boom}
	c := New(graph, hash)

	_, err := c.Search(context.Background(), []float32{1}, 5, Hints{HighConfidence: true}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestMerge(t *testing.T) {
	a := []index.SearchResult{{ID: 5, Distance: 2}, {ID: 1, Distance: 1}}
	b := []index.SearchResult{{ID: 5, Distance: 1.5}, {ID: 2, Distance: 1}}

	got := Merge(3, a, b)
	require.Len(t, got, 3)
	// Ties break on lower id; duplicate 5 keeps its best distance.
	assert.Equal(t, []index.SearchResult{
		{ID: 1, Distance: 1},
		{ID: 2, Distance: 1},
		{ID: 5, Distance: 1.5},
	}, got)

	assert.Len(t, Merge(1, a, b), 1)
	assert.Empty(t, Merge(5))
}

func TestInvalidK(t *testing.T) {
	c := New(&fakeIndex{name: "graph"}, &fakeIndex{name: "hash"})
	_, err := c.Search(context.Background(), []float32{1}, 0, Hints{}, nil)
	assert.ErrorIs(t, err, index.ErrInvalidK)
}

func TestBatchSearchPreservesOrder(t *testing.T) {
	graph := &fakeIndex{name: "graph", results: []index.SearchResult{{ID: 7}}}
	hash := &fakeIndex{name: "hash"}
	c := New(graph, hash, func(o *Options) { o.BatchParallelism = 2 })

	queries := make([][]float32, 9)
	for i := range queries {
		queries[i] = []float32{float32(i)}
	}
	out, err := c.BatchSearch(context.Background(), queries, 1, Hints{}, nil)
	require.NoError(t, err)
	require.Len(t, out, 9)
	for i := range out {
		require.Len(t, out[i], 1, "query %d", i)
		assert.EqualValues(t, 7, out[i][0].ID)
	}
	assert.EqualValues(t, 9, graph.calls.Load())
}

func TestStatsTrackQueries(t *testing.T) {
	graph := &fakeIndex{name: "graph"}
	hash := &fakeIndex{name: "hash"}
	c := New(graph, hash)

	for i := 0; i < 3; i++ {
		_, err := c.Search(context.Background(), []float32{1}, 1, Hints{}, nil)
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.EqualValues(t, 3, stats["graph"].Queries)
	assert.EqualValues(t, 0, stats["hash"].Queries)
}
