package vexfs_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vexfs "github.com/lspecian/vexfs"
	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/config"
	"github.com/lspecian/vexfs/coordinator"
	"github.com/lspecian/vexfs/fsck"
	"github.com/lspecian/vexfs/model"
	"github.com/lspecian/vexfs/monitor"
	"github.com/lspecian/vexfs/snapshot"
	"github.com/lspecian/vexfs/testutil"
)

const testDim = 8

func testModel() model.Metadata {
	return model.Metadata{Type: model.TypeCustom, Dimension: testDim, Name: "test"}
}

func newVolume(t *testing.T, opts ...vexfs.Option) (*vexfs.Engine, *block.MemDevice) {
	t.Helper()
	ctx := context.Background()

	dev, err := block.NewMem(4096, 512)
	require.NoError(t, err)
	require.NoError(t, vexfs.Format(ctx, dev))

	opts = append([]vexfs.Option{vexfs.WithLogger(vexfs.NoopLogger())}, opts...)
	eng, err := vexfs.Mount(ctx, dev, opts...)
	require.NoError(t, err)
	return eng, dev
}

func addVectors(t *testing.T, eng *vexfs.Engine, seed int64, count int) map[string][]float32 {
	t.Helper()
	ctx := context.Background()
	rng := testutil.NewRNG(seed)

	out := make(map[string][]float32, count)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("doc-%d", i)
		v := make([]float32, testDim)
		rng.FillUniform(v)
		_, err := eng.Add(ctx, name, v, nil, []byte("content of "+name))
		require.NoError(t, err)
		out[name] = v
	}
	return out
}

func TestMountLifecycle(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolume(t)

	st := eng.Stats()
	assert.Positive(t, st.FreeBlocks)
	assert.Positive(t, st.FreeInodes)
	assert.Equal(t, monitor.LevelNormal, st.Degradation)

	names, err := eng.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, eng.Close(ctx))
	assert.ErrorIs(t, eng.Close(ctx), vexfs.ErrNotMounted)
	_, err = eng.List(ctx)
	assert.ErrorIs(t, err, vexfs.ErrNotMounted)
}

func TestAddQueryRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolume(t)
	defer eng.Close(ctx)

	// No model bound yet: vector operations are refused.
	_, err := eng.Add(ctx, "early", make([]float32, testDim), nil, nil)
	assert.ErrorIs(t, err, model.ErrNoModel)
	_, err = eng.Query(ctx, make([]float32, testDim), 1)
	assert.ErrorIs(t, err, model.ErrNoModel)

	require.NoError(t, eng.SetModelMetadata(ctx, testModel()))
	vectors := addVectors(t, eng, 1, 20)

	// A stored vector is its own nearest neighbor.
	for name, v := range vectors {
		res, err := eng.Query(ctx, v, 1)
		require.NoError(t, err)
		require.Len(t, res, 1, "query for %s", name)
		assert.Zero(t, res[0].Distance)
	}

	rec, err := eng.Retrieve(ctx, "doc-3")
	require.NoError(t, err)
	assert.Equal(t, vectors["doc-3"], rec.Payload)
	assert.Equal(t, []byte("content of doc-3"), rec.Content)

	names, err := eng.List(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 20)
	assert.NotContains(t, names, ".model")

	// Names are unique.
	_, err = eng.Add(ctx, "doc-3", vectors["doc-3"], nil, nil)
	assert.ErrorIs(t, err, vexfs.ErrExists)

	require.NoError(t, eng.Delete(ctx, "doc-3"))
	_, err = eng.Retrieve(ctx, "doc-3")
	assert.ErrorIs(t, err, vexfs.ErrNotFound)
	res, err := eng.Query(ctx, vectors["doc-3"], 1)
	require.NoError(t, err)
	if len(res) == 1 {
		assert.NotZero(t, res[0].Distance, "deleted vector still in index")
	}
	assert.Equal(t, 19, eng.Stats().Vectors)
}

func TestRejectedAddLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolume(t)
	defer eng.Close(ctx)

	require.NoError(t, eng.SetModelMetadata(ctx, testModel()))
	addVectors(t, eng, 2, 5)
	before := eng.Stats()

	var mismatch *model.ErrDimensionMismatch
	_, err := eng.Add(ctx, "wrong", make([]float32, testDim+1), nil, nil)
	assert.ErrorAs(t, err, &mismatch)

	after := eng.Stats()
	assert.Equal(t, before.Vectors, after.Vectors)
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks)
	assert.Equal(t, before.FreeInodes, after.FreeInodes)

	names, err := eng.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "wrong")

	// The mismatched query is refused as well.
	_, err = eng.Query(ctx, make([]float32, testDim+1), 1)
	assert.ErrorAs(t, err, &mismatch)
}

func TestModelBindingIsImmutableWhileVectorsExist(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolume(t)
	defer eng.Close(ctx)

	require.NoError(t, eng.SetModelMetadata(ctx, testModel()))
	addVectors(t, eng, 3, 3)

	// Same binding again is a no-op.
	require.NoError(t, eng.SetModelMetadata(ctx, testModel()))

	other := model.Metadata{Type: model.TypeCustom, Dimension: 16, Name: "other"}
	assert.ErrorIs(t, eng.SetModelMetadata(ctx, other), model.ErrModelBound)

	// An emptied volume may rebind.
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Delete(ctx, fmt.Sprintf("doc-%d", i)))
	}
	require.NoError(t, eng.SetModelMetadata(ctx, other))
	md, bound := eng.GetModelMetadata()
	require.True(t, bound)
	assert.Equal(t, 16, md.Dimension)

	_, err := eng.Add(ctx, "doc", make([]float32, 16), nil, nil)
	require.NoError(t, err)
}

func TestRemountRebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	eng, dev := newVolume(t)

	require.NoError(t, eng.SetModelMetadata(ctx, testModel()))
	vectors := addVectors(t, eng, 4, 15)
	require.NoError(t, eng.Close(ctx))

	eng2, err := vexfs.Mount(ctx, dev.Clone(), vexfs.WithLogger(vexfs.NoopLogger()))
	require.NoError(t, err)
	defer eng2.Close(ctx)

	md, bound := eng2.GetModelMetadata()
	require.True(t, bound)
	assert.Equal(t, testDim, md.Dimension)
	assert.Equal(t, 15, eng2.Stats().Vectors)

	for name, v := range vectors {
		res, err := eng2.Query(ctx, v, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Zero(t, res[0].Distance)

		rec, err := eng2.Retrieve(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, v, rec.Payload)
	}
}

func TestSnapshotSeedAndStaleFallback(t *testing.T) {
	ctx := context.Background()
	snapPath := filepath.Join(t.TempDir(), "vol.snap")

	eng, dev := newVolume(t, vexfs.WithSnapshotPath(snapPath, snapshot.CodecZstd))
	require.NoError(t, eng.SetModelMetadata(ctx, testModel()))
	vectors := addVectors(t, eng, 5, 10)
	require.NoError(t, eng.Close(ctx))

	_, err := os.Stat(snapPath)
	require.NoError(t, err, "close must leave a snapshot behind")
	snap, err := snapshot.Load(snapPath)
	require.NoError(t, err)
	assert.Len(t, snap.Vectors, 10)

	// Remount with the matching snapshot.
	eng2, err := vexfs.Mount(ctx, dev.Clone(),
		vexfs.WithLogger(vexfs.NoopLogger()),
		vexfs.WithSnapshotPath(snapPath, snapshot.CodecZstd))
	require.NoError(t, err)
	assert.Equal(t, 10, eng2.Stats().Vectors)
	for _, v := range vectors {
		res, err := eng2.Query(ctx, v, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Zero(t, res[0].Distance)
	}
	require.NoError(t, eng2.Close(ctx))

	// Advance the volume without updating the snapshot; the stale snapshot
	// must be ignored in favor of a rebuild.
	advanced := dev.Clone()
	eng3, err := vexfs.Mount(ctx, advanced, vexfs.WithLogger(vexfs.NoopLogger()))
	require.NoError(t, err)
	extra := make([]float32, testDim)
	testutil.NewRNG(6).FillUniform(extra)
	_, err = eng3.Add(ctx, "extra", extra, nil, nil)
	require.NoError(t, err)
	require.NoError(t, eng3.Close(ctx))

	eng4, err := vexfs.Mount(ctx, advanced.Clone(),
		vexfs.WithLogger(vexfs.NoopLogger()),
		vexfs.WithSnapshotPath(snapPath, snapshot.CodecZstd))
	require.NoError(t, err)
	defer eng4.Close(ctx)

	assert.Equal(t, 11, eng4.Stats().Vectors, "stale snapshot must not mask the rebuild")
	res, err := eng4.Query(ctx, extra, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Zero(t, res[0].Distance)
}

func TestRoundTrip384(t *testing.T) {
	ctx := context.Background()
	eng, dev := newVolume(t)

	require.NoError(t, eng.SetModelMetadata(ctx, model.Metadata{Type: model.TypeAllMiniLM}))

	v1 := make([]float32, 384)
	testutil.NewRNG(9).FillGaussian(v1)
	_, err := eng.Add(ctx, "sentence", v1, nil, []byte("an embedded sentence"))
	require.NoError(t, err)
	require.NoError(t, eng.Close(ctx))

	eng2, err := vexfs.Mount(ctx, dev.Clone(), vexfs.WithLogger(vexfs.NoopLogger()))
	require.NoError(t, err)
	defer eng2.Close(ctx)

	rec, err := eng2.Retrieve(ctx, "sentence")
	require.NoError(t, err)
	assert.Equal(t, v1, rec.Payload, "stored vector must survive remount bit-equal")

	res, err := eng2.Query(ctx, v1, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Zero(t, res[0].Distance)
}

func TestHintsRouteAndAgree(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolume(t)
	defer eng.Close(ctx)

	require.NoError(t, eng.SetModelMetadata(ctx, testModel()))
	vectors := addVectors(t, eng, 7, 50)

	for _, hints := range []coordinator.Hints{
		{},
		{HighRecall: true},
		{HighConfidence: true},
	} {
		for _, v := range vectors {
			res, err := eng.SimilaritySearch(ctx, v, 1, hints)
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Zero(t, res[0].Distance, "hints %+v missed an exact match", hints)
		}
	}

	// Batch runs agree with single queries.
	queries := make([][]float32, 0, 5)
	for _, v := range vectors {
		queries = append(queries, v)
		if len(queries) == 5 {
			break
		}
	}
	batch, err := eng.BatchSearch(ctx, queries, 1, coordinator.Hints{})
	require.NoError(t, err)
	require.Len(t, batch, 5)
	for i := range batch {
		require.Len(t, batch[i], 1)
		assert.Zero(t, batch[i][0].Distance)
	}
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()

	for budget := 0; budget <= 30; budget++ {
		dev, err := block.NewMem(4096, 512)
		require.NoError(t, err)
		require.NoError(t, vexfs.Format(ctx, dev))

		crash := block.NewCrash(dev, budget)
		eng, err := vexfs.Mount(ctx, crash, vexfs.WithLogger(vexfs.NoopLogger()))
		if err == nil {
			if err := eng.SetModelMetadata(ctx, testModel()); err == nil {
				rng := testutil.NewRNG(int64(budget))
				for i := 0; i < 8; i++ {
					v := make([]float32, testDim)
					rng.FillUniform(v)
					if _, err := eng.Add(ctx, fmt.Sprintf("doc-%d", i), v, nil, nil); err != nil {
						break
					}
				}
			}
			_ = eng.Close(ctx) // the crashed device rejects the final flush
		}

		// The surviving image must always mount: replay discards torn
		// transactions and applies committed ones.
		image := dev.Clone()
		eng2, err := vexfs.Mount(ctx, image, vexfs.WithLogger(vexfs.NoopLogger()))
		require.NoError(t, err, "budget %d: recovery mount failed", budget)
		require.NoError(t, eng2.Close(ctx), "budget %d", budget)

		// After repair the image checks out clean.
		repaired := image.Clone()
		_, err = fsck.New(repaired, nil).Run(ctx, true)
		require.NoError(t, err, "budget %d", budget)
		report, err := fsck.New(repaired, nil).Run(ctx, false)
		require.NoError(t, err, "budget %d", budget)
		assert.True(t, report.Clean(), "budget %d: %v", budget, report.Findings)
	}
}

func TestConfigDrivesEngine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	raw := fmt.Sprintf(`
volume:
  path: %s
  block_size: 4096
  block_count: 512
model:
  name: test
  dimension: 8
index:
  graph:
    m: 8
    beam_width: 32
  hash:
    tables: 4
    seed: 77
monitor:
  max_concurrent: 16
  memory_budget_mib: 64
snapshot:
  path: %s
  codec: lz4
`, filepath.Join(dir, "volume.vex"), filepath.Join(dir, "index.snap"))
	cfgPath := filepath.Join(dir, "vexfs.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(raw), 0o600))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	eng, err := vexfs.CreateVolume(ctx, cfg, vexfs.WithLogger(vexfs.NoopLogger()))
	require.NoError(t, err)

	// The configured model is already bound.
	md, bound := eng.GetModelMetadata()
	require.True(t, bound)
	assert.Equal(t, model.TypeCustom, md.Type)
	assert.Equal(t, 8, md.Dimension)

	vectors := addVectors(t, eng, 21, 10)
	res, err := eng.Query(ctx, vectors["doc-3"], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.NoError(t, eng.Close(ctx))

	// The snapshot landed where the configuration pointed.
	_, err = os.Stat(cfg.Snapshot.Path)
	require.NoError(t, err)

	// Reopening through the same configuration restores the data.
	eng2, err := vexfs.OpenVolume(ctx, cfg, vexfs.WithLogger(vexfs.NoopLogger()))
	require.NoError(t, err)
	defer eng2.Close(ctx)

	rec, err := eng2.Retrieve(ctx, "doc-3")
	require.NoError(t, err)
	assert.Equal(t, vectors["doc-3"], rec.Payload)
	assert.Equal(t, 10, eng2.Stats().Vectors)
}

func TestConfigRejectsBadCodec(t *testing.T) {
	cfg := config.Default()
	cfg.Snapshot.Codec = "brotli"
	assert.Error(t, cfg.Validate())

	// ConfigOptions re-checks for configurations built in code.
	_, err := vexfs.ConfigOptions(cfg)
	assert.ErrorIs(t, err, snapshot.ErrUnknownCodec)
}
