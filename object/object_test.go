package object

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lspecian/vexfs/alloc"
	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/inode"
	"github.com/lspecian/vexfs/layout"
)

// nopCommit satisfies MetaCommitter for tests that never remount; the
// managers are authoritative in memory.
type nopCommit struct{}

func (nopCommit) CommitMeta(context.Context) error { return nil }

type fixture struct {
	dev    *block.MemDevice
	bitmap *alloc.Bitmap
	inodes *inode.Manager
	layer  *Layer
	root   uint32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev, err := block.NewMem(4096, 256)
	require.NoError(t, err)

	bitmap := alloc.New(256)
	for b := uint32(0); b < 8; b++ {
		bitmap.MarkAllocated(b) // pretend metadata region
	}
	inodes := inode.New(2, 64, 4096)
	root, _, err := inodes.Allocate(layout.ModeDir)
	require.NoError(t, err)

	return &fixture{
		dev:    dev,
		bitmap: bitmap,
		inodes: inodes,
		layer:  New(dev, inodes, bitmap, nopCommit{}),
		root:   root,
	}
}

func TestCreateLookupRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.layer.Create(ctx, f.root, "alpha", layout.ModeFile)
	require.NoError(t, err)

	got, err := f.layer.Lookup(ctx, f.root, "alpha")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = f.layer.Create(ctx, f.root, "alpha", layout.ModeFile)
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, f.layer.Remove(ctx, f.root, "alpha"))
	_, err = f.layer.Lookup(ctx, f.root, "alpha")
	assert.ErrorIs(t, err, ErrNotFound)

	// The inode is reclaimed with the name.
	_, err = f.inodes.Get(id)
	assert.ErrorIs(t, err, inode.ErrNotFound)
}

func TestWriteReadAcrossIndirectBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.layer.Create(ctx, f.root, "big", layout.ModeFile)
	require.NoError(t, err)

	// 60000 bytes spills past the 12 direct blocks into the indirect
	// block.
	data := make([]byte, 60000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	n, err := f.layer.Write(ctx, id, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	ino, err := f.inodes.Get(id)
	require.NoError(t, err)
	assert.NotZero(t, ino.Indirect)

	got, err := f.layer.Read(ctx, id, 0, len(data))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// Partial read at an unaligned offset.
	got, err = f.layer.Read(ctx, id, 4100, 1000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[4100:5100], got))
}

func TestReadPastEOF(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.layer.Create(ctx, f.root, "small", layout.ModeFile)
	require.NoError(t, err)
	_, err = f.layer.Write(ctx, id, 0, []byte("hello"))
	require.NoError(t, err)

	got, err := f.layer.Read(ctx, id, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.layer.Read(ctx, id, 3, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("lo"), got)
}

func TestWriteBeyondCapacityBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.layer.Create(ctx, f.root, "huge", layout.ModeFile)
	require.NoError(t, err)

	_, err = f.layer.Write(ctx, id, 8<<20, []byte("x"))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestRemoveFreesBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	before := f.bitmap.FreeCount()
	id, err := f.layer.Create(ctx, f.root, "doomed", layout.ModeFile)
	require.NoError(t, err)
	_, err = f.layer.Write(ctx, id, 0, make([]byte, 60000))
	require.NoError(t, err)
	require.Less(t, f.bitmap.FreeCount(), before)

	require.NoError(t, f.layer.Remove(ctx, f.root, "doomed"))

	// Everything except the root directory's own entry block returns.
	assert.Equal(t, before-1, f.bitmap.FreeCount())
}

func TestDirentSlotReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.layer.Create(ctx, f.root, "a", layout.ModeFile)
	require.NoError(t, err)
	_, err = f.layer.Create(ctx, f.root, "b", layout.ModeFile)
	require.NoError(t, err)
	require.NoError(t, f.layer.Remove(ctx, f.root, "a"))
	_, err = f.layer.Create(ctx, f.root, "c", layout.ModeFile)
	require.NoError(t, err)

	var names []string
	for de, err := range f.layer.ReadDir(ctx, f.root, 0) {
		require.NoError(t, err)
		names = append(names, de.Name)
	}
	// "c" reuses the freed slot, so enumeration order shows the reuse.
	assert.Equal(t, []string{"c", "b"}, names)

	// The directory did not grow.
	size, err := f.layer.Size(f.root)
	require.NoError(t, err)
	assert.EqualValues(t, 2*DirentSize, size)
}

func TestReadDirOffsetResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, name := range []string{"one", "two", "three"} {
		_, err := f.layer.Create(ctx, f.root, name, layout.ModeFile)
		require.NoError(t, err)
	}

	var tail []string
	for de, err := range f.layer.ReadDir(ctx, f.root, 1) {
		require.NoError(t, err)
		tail = append(tail, de.Name)
	}
	assert.Equal(t, []string{"two", "three"}, tail)
}

func TestInvalidNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.layer.Create(ctx, f.root, "", layout.ModeFile)
	assert.ErrorIs(t, err, ErrInvalidName)

	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.layer.Create(ctx, f.root, string(long), layout.ModeFile)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestReadDirOnFileFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.layer.Create(ctx, f.root, "plain", layout.ModeFile)
	require.NoError(t, err)

	for _, err := range f.layer.ReadDir(ctx, id, 0) {
		assert.ErrorIs(t, err, ErrNotDirectory)
	}
}
