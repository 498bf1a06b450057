package inode

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/layout"
)

func newManager(count uint32) *Manager {
	return New(2, count, 4096)
}

func TestAllocateSkipsSlotZero(t *testing.T) {
	m := newManager(32)
	id, ino, err := m.Allocate(layout.ModeDir)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	assert.EqualValues(t, 1, ino.LinkCount)
	assert.False(t, ino.IsFree())
}

func TestAllocateRotatesCursor(t *testing.T) {
	m := newManager(32)
	a, _, err := m.Allocate(layout.ModeFile)
	require.NoError(t, err)
	b, _, err := m.Allocate(layout.ModeFile)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	// Freeing a does not make it the immediate next pick; the cursor keeps
	// moving forward.
	require.NoError(t, m.Free(a))
	c, _, err := m.Allocate(layout.ModeFile)
	require.NoError(t, err)
	assert.NotEqual(t, b, c)
}

func TestGenerationSurvivesFree(t *testing.T) {
	m := newManager(32)
	id, ino, err := m.Allocate(layout.ModeFile)
	require.NoError(t, err)
	gen := ino.Generation

	require.NoError(t, m.Free(id))
	_, err = m.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)

	// Reallocation of the same slot bumps the generation so stale ids
	// cannot alias the new object.
	m.cursor.Store(id)
	id2, ino2, err := m.Allocate(layout.ModeFile)
	require.NoError(t, err)
	require.Equal(t, id, id2)
	assert.Equal(t, gen+1, ino2.Generation)
}

func TestExhaustion(t *testing.T) {
	m := newManager(32) // 31 usable slots
	for i := 0; i < 31; i++ {
		_, _, err := m.Allocate(layout.ModeFile)
		require.NoError(t, err)
	}
	_, _, err := m.Allocate(layout.ModeFile)
	assert.ErrorIs(t, err, ErrNoInodes)
	assert.EqualValues(t, 0, m.FreeCount())
}

func TestConcurrentAllocateIsUnique(t *testing.T) {
	const count = 1024
	m := newManager(count)

	var mu sync.Mutex
	seen := make(map[uint32]struct{})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, _, err := m.Allocate(layout.ModeFile)
				if err != nil {
					return
				}
				mu.Lock()
				_, dup := seen[id]
				seen[id] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "inode %d allocated twice", id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, count-1, len(seen))
}

func TestLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev, err := block.NewMem(4096, 64)
	require.NoError(t, err)

	m := New(2, 64, 4096) // two table blocks
	id, ino, err := m.Allocate(layout.ModeFile)
	require.NoError(t, err)
	ino.Size = 12345
	ino.Flags = layout.FlagVectorBearing
	ino.Direct[0] = 70
	require.NoError(t, m.Put(id, ino))

	for _, idx := range m.DirtyTableBlocks() {
		raw, err := m.EncodeTableBlock(idx)
		require.NoError(t, err)
		require.NoError(t, dev.WriteBlock(ctx, m.TableStart()+idx, raw))
	}

	loaded, err := Load(ctx, dev, 2, 64, 4096)
	require.NoError(t, err)
	got, err := loaded.Get(id)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, got.Size)
	assert.Equal(t, layout.FlagVectorBearing, got.Flags)
	assert.EqualValues(t, 70, got.Direct[0])
	assert.Equal(t, m.FreeCount(), loaded.FreeCount())
}

func TestRangeVisitsAllocatedOnly(t *testing.T) {
	m := newManager(32)
	a, _, err := m.Allocate(layout.ModeFile)
	require.NoError(t, err)
	b, _, err := m.Allocate(layout.ModeDir)
	require.NoError(t, err)
	require.NoError(t, m.Free(a))

	var visited []uint32
	m.Range(func(id uint32, _ *layout.Inode) bool {
		visited = append(visited, id)
		return true
	})
	assert.Equal(t, []uint32{b}, visited)
}
