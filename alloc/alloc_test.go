package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateNeverHandsOutTwice(t *testing.T) {
	const nblocks = 4096
	b := New(nblocks)

	var mu sync.Mutex
	seen := make(map[uint32]struct{}, nblocks)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := b.Allocate()
				if err != nil {
					assert.ErrorIs(t, err, ErrOutOfSpace)
					return
				}
				mu.Lock()
				_, dup := seen[id]
				seen[id] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "block %d allocated twice", id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, nblocks, len(seen))
	assert.EqualValues(t, 0, b.FreeCount())
}

func TestFreeThenReallocate(t *testing.T) {
	b := New(64)
	id, err := b.Allocate()
	require.NoError(t, err)

	require.NoError(t, b.Free(id))
	assert.False(t, b.IsAllocated(id))

	again, err := b.Allocate()
	require.NoError(t, err)
	assert.Equal(t, id, again, "freed block is the next hint")
}

func TestDoubleFreeRejected(t *testing.T) {
	b := New(64)
	id, err := b.Allocate()
	require.NoError(t, err)

	require.NoError(t, b.Free(id))
	assert.ErrorIs(t, b.Free(id), ErrNotAllocated)
}

func TestFreeCountTracksState(t *testing.T) {
	b := New(100)
	assert.EqualValues(t, 100, b.FreeCount())

	for i := 0; i < 10; i++ {
		_, err := b.Allocate()
		require.NoError(t, err)
	}
	assert.EqualValues(t, 90, b.FreeCount())

	b.MarkAllocated(50) // not yet allocated
	b.MarkAllocated(50) // idempotent
	assert.EqualValues(t, 89, b.FreeCount())
}

func TestLoadRoundTrip(t *testing.T) {
	const nblocks = 4096 * 8 // exactly one 4 KiB bitmap block
	b := New(nblocks)
	for i := 0; i < 100; i++ {
		_, err := b.Allocate()
		require.NoError(t, err)
	}
	b.MarkAllocated(nblocks - 1)

	raw := b.EncodeBlock(0, 4096)
	loaded, err := Load(raw, nblocks)
	require.NoError(t, err)

	assert.Equal(t, b.FreeCount(), loaded.FreeCount())
	for i := uint32(0); i < 100; i++ {
		assert.True(t, loaded.IsAllocated(i))
	}
	assert.True(t, loaded.IsAllocated(nblocks-1))
	assert.False(t, loaded.IsAllocated(100))
}

func TestDirtyBitmapBlocks(t *testing.T) {
	b := New(4096 * 8 * 2) // two 4 KiB bitmap blocks
	_, err := b.Allocate()
	require.NoError(t, err)
	b.MarkAllocated(4096 * 8) // first bit of the second bitmap block

	dirty := b.DirtyBitmapBlocks(4096)
	assert.ElementsMatch(t, []uint32{0, 1}, dirty)

	// The set clears on read.
	assert.Empty(t, b.DirtyBitmapBlocks(4096))
}
