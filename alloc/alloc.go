// Package alloc implements the block bitmap allocator.
//
// Lock discipline: the bitmap mutex protects only the in-memory bit array.
// Every critical section is O(bitmap scan) worst case with an O(1) fast path
// via the next-free hint, and no I/O ever happens while the lock is held;
// dirty bitmap blocks are encoded and flushed by the caller outside the
// critical section. The free-block counter is atomic, not lock-protected, so
// readers never contend with the bitmap lock.
package alloc

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// ErrOutOfSpace is returned when no free block exists. It is a distinct
// condition from I/O failure; callers surface it directly.
var ErrOutOfSpace = errors.New("no free blocks")

// ErrNotAllocated is returned when freeing a block that is not allocated.
var ErrNotAllocated = errors.New("block not allocated")

// Bitmap tracks free/used state for every block on the volume, one bit per
// block (1 = allocated).
type Bitmap struct {
	mu      sync.Mutex
	words   []uint64
	nblocks uint32
	hint    uint32 // next block number to try; advisory only

	free atomic.Int64

	dirtyMu sync.Mutex
	dirty   map[uint32]struct{} // bitmap block indices needing flush
}

// New creates an all-free bitmap covering nblocks blocks.
func New(nblocks uint32) *Bitmap {
	b := &Bitmap{
		words:   make([]uint64, (int(nblocks)+63)/64),
		nblocks: nblocks,
		dirty:   make(map[uint32]struct{}),
	}
	b.free.Store(int64(nblocks))
	return b
}

// Load reconstructs a bitmap from its on-disk bytes.
func Load(raw []byte, nblocks uint32) (*Bitmap, error) {
	if len(raw)*8 < int(nblocks) {
		return nil, fmt.Errorf("bitmap too small: %d bytes for %d blocks", len(raw), nblocks)
	}
	b := New(nblocks)
	free := int64(nblocks)
	for i := uint32(0); i < nblocks; i++ {
		if raw[i/8]&(1<<(i%8)) != 0 {
			b.words[i/64] |= 1 << (i % 64)
			free--
		}
	}
	b.free.Store(free)
	return b, nil
}

// Allocate returns a free block number and marks it allocated. The next-free
// hint makes the common case O(1); a full scan runs only on hint miss.
func (b *Bitmap) Allocate() (uint32, error) {
	b.mu.Lock()

	start := b.hint
	if start >= b.nblocks {
		start = 0
	}

	id, ok := b.scanFrom(start)
	if !ok && start != 0 {
		id, ok = b.scanFrom(0)
	}
	if !ok {
		b.mu.Unlock()
		return 0, ErrOutOfSpace
	}

	b.words[id/64] |= 1 << (id % 64)
	b.hint = id + 1
	b.mu.Unlock()

	b.free.Add(-1)
	b.markDirty(id)
	return id, nil
}

// scanFrom finds the first clear bit at or after start. Caller holds mu.
func (b *Bitmap) scanFrom(start uint32) (uint32, bool) {
	word := int(start / 64)
	if word >= len(b.words) {
		return 0, false
	}

	// Partial first word.
	w := ^b.words[word] &^ ((1 << (start % 64)) - 1)
	for {
		if w != 0 {
			id := uint32(word*64 + bits.TrailingZeros64(w))
			if id < b.nblocks {
				return id, true
			}
			return 0, false
		}
		word++
		if word >= len(b.words) {
			return 0, false
		}
		w = ^b.words[word]
	}
}

// Free clears the bit for block num.
func (b *Bitmap) Free(num uint32) error {
	if num >= b.nblocks {
		return fmt.Errorf("free block %d: out of range", num)
	}

	b.mu.Lock()
	mask := uint64(1) << (num % 64)
	if b.words[num/64]&mask == 0 {
		b.mu.Unlock()
		return fmt.Errorf("free block %d: %w", num, ErrNotAllocated)
	}
	b.words[num/64] &^= mask
	if num < b.hint {
		b.hint = num
	}
	b.mu.Unlock()

	b.free.Add(1)
	b.markDirty(num)
	return nil
}

// MarkAllocated forces a bit set without going through allocation. Format
// uses this to reserve metadata blocks; replay uses it to reapply bitmap
// state idempotently.
func (b *Bitmap) MarkAllocated(num uint32) {
	if num >= b.nblocks {
		return
	}
	b.mu.Lock()
	mask := uint64(1) << (num % 64)
	already := b.words[num/64]&mask != 0
	b.words[num/64] |= mask
	b.mu.Unlock()

	if !already {
		b.free.Add(-1)
	}
	b.markDirty(num)
}

// IsAllocated reports whether block num is allocated.
func (b *Bitmap) IsAllocated(num uint32) bool {
	if num >= b.nblocks {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.words[num/64]&(1<<(num%64)) != 0
}

// FreeCount returns the number of free blocks. Reads the atomic counter, not
// the bitmap, so it never touches the bitmap lock.
func (b *Bitmap) FreeCount() int64 { return b.free.Load() }

// BlockCount returns the number of blocks the bitmap covers.
func (b *Bitmap) BlockCount() uint32 { return b.nblocks }

func (b *Bitmap) markDirty(num uint32) {
	b.dirtyMu.Lock()
	b.dirty[num/8] = struct{}{} // byte offset; converted to a block index at flush
	b.dirtyMu.Unlock()
}

// DirtyBitmapBlocks returns the set of bitmap block indices (relative to the
// bitmap region) whose on-disk copies are stale, and clears the set.
func (b *Bitmap) DirtyBitmapBlocks(blockSize int) []uint32 {
	b.dirtyMu.Lock()
	defer b.dirtyMu.Unlock()

	seen := make(map[uint32]struct{})
	var out []uint32
	for byteOff := range b.dirty {
		idx := byteOff / uint32(blockSize)
		if _, ok := seen[idx]; !ok {
			seen[idx] = struct{}{}
			out = append(out, idx)
		}
	}
	b.dirty = make(map[uint32]struct{})
	return out
}

// EncodeBlock serializes one bitmap block (blockSize bytes starting at
// bitmap block index idx) for journaling or flush. The snapshot is taken
// under the bitmap lock but involves no I/O.
func (b *Bitmap) EncodeBlock(idx uint32, blockSize int) []byte {
	out := make([]byte, blockSize)
	startBit := int(idx) * blockSize * 8

	b.mu.Lock()
	for i := 0; i < blockSize*8; i++ {
		bit := startBit + i
		if bit >= int(b.nblocks) {
			break
		}
		if b.words[bit/64]&(1<<(bit%64)) != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	b.mu.Unlock()
	return out
}
