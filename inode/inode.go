// Package inode implements the inode manager: allocation, cached access,
// and write-back of fixed-size inode records.
//
// The whole table is resident (it is small: TotalBlocks/4 records of 128
// bytes). Reads and writes go through striped per-inode locks, not a
// filesystem-global lock. Mutations only mark table blocks dirty; the owner
// journals and flushes the dirty blocks, so the manager itself never blocks
// on I/O while holding a lock.
package inode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/layout"
)

var (
	// ErrNoInodes is returned when the table has no free slot.
	ErrNoInodes = errors.New("no free inodes")

	// ErrNotFound is returned for an unallocated or out-of-range inode.
	ErrNotFound = errors.New("inode not found")
)

const lockStripes = 256

// Manager owns the inode table.
type Manager struct {
	start     uint32 // absolute block number of the inode table
	count     uint32 // number of slots, slot 0 reserved/invalid
	blockSize int
	perBlock  uint32

	locks [lockStripes]sync.RWMutex

	tableMu sync.RWMutex // guards structural access to table slice
	table   []layout.Inode

	cursor atomic.Uint32 // rotating allocation cursor
	free   atomic.Int64

	dirtyMu sync.Mutex
	dirty   map[uint32]struct{} // dirty table block indices (relative)
}

// New creates an empty manager for a freshly formatted table.
func New(start, count uint32, blockSize int) *Manager {
	m := &Manager{
		start:     start,
		count:     count,
		blockSize: blockSize,
		perBlock:  uint32(blockSize / layout.InodeSize),
		table:     make([]layout.Inode, count),
		dirty:     make(map[uint32]struct{}),
	}
	m.free.Store(int64(count) - 1) // slot 0 is never handed out
	m.cursor.Store(1)
	return m
}

// Load reads the on-disk table into memory.
func Load(ctx context.Context, dev block.Device, start, count uint32, blockSize int) (*Manager, error) {
	m := New(start, count, blockSize)

	buf := make([]byte, blockSize)
	free := int64(0)
	for blk := uint32(0); blk*m.perBlock < count; blk++ {
		if err := dev.ReadBlock(ctx, start+blk, buf); err != nil {
			return nil, fmt.Errorf("read inode table block %d: %w", blk, err)
		}
		for s := uint32(0); s < m.perBlock; s++ {
			id := blk*m.perBlock + s
			if id >= count {
				break
			}
			ino, err := layout.DecodeInode(buf[s*layout.InodeSize : (s+1)*layout.InodeSize])
			if err != nil {
				return nil, fmt.Errorf("inode %d: %w", id, err)
			}
			m.table[id] = *ino
			if id != 0 && ino.IsFree() {
				free++
			}
		}
	}
	m.free.Store(free)
	return m, nil
}

func (m *Manager) stripe(id uint32) *sync.RWMutex {
	return &m.locks[id%lockStripes]
}

// Allocate picks the first free slot at or after the rotating cursor,
// initializes it with the given mode, and returns the inode number. The
// rotating cursor spreads allocations across the table instead of
// hot-spotting its head.
func (m *Manager) Allocate(mode uint16) (uint32, *layout.Inode, error) {
	if mode == 0 {
		return 0, nil, errors.New("inode mode must be non-zero")
	}

	start := m.cursor.Load() % m.count
	if start == 0 {
		start = 1
	}

	for i := uint32(0); i < m.count; i++ {
		id := start + i
		if id >= m.count {
			id = id - m.count + 1 // wrap, skipping slot 0
		}

		lk := m.stripe(id)
		lk.Lock()
		m.tableMu.RLock()
		ino := &m.table[id]
		if ino.IsFree() {
			now := time.Now().Unix()
			gen := ino.Generation + 1
			*ino = layout.Inode{
				Mode:       mode,
				LinkCount:  1,
				Atime:      now,
				Mtime:      now,
				Ctime:      now,
				Generation: gen,
			}
			out := *ino
			m.tableMu.RUnlock()
			lk.Unlock()

			m.cursor.Store(id + 1)
			m.free.Add(-1)
			m.markDirty(id)
			return id, &out, nil
		}
		m.tableMu.RUnlock()
		lk.Unlock()
	}
	return 0, nil, ErrNoInodes
}

// Get returns a copy of inode id.
func (m *Manager) Get(id uint32) (*layout.Inode, error) {
	if id == 0 || id >= m.count {
		return nil, fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	lk := m.stripe(id)
	lk.RLock()
	defer lk.RUnlock()

	m.tableMu.RLock()
	ino := m.table[id]
	m.tableMu.RUnlock()

	if ino.IsFree() {
		return nil, fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	return &ino, nil
}

// Put stores inode id in the cache and marks its table block dirty. The
// write reaches disk when the owner flushes (through the journal).
func (m *Manager) Put(id uint32, ino *layout.Inode) error {
	if id == 0 || id >= m.count {
		return fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	lk := m.stripe(id)
	lk.Lock()
	m.tableMu.RLock()
	m.table[id] = *ino
	m.tableMu.RUnlock()
	lk.Unlock()

	m.markDirty(id)
	return nil
}

// Free releases inode id back to the table.
func (m *Manager) Free(id uint32) error {
	if id == 0 || id >= m.count {
		return fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	lk := m.stripe(id)
	lk.Lock()
	m.tableMu.RLock()
	ino := &m.table[id]
	if ino.IsFree() {
		m.tableMu.RUnlock()
		lk.Unlock()
		return fmt.Errorf("inode %d: %w", id, ErrNotFound)
	}
	gen := ino.Generation
	*ino = layout.Inode{Generation: gen}
	m.tableMu.RUnlock()
	lk.Unlock()

	m.free.Add(1)
	m.markDirty(id)
	return nil
}

// FreeCount returns the number of free slots.
func (m *Manager) FreeCount() int64 { return m.free.Load() }

// Count returns the total number of slots including the reserved slot 0.
func (m *Manager) Count() uint32 { return m.count }

// TableStart returns the absolute block number of the table.
func (m *Manager) TableStart() uint32 { return m.start }

// TableBlocks returns the number of blocks the table occupies.
func (m *Manager) TableBlocks() uint32 {
	return (m.count + m.perBlock - 1) / m.perBlock
}

func (m *Manager) markDirty(id uint32) {
	m.dirtyMu.Lock()
	m.dirty[id/m.perBlock] = struct{}{}
	m.dirtyMu.Unlock()
}

// DirtyTableBlocks returns and clears the set of dirty table block indices.
func (m *Manager) DirtyTableBlocks() []uint32 {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()

	out := make([]uint32, 0, len(m.dirty))
	for idx := range m.dirty {
		out = append(out, idx)
	}
	m.dirty = make(map[uint32]struct{})
	return out
}

// EncodeTableBlock serializes table block idx for journaling or flush.
func (m *Manager) EncodeTableBlock(idx uint32) ([]byte, error) {
	out := make([]byte, m.blockSize)
	for s := uint32(0); s < m.perBlock; s++ {
		id := idx*m.perBlock + s
		if id >= m.count {
			break
		}
		lk := m.stripe(id)
		lk.RLock()
		m.tableMu.RLock()
		ino := m.table[id]
		m.tableMu.RUnlock()
		lk.RUnlock()

		if ino.IsFree() && ino.Generation == 0 {
			continue // keep the slot zeroed
		}
		if err := layout.EncodeInode(&ino, out[s*layout.InodeSize:(s+1)*layout.InodeSize]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Range calls fn for every allocated inode. Used by the checker and by
// index rebuild at mount.
func (m *Manager) Range(fn func(id uint32, ino *layout.Inode) bool) {
	for id := uint32(1); id < m.count; id++ {
		lk := m.stripe(id)
		lk.RLock()
		m.tableMu.RLock()
		ino := m.table[id]
		m.tableMu.RUnlock()
		lk.RUnlock()

		if ino.IsFree() {
			continue
		}
		if !fn(id, &ino) {
			return
		}
	}
}
