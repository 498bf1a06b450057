// Package fsck implements the offline consistency checker. It runs against
// an unmounted device, cross-references every inode's block pointers with
// the allocation bitmap, and classifies inconsistencies. In fix mode it
// rebuilds the bitmap from the reachable block set, clears directory
// entries that point at free inodes, and rewrites the superblock counters.
//
// The checker never trusts in-memory state: everything is decoded from the
// device, and roaring bitmaps hold the reachable/allocated block sets so
// the cross-reference is a set operation rather than a per-block scan.
package fsck

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/layout"
)

// Kind classifies a finding.
type Kind int

const (
	// KindBadInode is an inode record that failed checksum verification.
	KindBadInode Kind = iota + 1
	// KindOutOfRange is a block pointer outside the data region.
	KindOutOfRange
	// KindMissingBlock is a referenced block the bitmap marks free.
	KindMissingBlock
	// KindCrossLinked is a block referenced by more than one inode.
	KindCrossLinked
	// KindLeakedBlock is an allocated block no inode references.
	KindLeakedBlock
	// KindOrphanEntry is a directory entry pointing at a free inode.
	KindOrphanEntry
	// KindBadIndirect is an indirect block with a bad magic or count.
	KindBadIndirect
	// KindBadCounts is a superblock free counter that disagrees with the
	// bitmap or inode table.
	KindBadCounts
)

func (k Kind) String() string {
	switch k {
	case KindBadInode:
		return "bad-inode"
	case KindOutOfRange:
		return "out-of-range-pointer"
	case KindMissingBlock:
		return "referenced-but-free"
	case KindCrossLinked:
		return "cross-linked"
	case KindLeakedBlock:
		return "leaked"
	case KindOrphanEntry:
		return "orphan-entry"
	case KindBadIndirect:
		return "bad-indirect"
	case KindBadCounts:
		return "bad-counts"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Finding is one detected inconsistency.
type Finding struct {
	Kind   Kind
	Inode  uint32 // owning inode, when applicable
	Block  uint32 // affected block, when applicable
	Detail string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s inode=%d block=%d: %s", f.Kind, f.Inode, f.Block, f.Detail)
}

// Report is the outcome of one checker pass.
type Report struct {
	Findings []Finding
	Fixed    int
}

// Clean reports whether the volume had no inconsistencies.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

// Checker is the offline checker.
type Checker struct {
	dev    block.Device
	logger *slog.Logger

	sb *layout.Superblock

	// Per-pass state.
	reached   *roaring64.Bitmap // blocks referenced by some inode
	crossed   *roaring64.Bitmap // blocks referenced more than once
	allocated *roaring64.Bitmap // blocks the on-disk bitmap marks allocated
	owners    map[uint32]uint32 // block -> first referencing inode
	liveInode map[uint32]bool
	inodes    []*layout.Inode
}

// New creates a checker for dev.
func New(dev block.Device, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{dev: dev, logger: logger}
}

// Run executes a full pass. With fix set, repairable findings are corrected
// on the device and counted in Report.Fixed.
func (c *Checker) Run(ctx context.Context, fix bool) (*Report, error) {
	report := &Report{}

	if err := c.loadSuperblock(ctx); err != nil {
		return nil, err
	}
	if err := c.loadBitmap(ctx); err != nil {
		return nil, err
	}

	c.reached = roaring64.New()
	c.crossed = roaring64.New()
	c.owners = make(map[uint32]uint32)
	c.liveInode = make(map[uint32]bool)

	if err := c.walkInodes(ctx, report); err != nil {
		return nil, err
	}
	if err := c.checkDirents(ctx, report, fix); err != nil {
		return nil, err
	}
	c.crossReference(report)
	c.checkCounts(report)

	if fix {
		if err := c.repair(ctx, report); err != nil {
			return report, err
		}
	}

	c.logger.Info("check complete",
		"findings", len(report.Findings), "fixed", report.Fixed)
	return report, nil
}

func (c *Checker) loadSuperblock(ctx context.Context) error {
	buf := make([]byte, c.dev.BlockSize())
	if err := c.dev.ReadBlock(ctx, 0, buf); err != nil {
		return fmt.Errorf("read superblock: %w", err)
	}
	sb, err := layout.DecodeSuperblock(buf)
	if err != nil {
		return fmt.Errorf("decode superblock: %w", err)
	}
	c.sb = sb
	return nil
}

func (c *Checker) loadBitmap(ctx context.Context) error {
	c.allocated = roaring64.New()
	buf := make([]byte, c.dev.BlockSize())
	for i := uint32(0); i < c.sb.BitmapBlocks; i++ {
		if err := c.dev.ReadBlock(ctx, c.sb.BitmapStart+i, buf); err != nil {
			return fmt.Errorf("read bitmap block %d: %w", i, err)
		}
		base := uint64(i) * uint64(c.dev.BlockSize()) * 8
		for byteIdx, b := range buf {
			for bit := 0; bit < 8 && b != 0; bit++ {
				if b&(1<<bit) != 0 {
					num := base + uint64(byteIdx)*8 + uint64(bit)
					if num < uint64(c.sb.TotalBlocks) {
						c.allocated.Add(num)
					}
				}
			}
		}
	}
	return nil
}

// walkInodes decodes every inode slot and records its block references.
func (c *Checker) walkInodes(ctx context.Context, report *Report) error {
	bs := c.dev.BlockSize()
	perBlock := bs / layout.InodeSize
	c.inodes = make([]*layout.Inode, c.sb.TotalInodes)

	buf := make([]byte, bs)
	for blk := uint32(0); blk < c.sb.InodeBlocks; blk++ {
		if err := c.dev.ReadBlock(ctx, c.sb.InodeStart+blk, buf); err != nil {
			return fmt.Errorf("read inode block %d: %w", blk, err)
		}
		for slot := 0; slot < perBlock; slot++ {
			id := blk*uint32(perBlock) + uint32(slot)
			if id >= c.sb.TotalInodes {
				break
			}
			ino, err := layout.DecodeInode(buf[slot*layout.InodeSize : (slot+1)*layout.InodeSize])
			if err != nil {
				report.Findings = append(report.Findings, Finding{
					Kind: KindBadInode, Inode: id, Detail: err.Error(),
				})
				continue
			}
			c.inodes[id] = ino
			if ino.IsFree() || ino.LinkCount == 0 {
				continue
			}
			c.liveInode[id] = true
			c.referenceBlocks(ctx, report, id, ino)
		}
	}
	return nil
}

func (c *Checker) referenceBlocks(ctx context.Context, report *Report, id uint32, ino *layout.Inode) {
	for _, p := range ino.Direct {
		if p != 0 {
			c.reference(report, id, p)
		}
	}
	if ino.Indirect == 0 {
		return
	}
	c.reference(report, id, ino.Indirect)

	ptrs, err := c.readIndirect(ctx, ino.Indirect)
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Kind: KindBadIndirect, Inode: id, Block: ino.Indirect, Detail: err.Error(),
		})
		return
	}
	for _, p := range ptrs {
		if p != 0 {
			c.reference(report, id, p)
		}
	}
}

func (c *Checker) reference(report *Report, id, blk uint32) {
	if blk < c.sb.DataStart || blk >= c.sb.TotalBlocks {
		report.Findings = append(report.Findings, Finding{
			Kind: KindOutOfRange, Inode: id, Block: blk,
			Detail: fmt.Sprintf("data region is [%d,%d)", c.sb.DataStart, c.sb.TotalBlocks),
		})
		return
	}
	if c.reached.Contains(uint64(blk)) {
		c.crossed.Add(uint64(blk))
		report.Findings = append(report.Findings, Finding{
			Kind: KindCrossLinked, Inode: id, Block: blk,
			Detail: fmt.Sprintf("also referenced by inode %d", c.owners[blk]),
		})
		return
	}
	c.reached.Add(uint64(blk))
	c.owners[blk] = id
}

func (c *Checker) readIndirect(ctx context.Context, blk uint32) ([]uint32, error) {
	buf := make([]byte, c.dev.BlockSize())
	if err := c.dev.ReadBlock(ctx, blk, buf); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != layout.ExtentMagic {
		return nil, layout.ErrBadMagic
	}
	count := int(le.Uint32(buf[4:]))
	if count > (c.dev.BlockSize()-8)/4 {
		return nil, fmt.Errorf("bad pointer count %d", count)
	}
	ptrs := make([]uint32, count)
	for i := range ptrs {
		ptrs[i] = le.Uint32(buf[8+i*4:])
	}
	return ptrs, nil
}

// checkDirents walks directory inodes and flags entries whose target inode
// is free. In fix mode the orphan slots are zeroed in place.
func (c *Checker) checkDirents(ctx context.Context, report *Report, fix bool) error {
	const direntSize = 64

	for id, live := range c.liveInode {
		if !live {
			continue
		}
		ino := c.inodes[id]
		if !ino.IsDir() {
			continue
		}

		total := int(ino.Size) / direntSize
		buf := make([]byte, direntSize)
		for i := 0; i < total; i++ {
			blk, inner, ok := c.locate(ctx, ino, uint64(i*direntSize))
			if !ok {
				continue
			}
			blockBuf := make([]byte, c.dev.BlockSize())
			if err := c.dev.ReadBlock(ctx, blk, blockBuf); err != nil {
				return err
			}
			copy(buf, blockBuf[inner:])

			target := binary.LittleEndian.Uint32(buf[0:])
			if target == 0 {
				continue
			}
			if int(target) >= len(c.inodes) || c.inodes[target] == nil || !c.liveInode[target] {
				report.Findings = append(report.Findings, Finding{
					Kind: KindOrphanEntry, Inode: id, Block: blk,
					Detail: fmt.Sprintf("entry %d points at free inode %d", i, target),
				})
				if fix {
					clear(blockBuf[inner : inner+direntSize])
					if err := c.dev.WriteBlock(ctx, blk, blockBuf); err != nil {
						return err
					}
					report.Fixed++
				}
			}
		}
	}
	return nil
}

// locate resolves byte offset off of ino to (block, offset-in-block).
func (c *Checker) locate(ctx context.Context, ino *layout.Inode, off uint64) (uint32, int, bool) {
	bs := uint64(c.dev.BlockSize())
	idx := int(off / bs)
	inner := int(off % bs)

	if idx < layout.DirectPointers {
		if ino.Direct[idx] == 0 {
			return 0, 0, false
		}
		return ino.Direct[idx], inner, true
	}
	if ino.Indirect == 0 {
		return 0, 0, false
	}
	ptrs, err := c.readIndirect(ctx, ino.Indirect)
	if err != nil {
		return 0, 0, false
	}
	iidx := idx - layout.DirectPointers
	if iidx >= len(ptrs) || ptrs[iidx] == 0 {
		return 0, 0, false
	}
	return ptrs[iidx], inner, true
}

// crossReference compares the reachable set against the on-disk bitmap.
func (c *Checker) crossReference(report *Report) {
	// Referenced but free: reached \ allocated.
	missing := c.reached.Clone()
	missing.AndNot(c.allocated)
	it := missing.Iterator()
	for it.HasNext() {
		blk := uint32(it.Next())
		report.Findings = append(report.Findings, Finding{
			Kind: KindMissingBlock, Inode: c.owners[blk], Block: blk,
			Detail: "bitmap marks block free",
		})
	}

	// Allocated but unreferenced, excluding the metadata region.
	leaked := c.allocated.Clone()
	leaked.AndNot(c.reached)
	it = leaked.Iterator()
	for it.HasNext() {
		blk := uint32(it.Next())
		if blk < c.sb.DataStart {
			continue // superblock, bitmap, inode table, journal
		}
		report.Findings = append(report.Findings, Finding{
			Kind: KindLeakedBlock, Block: blk,
			Detail: "no inode references this block",
		})
	}
}

func (c *Checker) checkCounts(report *Report) {
	metaBlocks := uint64(c.sb.DataStart)
	wantFree := uint64(c.sb.TotalBlocks) - metaBlocks - c.reached.GetCardinality()
	if uint64(c.sb.FreeBlocks) != wantFree {
		report.Findings = append(report.Findings, Finding{
			Kind:   KindBadCounts,
			Detail: fmt.Sprintf("superblock free blocks %d, counted %d", c.sb.FreeBlocks, wantFree),
		})
	}

	live := uint32(len(c.liveInode))
	wantFreeInodes := c.sb.TotalInodes - live - 1 // slot 0 is reserved
	if c.sb.FreeInodes != wantFreeInodes {
		report.Findings = append(report.Findings, Finding{
			Kind:   KindBadCounts,
			Detail: fmt.Sprintf("superblock free inodes %d, counted %d", c.sb.FreeInodes, wantFreeInodes),
		})
	}
}

// repair truncates cross-linked inodes, rebuilds the bitmap from the
// reachable set, rewrites the superblock counters, and marks the volume
// valid. A cross-linked block stays with the inode that reached it first;
// the later referencer is cut at its first shared pointer so no two files
// ever resolve to the same data block after repair.
func (c *Checker) repair(ctx context.Context, report *Report) error {
	bs := c.dev.BlockSize()

	rebuilt := 0
	crossed := make(map[uint32]map[uint32]bool) // second referencer -> blocks it must give up
	for _, f := range report.Findings {
		switch f.Kind {
		case KindMissingBlock, KindLeakedBlock, KindBadCounts:
			rebuilt++
		case KindCrossLinked:
			rebuilt++
			if crossed[f.Inode] == nil {
				crossed[f.Inode] = make(map[uint32]bool)
			}
			crossed[f.Inode][f.Block] = true
		}
	}
	if rebuilt == 0 {
		return nil
	}

	// Truncations shrink the reached set, so they run before the bitmap
	// rebuild below.
	for id, bad := range crossed {
		if err := c.truncateInode(ctx, id, bad); err != nil {
			return fmt.Errorf("truncate cross-linked inode %d: %w", id, err)
		}
	}

	// Rebuild bitmap: metadata region plus every reached block.
	for i := uint32(0); i < c.sb.BitmapBlocks; i++ {
		buf := make([]byte, bs)
		base := uint64(i) * uint64(bs) * 8
		for bit := 0; bit < bs*8; bit++ {
			num := base + uint64(bit)
			if num >= uint64(c.sb.TotalBlocks) {
				break
			}
			if num < uint64(c.sb.DataStart) || c.reached.Contains(num) {
				buf[bit/8] |= 1 << (bit % 8)
			}
		}
		if err := c.dev.WriteBlock(ctx, c.sb.BitmapStart+i, buf); err != nil {
			return fmt.Errorf("rewrite bitmap block %d: %w", i, err)
		}
	}

	c.sb.FreeBlocks = c.sb.TotalBlocks - c.sb.DataStart - uint32(c.reached.GetCardinality())
	c.sb.FreeInodes = c.sb.TotalInodes - uint32(len(c.liveInode)) - 1
	c.sb.State = layout.StateValid

	buf := make([]byte, bs)
	if err := layout.EncodeSuperblock(c.sb, buf); err != nil {
		return err
	}
	if err := c.dev.WriteBlock(ctx, 0, buf); err != nil {
		return fmt.Errorf("rewrite superblock: %w", err)
	}
	if err := c.dev.Sync(ctx); err != nil {
		return err
	}

	report.Fixed += rebuilt
	return nil
}

// truncateInode cuts inode id at its first pointer into bad, the set of
// blocks another inode owns. Everything from the cut on is dropped: the
// shared blocks remain reached through their first owner, while blocks only
// this inode referenced leave the reached set and are freed by the bitmap
// rebuild. The shortened inode is re-encoded into the inode table.
func (c *Checker) truncateInode(ctx context.Context, id uint32, bad map[uint32]bool) error {
	ino := c.inodes[id]
	if ino == nil {
		return fmt.Errorf("inode %d not decoded", id)
	}
	bs := c.dev.BlockSize()

	var ptrs []uint32
	if ino.Indirect != 0 {
		// A bad indirect block was already reported separately; its chain
		// contributes nothing here.
		ptrs, _ = c.readIndirect(ctx, ino.Indirect)
	}

	// A pointer is the cut point when its block belongs to another inode, or
	// when this inode already referenced the same block at an earlier
	// position.
	seen := make(map[uint32]bool)
	cutAt := func(p uint32) bool {
		if p == 0 {
			return false
		}
		if bad[p] && (c.owners[p] != id || seen[p]) {
			return true
		}
		seen[p] = true
		return false
	}

	cut := layout.DirectPointers + len(ptrs)
	for i, p := range ino.Direct {
		if cutAt(p) {
			cut = i
			break
		}
	}
	if cut == layout.DirectPointers+len(ptrs) {
		for j, p := range ptrs {
			if cutAt(p) {
				cut = layout.DirectPointers + j
				break
			}
		}
	}
	if ino.Indirect != 0 && bad[ino.Indirect] && c.owners[ino.Indirect] != id && cut > layout.DirectPointers {
		cut = layout.DirectPointers
	}

	// release forgets a dropped block, unless its first owner is a different
	// inode (the block stays with that owner) or this inode still references
	// it before the cut.
	release := func(blk uint32) {
		if blk == 0 {
			return
		}
		if c.owners[blk] == id && !c.crossed.Contains(uint64(blk)) {
			c.reached.Remove(uint64(blk))
			delete(c.owners, blk)
		}
	}

	for i := cut; i < layout.DirectPointers; i++ {
		release(ino.Direct[i])
		ino.Direct[i] = 0
	}
	switch {
	case ino.Indirect != 0 && cut <= layout.DirectPointers:
		// The whole chain goes, indirect block included.
		for _, p := range ptrs {
			release(p)
		}
		release(ino.Indirect)
		ino.Indirect = 0
		ptrs = nil
	case ino.Indirect != 0 && cut < layout.DirectPointers+len(ptrs):
		for j := cut - layout.DirectPointers; j < len(ptrs); j++ {
			release(ptrs[j])
			ptrs[j] = 0
		}
		if err := c.writeIndirect(ctx, ino.Indirect, ptrs); err != nil {
			return err
		}
	}

	if newSize := uint64(cut) * uint64(bs); ino.Size > newSize {
		ino.Size = newSize
	}
	blocks := uint32(0)
	for _, p := range ino.Direct {
		if p != 0 {
			blocks++
		}
	}
	if ino.Indirect != 0 {
		blocks++
		for _, p := range ptrs {
			if p != 0 {
				blocks++
			}
		}
	}
	ino.Blocks = blocks

	return c.writeInode(ctx, id, ino)
}

// writeInode re-encodes one slot of the inode table in place.
func (c *Checker) writeInode(ctx context.Context, id uint32, ino *layout.Inode) error {
	bs := c.dev.BlockSize()
	perBlock := uint32(bs / layout.InodeSize)
	blk := c.sb.InodeStart + id/perBlock
	slot := int(id % perBlock)

	buf := make([]byte, bs)
	if err := c.dev.ReadBlock(ctx, blk, buf); err != nil {
		return err
	}
	if err := layout.EncodeInode(ino, buf[slot*layout.InodeSize:(slot+1)*layout.InodeSize]); err != nil {
		return err
	}
	return c.dev.WriteBlock(ctx, blk, buf)
}

func (c *Checker) writeIndirect(ctx context.Context, blk uint32, ptrs []uint32) error {
	buf := make([]byte, c.dev.BlockSize())
	le := binary.LittleEndian
	le.PutUint32(buf[0:], layout.ExtentMagic)
	le.PutUint32(buf[4:], uint32(len(ptrs)))
	for i, p := range ptrs {
		le.PutUint32(buf[8+i*4:], p)
	}
	return c.dev.WriteBlock(ctx, blk, buf)
}
