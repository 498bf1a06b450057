package fsck_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vexfs "github.com/lspecian/vexfs"
	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/fsck"
	"github.com/lspecian/vexfs/layout"
	"github.com/lspecian/vexfs/model"
	"github.com/lspecian/vexfs/object"
	"github.com/lspecian/vexfs/testutil"
)

// buildVolume formats a device, stores a few vectors through the engine,
// and unmounts cleanly.
func buildVolume(t *testing.T) *block.MemDevice {
	t.Helper()
	ctx := context.Background()

	dev, err := block.NewMem(4096, 512)
	require.NoError(t, err)
	require.NoError(t, vexfs.Format(ctx, dev))

	eng, err := vexfs.Mount(ctx, dev, vexfs.WithLogger(vexfs.NoopLogger()))
	require.NoError(t, err)
	require.NoError(t, eng.SetModelMetadata(ctx, model.Metadata{
		Type: model.TypeCustom, Dimension: 8, Name: "test",
	}))

	rng := testutil.NewRNG(5)
	for i := 0; i < 10; i++ {
		v := make([]float32, 8)
		rng.FillUniform(v)
		_, err := eng.Add(ctx, fmt.Sprintf("doc-%d", i), v, nil, []byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, eng.Close(ctx))
	// Close closed the device; the checker works on a live copy.
	return dev.Clone()
}

func readSuperblock(t *testing.T, dev *block.MemDevice) *layout.Superblock {
	t.Helper()
	buf := make([]byte, dev.BlockSize())
	require.NoError(t, dev.ReadBlock(context.Background(), 0, buf))
	sb, err := layout.DecodeSuperblock(buf)
	require.NoError(t, err)
	return sb
}

// findDataBit scans the on-disk bitmap for the first data-region block in
// the wanted allocation state.
func findDataBit(t *testing.T, dev *block.MemDevice, sb *layout.Superblock, allocated bool) uint32 {
	t.Helper()
	ctx := context.Background()
	bs := dev.BlockSize()
	buf := make([]byte, bs)
	for blk := sb.DataStart; blk < sb.TotalBlocks; blk++ {
		idx := blk / uint32(bs*8)
		require.NoError(t, dev.ReadBlock(ctx, sb.BitmapStart+idx, buf))
		bit := blk % uint32(bs*8)
		set := buf[bit/8]&(1<<(bit%8)) != 0
		if set == allocated {
			return blk
		}
	}
	t.Fatalf("no data block with allocated=%v", allocated)
	return 0
}

func toggleBitmapBit(t *testing.T, dev *block.MemDevice, sb *layout.Superblock, blk uint32) {
	t.Helper()
	ctx := context.Background()
	bs := dev.BlockSize()
	idx := blk / uint32(bs*8)
	bit := blk % uint32(bs*8)

	buf := make([]byte, bs)
	require.NoError(t, dev.ReadBlock(ctx, sb.BitmapStart+idx, buf))
	buf[bit/8] ^= 1 << (bit % 8)
	require.NoError(t, dev.WriteBlock(ctx, sb.BitmapStart+idx, buf))
}

func kinds(r *fsck.Report) map[fsck.Kind]int {
	out := make(map[fsck.Kind]int)
	for _, f := range r.Findings {
		out[f.Kind]++
	}
	return out
}

func TestCleanVolume(t *testing.T) {
	dev := buildVolume(t)

	report, err := fsck.New(dev, nil).Run(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "unexpected findings: %v", report.Findings)
	assert.Zero(t, report.Fixed)
}

func TestMissingBlockDetectedAndRepaired(t *testing.T) {
	ctx := context.Background()
	dev := buildVolume(t)
	sb := readSuperblock(t, dev)

	// Mark a referenced data block free in the bitmap.
	victim := findDataBit(t, dev, sb, true)
	toggleBitmapBit(t, dev, sb, victim)

	report, err := fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	found := kinds(report)
	assert.Positive(t, found[fsck.KindMissingBlock])

	report, err = fsck.New(dev, nil).Run(ctx, true)
	require.NoError(t, err)
	assert.Positive(t, report.Fixed)

	report, err = fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "still dirty after repair: %v", report.Findings)
}

func TestLeakedBlockDetectedAndRepaired(t *testing.T) {
	ctx := context.Background()
	dev := buildVolume(t)
	sb := readSuperblock(t, dev)

	// Mark a free data block allocated; no inode references it.
	victim := findDataBit(t, dev, sb, false)
	toggleBitmapBit(t, dev, sb, victim)

	report, err := fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	found := kinds(report)
	assert.Equal(t, 1, found[fsck.KindLeakedBlock])

	_, err = fsck.New(dev, nil).Run(ctx, true)
	require.NoError(t, err)

	report, err = fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestOrphanEntryZeroedInFixMode(t *testing.T) {
	ctx := context.Background()
	dev := buildVolume(t)
	sb := readSuperblock(t, dev)

	// Resolve the root directory's first data block through the inode
	// table.
	buf := make([]byte, dev.BlockSize())
	require.NoError(t, dev.ReadBlock(ctx, sb.InodeStart, buf))
	root, err := layout.DecodeInode(buf[sb.RootInode*layout.InodeSize : (sb.RootInode+1)*layout.InodeSize])
	require.NoError(t, err)
	dirBlock := root.Direct[0]
	require.NotZero(t, dirBlock)

	// Point the third entry at a free inode slot.
	require.NoError(t, dev.ReadBlock(ctx, dirBlock, buf))
	binary.LittleEndian.PutUint32(buf[2*object.DirentSize:], sb.TotalInodes-1)
	require.NoError(t, dev.WriteBlock(ctx, dirBlock, buf))

	report, err := fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	found := kinds(report)
	assert.Equal(t, 1, found[fsck.KindOrphanEntry])

	report, err = fsck.New(dev, nil).Run(ctx, true)
	require.NoError(t, err)
	assert.Positive(t, report.Fixed)

	report, err = fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "still dirty after repair: %v", report.Findings)
}

func readInode(t *testing.T, dev *block.MemDevice, sb *layout.Superblock, id uint32) *layout.Inode {
	t.Helper()
	perBlock := uint32(dev.BlockSize()) / layout.InodeSize
	buf := make([]byte, dev.BlockSize())
	require.NoError(t, dev.ReadBlock(context.Background(), sb.InodeStart+id/perBlock, buf))
	slot := id % perBlock
	ino, err := layout.DecodeInode(buf[slot*layout.InodeSize : (slot+1)*layout.InodeSize])
	require.NoError(t, err)
	return ino
}

func writeInode(t *testing.T, dev *block.MemDevice, sb *layout.Superblock, id uint32, ino *layout.Inode) {
	t.Helper()
	ctx := context.Background()
	perBlock := uint32(dev.BlockSize()) / layout.InodeSize
	buf := make([]byte, dev.BlockSize())
	require.NoError(t, dev.ReadBlock(ctx, sb.InodeStart+id/perBlock, buf))
	slot := id % perBlock
	require.NoError(t, layout.EncodeInode(ino, buf[slot*layout.InodeSize:(slot+1)*layout.InodeSize]))
	require.NoError(t, dev.WriteBlock(ctx, sb.InodeStart+id/perBlock, buf))
}

func TestCrossLinkTruncatesSecondReferencer(t *testing.T) {
	ctx := context.Background()
	dev := buildVolume(t)
	sb := readSuperblock(t, dev)

	// Pick the two lowest-numbered file inodes. The checker walks inodes in
	// id order, so the lower id owns a shared block and the higher id is the
	// one that must be truncated.
	var aID, bID uint32
	for id := uint32(1); id < sb.TotalInodes && bID == 0; id++ {
		ino := readInode(t, dev, sb, id)
		if ino.IsFree() || ino.LinkCount == 0 || ino.IsDir() || ino.Direct[0] == 0 {
			continue
		}
		if aID == 0 {
			aID = id
		} else {
			bID = id
		}
	}
	require.NotZero(t, bID, "need two file inodes")
	a := readInode(t, dev, sb, aID)
	b := readInode(t, dev, sb, bID)

	// Redirect b's first block onto a's. b's original block becomes
	// unreferenced but stays allocated.
	bOrig := b.Direct[0]
	require.NotEqual(t, a.Direct[0], bOrig)
	b.Direct[0] = a.Direct[0]
	writeInode(t, dev, sb, bID, b)

	report, err := fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	found := kinds(report)
	assert.Equal(t, 1, found[fsck.KindCrossLinked])
	assert.Equal(t, 1, found[fsck.KindLeakedBlock])

	report, err = fsck.New(dev, nil).Run(ctx, true)
	require.NoError(t, err)
	assert.Positive(t, report.Fixed)

	report, err = fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "still dirty after repair: %v", report.Findings)

	// The later referencer was cut at the shared pointer; the first owner
	// keeps its data untouched.
	gotB := readInode(t, dev, sb, bID)
	assert.Zero(t, gotB.Direct[0])
	assert.Zero(t, gotB.Size)
	assert.Zero(t, gotB.Blocks)
	gotA := readInode(t, dev, sb, aID)
	assert.Equal(t, a.Direct[0], gotA.Direct[0])
	assert.Equal(t, a.Size, gotA.Size)
}

func TestBadCountsDetectedAndRepaired(t *testing.T) {
	ctx := context.Background()
	dev := buildVolume(t)

	sb := readSuperblock(t, dev)
	sb.FreeBlocks += 17
	buf := make([]byte, dev.BlockSize())
	require.NoError(t, layout.EncodeSuperblock(sb, buf))
	require.NoError(t, dev.WriteBlock(ctx, 0, buf))

	report, err := fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	found := kinds(report)
	assert.Equal(t, 1, found[fsck.KindBadCounts])

	_, err = fsck.New(dev, nil).Run(ctx, true)
	require.NoError(t, err)

	report, err = fsck.New(dev, nil).Run(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	// Repair also marks the volume mountable again.
	sb = readSuperblock(t, dev)
	assert.EqualValues(t, layout.StateValid, sb.State)
}
