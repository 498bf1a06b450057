// Package layout defines the on-disk formats of the volume: superblock,
// inode records, vector records, and journal blocks.
//
// Every structure has an explicit, documented byte layout with little-endian
// fields and its own encode/decode functions. In-memory representations are
// never written directly; the format is independent of Go struct layout.
//
// Volume geometry:
//
//	block 0                  superblock
//	block 1 ..               block bitmap (one bit per block, 1 = allocated)
//	following blocks         inode table (fixed 128-byte records)
//	following blocks         journal region (journal superblock + ring)
//	remainder                data blocks
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Magic numbers distinguishing on-disk structures from arbitrary data.
const (
	SuperblockMagic = 0x56455846 // "VEXF"
	VectorMagic     = 0x56455856 // "VEXV"
	ExtentMagic     = 0x56455845 // "VEXE" (indirect pointer block)
	JournalMagic    = 0x5645584A // "VEXJ" (journal superblock)
	JournalDesc     = 0x4A444553 // journal descriptor block
	JournalCommit   = 0x4A434D54 // journal commit block
)

// FormatVersion is the current on-disk format version.
const FormatVersion = 1

// InodeSize is the fixed on-disk size of an inode record.
const InodeSize = 128

// DirectPointers is the number of direct block pointers per inode.
const DirectPointers = 12

// MaxDimension is the hard upper bound on vector dimensionality.
const MaxDimension = 4096

// VectorHeaderSize is the fixed, cache-line-aligned vector record header size.
const VectorHeaderSize = 64

// Filesystem states stored in the superblock.
const (
	// StateValid means the volume was unmounted cleanly.
	StateValid uint32 = 1
	// StateDirty means the volume is mounted or crashed while mounted;
	// mount must replay the journal before trusting metadata.
	StateDirty uint32 = 2
	// StateError means the checker or recovery found unrepairable damage.
	StateError uint32 = 3
)

var (
	// ErrBadMagic indicates a structure whose magic number did not match.
	ErrBadMagic = errors.New("bad magic number")

	// ErrBadChecksum indicates a structure that failed CRC verification.
	ErrBadChecksum = errors.New("checksum mismatch")

	// ErrBadVersion indicates an unsupported format version.
	ErrBadVersion = errors.New("unsupported format version")
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the CRC32 (IEEE) of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// Superblock is the in-memory form of block 0.
//
// Free counters are mutated through the allocator/inode manager with atomic
// operations; this struct holds the decoded point-in-time values.
type Superblock struct {
	Version     uint32
	State       uint32
	Flags       uint32
	BlockSize   uint32
	TotalBlocks uint32
	FreeBlocks  uint32
	TotalInodes uint32
	FreeInodes  uint32
	RootInode   uint32

	BitmapStart   uint32
	BitmapBlocks  uint32
	InodeStart    uint32
	InodeBlocks   uint32
	JournalStart  uint32
	JournalBlocks uint32
	DataStart     uint32

	Generation uint64
	MountCount uint32
	UUID       [16]byte
}

// Superblock byte layout (offsets within block 0):
//
//	0   magic            4
//	4   version          4
//	8   state            4
//	12  flags            4
//	16  block size       4
//	20  total blocks     4
//	24  free blocks      4
//	28  total inodes     4
//	32  free inodes      4
//	36  root inode       4
//	40  bitmap start     4
//	44  bitmap blocks    4
//	48  inode start      4
//	52  inode blocks     4
//	56  journal start    4
//	60  journal blocks   4
//	64  data start       4
//	68  generation       8
//	76  mount count      4
//	80  uuid             16
//	96  crc32            4 (over bytes [0,96))
const superblockEncodedSize = 100

// EncodeSuperblock writes sb into buf (a full block).
func EncodeSuperblock(sb *Superblock, buf []byte) error {
	if len(buf) < superblockEncodedSize {
		return fmt.Errorf("superblock buffer too small: %d", len(buf))
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], SuperblockMagic)
	le.PutUint32(buf[4:], sb.Version)
	le.PutUint32(buf[8:], sb.State)
	le.PutUint32(buf[12:], sb.Flags)
	le.PutUint32(buf[16:], sb.BlockSize)
	le.PutUint32(buf[20:], sb.TotalBlocks)
	le.PutUint32(buf[24:], sb.FreeBlocks)
	le.PutUint32(buf[28:], sb.TotalInodes)
	le.PutUint32(buf[32:], sb.FreeInodes)
	le.PutUint32(buf[36:], sb.RootInode)
	le.PutUint32(buf[40:], sb.BitmapStart)
	le.PutUint32(buf[44:], sb.BitmapBlocks)
	le.PutUint32(buf[48:], sb.InodeStart)
	le.PutUint32(buf[52:], sb.InodeBlocks)
	le.PutUint32(buf[56:], sb.JournalStart)
	le.PutUint32(buf[60:], sb.JournalBlocks)
	le.PutUint32(buf[64:], sb.DataStart)
	le.PutUint64(buf[68:], sb.Generation)
	le.PutUint32(buf[76:], sb.MountCount)
	copy(buf[80:96], sb.UUID[:])
	le.PutUint32(buf[96:], Checksum(buf[:96]))
	return nil
}

// DecodeSuperblock parses and verifies block 0.
func DecodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < superblockEncodedSize {
		return nil, fmt.Errorf("superblock buffer too small: %d", len(buf))
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != SuperblockMagic {
		return nil, fmt.Errorf("superblock: %w", ErrBadMagic)
	}
	if le.Uint32(buf[96:]) != Checksum(buf[:96]) {
		return nil, fmt.Errorf("superblock: %w", ErrBadChecksum)
	}

	sb := &Superblock{
		Version:       le.Uint32(buf[4:]),
		State:         le.Uint32(buf[8:]),
		Flags:         le.Uint32(buf[12:]),
		BlockSize:     le.Uint32(buf[16:]),
		TotalBlocks:   le.Uint32(buf[20:]),
		FreeBlocks:    le.Uint32(buf[24:]),
		TotalInodes:   le.Uint32(buf[28:]),
		FreeInodes:    le.Uint32(buf[32:]),
		RootInode:     le.Uint32(buf[36:]),
		BitmapStart:   le.Uint32(buf[40:]),
		BitmapBlocks:  le.Uint32(buf[44:]),
		InodeStart:    le.Uint32(buf[48:]),
		InodeBlocks:   le.Uint32(buf[52:]),
		JournalStart:  le.Uint32(buf[56:]),
		JournalBlocks: le.Uint32(buf[60:]),
		DataStart:     le.Uint32(buf[64:]),
		Generation:    le.Uint64(buf[68:]),
		MountCount:    le.Uint32(buf[76:]),
	}
	copy(sb.UUID[:], buf[80:96])

	if sb.Version != FormatVersion {
		return nil, fmt.Errorf("superblock version %d: %w", sb.Version, ErrBadVersion)
	}
	return sb, nil
}
