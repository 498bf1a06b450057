package layout

import (
	"encoding/binary"
	"fmt"
)

// Inode mode bits. A zero mode means the inode slot is free.
const (
	ModeFile uint16 = 0x8000
	ModeDir  uint16 = 0x4000
)

// Inode flags.
const (
	// FlagVectorBearing marks an object whose data stream starts with a
	// vector record.
	FlagVectorBearing uint32 = 1 << 0
)

// Inode is the in-memory form of a 128-byte on-disk inode record.
//
// Invariant: Blocks*blockSize >= Size rounded up to block granularity.
// An inode with LinkCount == 0 is reclaimable.
type Inode struct {
	Mode       uint16
	LinkCount  uint16
	UID        uint32
	GID        uint32
	Flags      uint32
	Size       uint64
	Atime      int64
	Mtime      int64
	Ctime      int64
	Blocks     uint32
	Direct     [DirectPointers]uint32
	Indirect   uint32
	Generation uint32
}

// IsFree reports whether the record is an unused slot.
func (ino *Inode) IsFree() bool { return ino.Mode == 0 }

// IsDir reports whether the inode is a directory.
func (ino *Inode) IsDir() bool { return ino.Mode&ModeDir != 0 }

// Inode byte layout (within its 128-byte slot):
//
//	0    mode         2
//	2    link count   2
//	4    uid          4
//	8    gid          4
//	12   flags        4
//	16   size         8
//	24   atime        8
//	32   mtime        8
//	40   ctime        8
//	48   blocks       4
//	52   direct[12]   48
//	100  indirect     4
//	104  generation   4
//	108  reserved     16
//	124  crc32        4 (over bytes [0,124))

// EncodeInode writes ino into a 128-byte slot.
func EncodeInode(ino *Inode, buf []byte) error {
	if len(buf) < InodeSize {
		return fmt.Errorf("inode buffer too small: %d", len(buf))
	}
	le := binary.LittleEndian
	clear(buf[:InodeSize])
	le.PutUint16(buf[0:], ino.Mode)
	le.PutUint16(buf[2:], ino.LinkCount)
	le.PutUint32(buf[4:], ino.UID)
	le.PutUint32(buf[8:], ino.GID)
	le.PutUint32(buf[12:], ino.Flags)
	le.PutUint64(buf[16:], ino.Size)
	le.PutUint64(buf[24:], uint64(ino.Atime))
	le.PutUint64(buf[32:], uint64(ino.Mtime))
	le.PutUint64(buf[40:], uint64(ino.Ctime))
	le.PutUint32(buf[48:], ino.Blocks)
	for i, p := range ino.Direct {
		le.PutUint32(buf[52+i*4:], p)
	}
	le.PutUint32(buf[100:], ino.Indirect)
	le.PutUint32(buf[104:], ino.Generation)
	le.PutUint32(buf[124:], Checksum(buf[:124]))
	return nil
}

// DecodeInode parses a 128-byte slot. A fully zero slot decodes to a free
// inode without checksum verification (a freshly formatted table is zeroed).
func DecodeInode(buf []byte) (*Inode, error) {
	if len(buf) < InodeSize {
		return nil, fmt.Errorf("inode buffer too small: %d", len(buf))
	}
	le := binary.LittleEndian

	zero := true
	for _, b := range buf[:InodeSize] {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return &Inode{}, nil
	}

	if le.Uint32(buf[124:]) != Checksum(buf[:124]) {
		return nil, fmt.Errorf("inode: %w", ErrBadChecksum)
	}

	ino := &Inode{
		Mode:       le.Uint16(buf[0:]),
		LinkCount:  le.Uint16(buf[2:]),
		UID:        le.Uint32(buf[4:]),
		GID:        le.Uint32(buf[8:]),
		Flags:      le.Uint32(buf[12:]),
		Size:       le.Uint64(buf[16:]),
		Atime:      int64(le.Uint64(buf[24:])),
		Mtime:      int64(le.Uint64(buf[32:])),
		Ctime:      int64(le.Uint64(buf[40:])),
		Blocks:     le.Uint32(buf[48:]),
		Indirect:   le.Uint32(buf[100:]),
		Generation: le.Uint32(buf[104:]),
	}
	for i := range ino.Direct {
		ino.Direct[i] = le.Uint32(buf[52+i*4:])
	}
	return ino, nil
}
