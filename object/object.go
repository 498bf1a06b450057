// Package object implements the directory/object layer: name lookup,
// object creation, byte-range read/write, and directory enumeration.
//
// Directory entries are fixed 64-byte records stored inside directory
// inodes' data blocks, not a separate structure. Block mapping is 12 direct
// pointers plus one single-indirect block; objects beyond that bound are
// rejected with ErrFileTooLarge (a documented capacity limit).
package object

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/lspecian/vexfs/alloc"
	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/inode"
	"github.com/lspecian/vexfs/layout"
)

var (
	// ErrNotFound is returned when a name does not resolve.
	ErrNotFound = errors.New("object not found")

	// ErrExists is returned when creating a name that already resolves.
	ErrExists = errors.New("object already exists")

	// ErrNotDirectory is returned for directory ops on a non-directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrInvalidName is returned for empty or oversized names.
	ErrInvalidName = errors.New("invalid object name")

	// ErrFileTooLarge is returned when an object would exceed the direct +
	// single-indirect capacity bound.
	ErrFileTooLarge = errors.New("object exceeds maximum size")
)

// DirentSize is the fixed on-disk directory entry size.
const DirentSize = 64

// MaxNameLen is the longest storable object name.
const MaxNameLen = 56

// Dirent is a decoded directory entry.
//
// Entry layout (64 bytes): inode(4) type(1) namelen(1) pad(2) name(56).
// Inode == 0 marks a free slot.
type Dirent struct {
	Inode uint32
	Type  uint8
	Name  string
}

// Entry types.
const (
	TypeFile uint8 = 1
	TypeDir  uint8 = 2
)

// MetaCommitter journals and flushes the dirty metadata (bitmap and inode
// table blocks) accumulated by a mutating operation. The engine provides
// the implementation; tests may use a direct writer.
type MetaCommitter interface {
	CommitMeta(ctx context.Context) error
}

// Layer is the directory/object layer.
type Layer struct {
	dev    block.Device
	inodes *inode.Manager
	bitmap *alloc.Bitmap
	commit MetaCommitter
}

// New wires the layer to its collaborators.
func New(dev block.Device, inodes *inode.Manager, bitmap *alloc.Bitmap, commit MetaCommitter) *Layer {
	return &Layer{dev: dev, inodes: inodes, bitmap: bitmap, commit: commit}
}

func (l *Layer) ptrsPerIndirect() int {
	return (l.dev.BlockSize() - 8) / 4
}

func (l *Layer) maxBlocks() int {
	return layout.DirectPointers + l.ptrsPerIndirect()
}

// Lookup resolves name under parent.
func (l *Layer) Lookup(ctx context.Context, parent uint32, name string) (uint32, error) {
	for de, err := range l.ReadDir(ctx, parent, 0) {
		if err != nil {
			return 0, err
		}
		if de.Name == name {
			return de.Inode, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, ErrNotFound)
}

// Create allocates an inode, links it under parent, and commits the
// metadata transaction. Returns the new inode number.
func (l *Layer) Create(ctx context.Context, parent uint32, name string, mode uint16) (uint32, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if _, err := l.Lookup(ctx, parent, name); err == nil {
		return 0, fmt.Errorf("%q: %w", name, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	id, _, err := l.inodes.Allocate(mode)
	if err != nil {
		return 0, err
	}

	typ := TypeFile
	if mode&layout.ModeDir != 0 {
		typ = TypeDir
	}
	if err := l.addDirent(ctx, parent, Dirent{Inode: id, Type: typ, Name: name}); err != nil {
		_ = l.inodes.Free(id)
		return 0, err
	}

	if err := l.commit.CommitMeta(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// Remove unlinks name from parent. When the link count drops to zero the
// inode and its blocks are reclaimed.
func (l *Layer) Remove(ctx context.Context, parent uint32, name string) error {
	id, err := l.Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	if err := l.removeDirent(ctx, parent, name); err != nil {
		return err
	}

	ino, err := l.inodes.Get(id)
	if err != nil {
		return err
	}
	if ino.LinkCount > 0 {
		ino.LinkCount--
	}
	if ino.LinkCount == 0 {
		if err := l.freeBlocks(ctx, ino); err != nil {
			return err
		}
		if err := l.inodes.Free(id); err != nil {
			return err
		}
	} else {
		if err := l.inodes.Put(id, ino); err != nil {
			return err
		}
	}

	return l.commit.CommitMeta(ctx)
}

// ReadDir lazily enumerates parent's entries. The sequence is finite and
// restartable: offset is the entry index to resume from, and each yielded
// entry's index is offset + number of entries already yielded.
func (l *Layer) ReadDir(ctx context.Context, dir uint32, offset int) iter.Seq2[Dirent, error] {
	return func(yield func(Dirent, error) bool) {
		ino, err := l.inodes.Get(dir)
		if err != nil {
			yield(Dirent{}, err)
			return
		}
		if !ino.IsDir() {
			yield(Dirent{}, ErrNotDirectory)
			return
		}

		total := int(ino.Size) / DirentSize
		buf := make([]byte, DirentSize)
		for i := offset; i < total; i++ {
			if err := ctx.Err(); err != nil {
				yield(Dirent{}, err)
				return
			}
			if _, err := l.readAt(ctx, ino, uint64(i*DirentSize), buf); err != nil {
				yield(Dirent{}, err)
				return
			}
			de := decodeDirent(buf)
			if de.Inode == 0 {
				continue // freed slot
			}
			if !yield(de, nil) {
				return
			}
		}
	}
}

// Read returns up to length bytes of object id starting at off. Reading at
// or past EOF returns an empty slice.
func (l *Layer) Read(ctx context.Context, id uint32, off uint64, length int) ([]byte, error) {
	ino, err := l.inodes.Get(id)
	if err != nil {
		return nil, err
	}
	if off >= ino.Size {
		return nil, nil
	}
	if rem := ino.Size - off; uint64(length) > rem {
		length = int(rem)
	}
	out := make([]byte, length)
	n, err := l.readAt(ctx, ino, off, out)
	return out[:n], err
}

// Write stores data into object id at off, growing the object and
// allocating blocks as needed, then commits the metadata transaction.
func (l *Layer) Write(ctx context.Context, id uint32, off uint64, data []byte) (int, error) {
	ino, err := l.inodes.Get(id)
	if err != nil {
		return 0, err
	}

	n, err := l.writeAt(ctx, id, ino, off, data)
	if err != nil {
		return n, err
	}
	if err := l.commit.CommitMeta(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Size returns the byte size of object id.
func (l *Layer) Size(id uint32) (uint64, error) {
	ino, err := l.inodes.Get(id)
	if err != nil {
		return 0, err
	}
	return ino.Size, nil
}

// readAt fills buf from the object's blocks starting at off. The caller has
// already clamped buf to the object size.
func (l *Layer) readAt(ctx context.Context, ino *layout.Inode, off uint64, buf []byte) (int, error) {
	bs := uint64(l.dev.BlockSize())
	blockBuf := make([]byte, bs)

	read := 0
	for read < len(buf) {
		idx := int((off + uint64(read)) / bs)
		inner := (off + uint64(read)) % bs

		blk, err := l.blockAt(ctx, ino, idx)
		if err != nil {
			return read, err
		}
		if blk == 0 {
			return read, fmt.Errorf("object: hole at block index %d", idx)
		}
		if err := l.dev.ReadBlock(ctx, blk, blockBuf); err != nil {
			return read, err
		}
		read += copy(buf[read:], blockBuf[inner:])
	}
	return read, nil
}

// writeAt writes data at off, allocating blocks and updating the inode.
// Metadata changes stay in memory until the caller commits.
func (l *Layer) writeAt(ctx context.Context, id uint32, ino *layout.Inode, off uint64, data []byte) (int, error) {
	bs := uint64(l.dev.BlockSize())
	end := off + uint64(len(data))
	if int((end+bs-1)/bs) > l.maxBlocks() {
		return 0, fmt.Errorf("%w: %d bytes (max %d blocks of %d bytes)", ErrFileTooLarge, end, l.maxBlocks(), bs)
	}

	blockBuf := make([]byte, bs)
	written := 0
	for written < len(data) {
		idx := int((off + uint64(written)) / bs)
		inner := (off + uint64(written)) % bs

		blk, err := l.blockAtAlloc(ctx, ino, idx)
		if err != nil {
			return written, err
		}

		n := int(bs - inner)
		if n > len(data)-written {
			n = len(data) - written
		}

		if inner != 0 || n != int(bs) {
			// Partial block: read-modify-write.
			if err := l.dev.ReadBlock(ctx, blk, blockBuf); err != nil {
				return written, err
			}
		} else {
			clear(blockBuf)
		}
		copy(blockBuf[inner:], data[written:written+n])
		if err := l.dev.WriteBlock(ctx, blk, blockBuf); err != nil {
			return written, err
		}
		written += n
	}

	if end > ino.Size {
		ino.Size = end
	}
	ino.Mtime = time.Now().Unix()
	if err := l.inodes.Put(id, ino); err != nil {
		return written, err
	}
	return written, nil
}

// blockAt resolves the absolute block number for file block index idx,
// returning 0 for an unmapped index.
func (l *Layer) blockAt(ctx context.Context, ino *layout.Inode, idx int) (uint32, error) {
	if idx < layout.DirectPointers {
		return ino.Direct[idx], nil
	}
	iidx := idx - layout.DirectPointers
	if iidx >= l.ptrsPerIndirect() || ino.Indirect == 0 {
		return 0, nil
	}
	ptrs, err := l.readIndirect(ctx, ino.Indirect)
	if err != nil {
		return 0, err
	}
	if iidx >= len(ptrs) {
		return 0, nil
	}
	return ptrs[iidx], nil
}

// blockAtAlloc resolves file block idx, allocating a data block (and the
// indirect block, when first needed) on demand.
func (l *Layer) blockAtAlloc(ctx context.Context, ino *layout.Inode, idx int) (uint32, error) {
	if idx < layout.DirectPointers {
		if ino.Direct[idx] != 0 {
			return ino.Direct[idx], nil
		}
		blk, err := l.bitmap.Allocate()
		if err != nil {
			return 0, err
		}
		ino.Direct[idx] = blk
		ino.Blocks++
		return blk, nil
	}

	iidx := idx - layout.DirectPointers
	if iidx >= l.ptrsPerIndirect() {
		return 0, ErrFileTooLarge
	}

	if ino.Indirect == 0 {
		blk, err := l.bitmap.Allocate()
		if err != nil {
			return 0, err
		}
		ino.Indirect = blk
		ino.Blocks++
		if err := l.writeIndirect(ctx, blk, make([]uint32, l.ptrsPerIndirect())); err != nil {
			return 0, err
		}
	}

	ptrs, err := l.readIndirect(ctx, ino.Indirect)
	if err != nil {
		return 0, err
	}
	if ptrs[iidx] != 0 {
		return ptrs[iidx], nil
	}

	blk, err := l.bitmap.Allocate()
	if err != nil {
		return 0, err
	}
	ptrs[iidx] = blk
	ino.Blocks++
	if err := l.writeIndirect(ctx, ino.Indirect, ptrs); err != nil {
		return 0, err
	}
	return blk, nil
}

// Indirect block layout: magic(4) count(4) pointer[count](4 each).
func (l *Layer) readIndirect(ctx context.Context, blk uint32) ([]uint32, error) {
	buf := make([]byte, l.dev.BlockSize())
	if err := l.dev.ReadBlock(ctx, blk, buf); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != layout.ExtentMagic {
		return nil, fmt.Errorf("indirect block %d: %w", blk, layout.ErrBadMagic)
	}
	count := int(le.Uint32(buf[4:]))
	if count > l.ptrsPerIndirect() {
		return nil, fmt.Errorf("indirect block %d: bad pointer count %d", blk, count)
	}
	ptrs := make([]uint32, count)
	for i := range ptrs {
		ptrs[i] = le.Uint32(buf[8+i*4:])
	}
	return ptrs, nil
}

func (l *Layer) writeIndirect(ctx context.Context, blk uint32, ptrs []uint32) error {
	buf := make([]byte, l.dev.BlockSize())
	le := binary.LittleEndian
	le.PutUint32(buf[0:], layout.ExtentMagic)
	le.PutUint32(buf[4:], uint32(len(ptrs)))
	for i, p := range ptrs {
		le.PutUint32(buf[8+i*4:], p)
	}
	return l.dev.WriteBlock(ctx, blk, buf)
}

// freeBlocks returns all of an inode's blocks to the bitmap.
func (l *Layer) freeBlocks(ctx context.Context, ino *layout.Inode) error {
	for _, p := range ino.Direct {
		if p != 0 {
			if err := l.bitmap.Free(p); err != nil {
				return err
			}
		}
	}
	if ino.Indirect != 0 {
		ptrs, err := l.readIndirect(ctx, ino.Indirect)
		if err != nil {
			return err
		}
		for _, p := range ptrs {
			if p != 0 {
				if err := l.bitmap.Free(p); err != nil {
					return err
				}
			}
		}
		if err := l.bitmap.Free(ino.Indirect); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) addDirent(ctx context.Context, dir uint32, de Dirent) error {
	ino, err := l.inodes.Get(dir)
	if err != nil {
		return err
	}
	if !ino.IsDir() {
		return ErrNotDirectory
	}

	buf := make([]byte, DirentSize)
	encodeDirent(de, buf)

	// Reuse the first freed slot, otherwise append.
	total := int(ino.Size) / DirentSize
	slot := make([]byte, DirentSize)
	for i := 0; i < total; i++ {
		if _, err := l.readAt(ctx, ino, uint64(i*DirentSize), slot); err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(slot[0:]) == 0 {
			_, err := l.writeAt(ctx, dir, ino, uint64(i*DirentSize), buf)
			return err
		}
	}
	_, err = l.writeAt(ctx, dir, ino, ino.Size, buf)
	return err
}

func (l *Layer) removeDirent(ctx context.Context, dir uint32, name string) error {
	ino, err := l.inodes.Get(dir)
	if err != nil {
		return err
	}
	if !ino.IsDir() {
		return ErrNotDirectory
	}

	total := int(ino.Size) / DirentSize
	buf := make([]byte, DirentSize)
	for i := 0; i < total; i++ {
		if _, err := l.readAt(ctx, ino, uint64(i*DirentSize), buf); err != nil {
			return err
		}
		de := decodeDirent(buf)
		if de.Inode != 0 && de.Name == name {
			clear(buf)
			_, err := l.writeAt(ctx, dir, ino, uint64(i*DirentSize), buf)
			return err
		}
	}
	return fmt.Errorf("%q: %w", name, ErrNotFound)
}

func encodeDirent(de Dirent, buf []byte) {
	le := binary.LittleEndian
	clear(buf[:DirentSize])
	le.PutUint32(buf[0:], de.Inode)
	buf[4] = de.Type
	buf[5] = uint8(len(de.Name))
	copy(buf[8:8+MaxNameLen], de.Name)
}

func decodeDirent(buf []byte) Dirent {
	le := binary.LittleEndian
	nameLen := int(buf[5])
	if nameLen > MaxNameLen {
		nameLen = MaxNameLen
	}
	return Dirent{
		Inode: le.Uint32(buf[0:]),
		Type:  buf[4],
		Name:  string(buf[8 : 8+nameLen]),
	}
}

func validName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
