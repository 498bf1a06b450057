// Package block provides the volume abstraction the engine reads and writes
// through: a fixed-size array of blocks addressed by block number.
//
// Two production implementations exist (file-backed and in-memory) plus a
// crash-simulating wrapper used by recovery tests.
package block

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrOutOfRange is returned when a block number is outside the volume.
	ErrOutOfRange = errors.New("block number out of range")

	// ErrClosed is returned when the device has been closed.
	ErrClosed = errors.New("device closed")

	// ErrShortBuffer is returned when a caller buffer is not block-sized.
	ErrShortBuffer = errors.New("buffer size does not match block size")
)

// Device is a fixed-geometry block device.
//
// Implementations must be safe for concurrent use. ReadBlock and WriteBlock
// may block on physical storage; callers pass a context so watchdog-guarded
// operations can be cancelled.
type Device interface {
	// BlockSize returns the block size in bytes.
	BlockSize() int

	// BlockCount returns the total number of blocks on the volume.
	BlockCount() uint32

	// ReadBlock reads block num into buf. len(buf) must equal BlockSize.
	ReadBlock(ctx context.Context, num uint32, buf []byte) error

	// WriteBlock writes buf to block num. len(buf) must equal BlockSize.
	WriteBlock(ctx context.Context, num uint32, buf []byte) error

	// Sync flushes all written blocks to stable storage.
	Sync(ctx context.Context) error

	// Close releases the device. Further calls return ErrClosed.
	Close() error
}

// FileDevice is a Device backed by a regular file.
type FileDevice struct {
	mu        sync.RWMutex
	f         *os.File
	blockSize int
	blocks    uint32
	closed    bool
}

// CreateFile creates (or truncates) a file-backed volume with the given
// geometry and returns the open device.
func CreateFile(path string, blockSize int, blocks uint32) (*FileDevice, error) {
	if err := validGeometry(blockSize, blocks); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create volume: %w", err)
	}
	if err := f.Truncate(int64(blockSize) * int64(blocks)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("size volume: %w", err)
	}

	return &FileDevice{f: f, blockSize: blockSize, blocks: blocks}, nil
}

// OpenFile opens an existing file-backed volume. The block size must match
// the one the volume was created with; the caller learns it from the
// superblock, so OpenFile probes the file size for the block count.
func OpenFile(path string, blockSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat volume: %w", err)
	}
	if blockSize <= 0 || st.Size()%int64(blockSize) != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("volume size %d not a multiple of block size %d", st.Size(), blockSize)
	}

	return &FileDevice{
		f:         f,
		blockSize: blockSize,
		blocks:    uint32(st.Size() / int64(blockSize)),
	}, nil
}

// BlockSize returns the block size in bytes.
func (d *FileDevice) BlockSize() int { return d.blockSize }

// BlockCount returns the total number of blocks.
func (d *FileDevice) BlockCount() uint32 { return d.blocks }

// ReadBlock reads block num into buf.
func (d *FileDevice) ReadBlock(ctx context.Context, num uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.check(num, buf); err != nil {
		return err
	}

	_, err := d.f.ReadAt(buf, int64(num)*int64(d.blockSize))
	return err
}

// WriteBlock writes buf to block num.
func (d *FileDevice) WriteBlock(ctx context.Context, num uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.check(num, buf); err != nil {
		return err
	}

	_, err := d.f.WriteAt(buf, int64(num)*int64(d.blockSize))
	return err
}

// Sync flushes written blocks to stable storage.
func (d *FileDevice) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	return d.f.Sync()
}

// Close closes the underlying file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return d.f.Close()
}

func (d *FileDevice) check(num uint32, buf []byte) error {
	if num >= d.blocks {
		return fmt.Errorf("%w: %d >= %d", ErrOutOfRange, num, d.blocks)
	}
	if len(buf) != d.blockSize {
		return fmt.Errorf("%w: %d != %d", ErrShortBuffer, len(buf), d.blockSize)
	}
	return nil
}

func validGeometry(blockSize int, blocks uint32) error {
	if blockSize < 4096 || blockSize > 64*1024 || blockSize&(blockSize-1) != 0 {
		return fmt.Errorf("block size %d must be a power of two in [4KiB, 64KiB]", blockSize)
	}
	if blocks == 0 {
		return errors.New("volume must have at least one block")
	}
	return nil
}
