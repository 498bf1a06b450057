package block

import (
	"context"
	"sync"
)

// MemDevice is an in-memory Device. It is primarily used by tests and by the
// offline checker when inspecting a copied volume image.
type MemDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
	blocks    uint32
	closed    bool
}

// NewMem creates an in-memory device with the given geometry.
func NewMem(blockSize int, blocks uint32) (*MemDevice, error) {
	if err := validGeometry(blockSize, blocks); err != nil {
		return nil, err
	}
	return &MemDevice{
		data:      make([]byte, int(blocks)*blockSize),
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

// BlockSize returns the block size in bytes.
func (d *MemDevice) BlockSize() int { return d.blockSize }

// BlockCount returns the total number of blocks.
func (d *MemDevice) BlockCount() uint32 { return d.blocks }

// ReadBlock copies block num into buf.
func (d *MemDevice) ReadBlock(ctx context.Context, num uint32, buf []byte) error {
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
	copy(buf, d.data[int(num)*d.blockSize:])
	return nil
}

// WriteBlock copies buf into block num.
func (d *MemDevice) WriteBlock(ctx context.Context, num uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.check(num, buf); err != nil {
		return err
	}
	copy(d.data[int(num)*d.blockSize:], buf)
	return nil
}

// Sync is a no-op for the in-memory device.
func (d *MemDevice) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the device closed.
func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return nil
}

func (d *MemDevice) check(num uint32, buf []byte) error {
	if num >= d.blocks {
		return ErrOutOfRange
	}
	if len(buf) != d.blockSize {
		return ErrShortBuffer
	}
	return nil
}

// Clone returns a deep copy of the device contents. Recovery tests use this
// to snapshot the volume "as crashed".
func (d *MemDevice) Clone() *MemDevice {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data := make([]byte, len(d.data))
	copy(data, d.data)
	return &MemDevice{data: data, blockSize: d.blockSize, blocks: d.blocks}
}
