// Package journal implements write-ahead journaling of metadata blocks.
//
// A transaction is recorded as a {descriptor, payload..., commit} triple in
// the journal region before any home-location block is touched. The commit
// block is the durability point: an operation is acknowledged only after the
// commit block is on stable storage. Replay reapplies committed payloads to
// their home blocks unconditionally, so replaying twice yields the same
// state as replaying once.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/layout"
)

// ErrTooLarge is returned when a transaction does not fit in the journal
// region.
var ErrTooLarge = errors.New("transaction exceeds journal capacity")

// Update is one pending home-block mutation.
type Update struct {
	Home uint32 // absolute block number the payload belongs to
	Data []byte // full new block contents
}

// Journal manages the on-disk journal region.
type Journal struct {
	dev     block.Device
	start   uint32 // absolute block number of the journal superblock
	nblocks uint32 // region length in blocks, including the superblock

	mu   sync.Mutex
	seq  uint64
	head uint32 // ring offset of the next descriptor, relative to the region
}

// Format initializes an empty journal region.
func Format(ctx context.Context, dev block.Device, start, nblocks uint32) error {
	if nblocks < 4 {
		return fmt.Errorf("journal region of %d blocks is too small", nblocks)
	}
	buf := make([]byte, dev.BlockSize())
	if err := layout.EncodeJournalSuper(&layout.JournalSuper{Sequence: 1, Head: 1}, buf); err != nil {
		return err
	}
	if err := dev.WriteBlock(ctx, start, buf); err != nil {
		return err
	}
	return dev.Sync(ctx)
}

// Open reads the journal superblock and returns a handle. It does not
// replay; mount decides whether replay is needed from the filesystem state.
func Open(ctx context.Context, dev block.Device, start, nblocks uint32) (*Journal, error) {
	buf := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(ctx, start, buf); err != nil {
		return nil, fmt.Errorf("read journal superblock: %w", err)
	}
	js, err := layout.DecodeJournalSuper(buf)
	if err != nil {
		return nil, err
	}
	return &Journal{dev: dev, start: start, nblocks: nblocks, seq: js.Sequence, head: js.Head}, nil
}

// Commit durably records a transaction. On return the transaction is
// replayable; the caller then writes the home blocks and calls Checkpoint.
func (j *Journal) Commit(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	bs := j.dev.BlockSize()
	if len(updates) > layout.MaxHomesPerDescriptor(bs) {
		return fmt.Errorf("%w: %d updates", ErrTooLarge, len(updates))
	}
	need := uint32(len(updates)) + 2 // descriptor + payloads + commit
	if need > j.nblocks-1 {
		return fmt.Errorf("%w: %d blocks needed, %d available", ErrTooLarge, need, j.nblocks-1)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	// Transactions never wrap; restart the ring if the tail does not fit.
	if j.head+need > j.nblocks {
		j.head = 1
	}
	seq := j.seq
	off := j.head

	homes := make([]uint32, len(updates))
	for i, u := range updates {
		if len(u.Data) != bs {
			return fmt.Errorf("journal: update for block %d has %d bytes, want %d", u.Home, len(u.Data), bs)
		}
		homes[i] = u.Home
	}

	buf := make([]byte, bs)
	if err := layout.EncodeDescriptor(seq, homes, buf); err != nil {
		return err
	}
	if err := j.dev.WriteBlock(ctx, j.start+off, buf); err != nil {
		return err
	}

	payloadCRC := uint32(0)
	crcBuf := make([]byte, 0, len(updates)*bs)
	for i, u := range updates {
		if err := j.dev.WriteBlock(ctx, j.start+off+1+uint32(i), u.Data); err != nil {
			return err
		}
		crcBuf = append(crcBuf, u.Data...)
	}
	payloadCRC = layout.Checksum(crcBuf)

	// Descriptor and payload must be durable before the commit block is
	// written, otherwise a torn sequence could carry a valid commit.
	if err := j.dev.Sync(ctx); err != nil {
		return err
	}

	if err := layout.EncodeCommit(seq, payloadCRC, buf); err != nil {
		return err
	}
	if err := j.dev.WriteBlock(ctx, j.start+off+uint32(len(updates))+1, buf); err != nil {
		return err
	}
	if err := j.dev.Sync(ctx); err != nil {
		return err
	}

	j.seq++
	j.head = off + need
	return nil
}

// Checkpoint marks all committed transactions as applied. The caller must
// have synced the home-block writes first.
func (j *Journal) Checkpoint(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.head = 1
	buf := make([]byte, j.dev.BlockSize())
	if err := layout.EncodeJournalSuper(&layout.JournalSuper{Sequence: j.seq, Head: j.head}, buf); err != nil {
		return err
	}
	if err := j.dev.WriteBlock(ctx, j.start, buf); err != nil {
		return err
	}
	return j.dev.Sync(ctx)
}

// Replay scans the journal for committed transactions and reapplies each
// payload to its home block, in commit order. The scan accepts the longest
// prefix of valid {descriptor, payload, commit} triples with consecutive
// sequence numbers; the first torn or mismatched triple ends the scan, which
// is how a crash between descriptor and commit discards the incomplete
// entry. Returns the number of transactions replayed.
func (j *Journal) Replay(ctx context.Context, apply func(home uint32, data []byte) error) (int, error) {
	bs := j.dev.BlockSize()
	buf := make([]byte, bs)

	// The superblock's sequence is the oldest transaction that may still
	// need replay; anything older was checkpointed.
	j.mu.Lock()
	expectSeq := j.seq
	j.mu.Unlock()

	replayed := 0
	off := uint32(1)
	for off+2 < j.nblocks {
		if err := j.dev.ReadBlock(ctx, j.start+off, buf); err != nil {
			return replayed, err
		}
		seq, homes, err := layout.DecodeDescriptor(buf)
		if err != nil || seq != expectSeq {
			break // end of committed prefix
		}
		if off+uint32(len(homes))+2 > j.nblocks {
			break
		}

		payloads := make([][]byte, len(homes))
		crcBuf := make([]byte, 0, len(homes)*bs)
		readErr := false
		for i := range homes {
			p := make([]byte, bs)
			if err := j.dev.ReadBlock(ctx, j.start+off+1+uint32(i), p); err != nil {
				readErr = true
				break
			}
			payloads[i] = p
			crcBuf = append(crcBuf, p...)
		}
		if readErr {
			break
		}

		if err := j.dev.ReadBlock(ctx, j.start+off+uint32(len(homes))+1, buf); err != nil {
			return replayed, err
		}
		commitSeq, payloadCRC, err := layout.DecodeCommit(buf)
		if err != nil || commitSeq != seq || payloadCRC != layout.Checksum(crcBuf) {
			break // incomplete or torn transaction: discard
		}

		for i, home := range homes {
			if err := apply(home, payloads[i]); err != nil {
				return replayed, fmt.Errorf("replay block %d: %w", home, err)
			}
		}

		replayed++
		expectSeq++
		off += uint32(len(homes)) + 2
	}

	if replayed > 0 {
		if err := j.dev.Sync(ctx); err != nil {
			return replayed, err
		}
		j.mu.Lock()
		j.seq = expectSeq
		j.mu.Unlock()
		if err := j.Checkpoint(ctx); err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

// Sequence returns the next transaction sequence number.
func (j *Journal) Sequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}
