package vexfs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lspecian/vexfs/alloc"
	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/inode"
	"github.com/lspecian/vexfs/journal"
	"github.com/lspecian/vexfs/layout"
)

// DefaultJournalBlocks is the default journal region length.
const DefaultJournalBlocks = 64

// FormatOptions tunes volume geometry.
type FormatOptions struct {
	// JournalBlocks sets the journal region length. Zero means
	// DefaultJournalBlocks, clamped so data blocks remain.
	JournalBlocks uint32
	// InodeRatio is blocks-per-inode. Zero means 4.
	InodeRatio uint32
}

// Format initializes dev as an empty volume: superblock, bitmap, zeroed
// inode table with the root directory in slot 1, and an empty journal.
// Existing contents are destroyed.
func Format(ctx context.Context, dev block.Device, optFns ...func(o *FormatOptions)) error {
	opts := FormatOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.JournalBlocks == 0 {
		opts.JournalBlocks = DefaultJournalBlocks
	}
	if opts.InodeRatio == 0 {
		opts.InodeRatio = 4
	}

	bs := dev.BlockSize()
	total := dev.BlockCount()

	bitmapBlocks := (total + uint32(bs)*8 - 1) / (uint32(bs) * 8)

	perBlock := uint32(bs / layout.InodeSize)
	totalInodes := total / opts.InodeRatio
	if totalInodes < perBlock {
		totalInodes = perBlock
	}
	inodeBlocks := (totalInodes + perBlock - 1) / perBlock
	totalInodes = inodeBlocks * perBlock // use whole blocks

	journalStart := 1 + bitmapBlocks + inodeBlocks
	dataStart := journalStart + opts.JournalBlocks
	if dataStart+8 > total {
		return fmt.Errorf("volume too small: %d blocks leaves no data region (metadata needs %d)", total, dataStart)
	}

	// Metadata region is permanently allocated.
	bitmap := alloc.New(total)
	for b := uint32(0); b < dataStart; b++ {
		bitmap.MarkAllocated(b)
	}

	// Root directory in slot 1.
	inodes := inode.New(1+bitmapBlocks, totalInodes, bs)
	rootID, _, err := inodes.Allocate(layout.ModeDir)
	if err != nil {
		return err
	}
	if rootID != 1 {
		return fmt.Errorf("format: root inode allocated as %d, want 1", rootID)
	}

	// Flush bitmap and inode table.
	for idx := uint32(0); idx < bitmapBlocks; idx++ {
		if err := dev.WriteBlock(ctx, 1+idx, bitmap.EncodeBlock(idx, bs)); err != nil {
			return fmt.Errorf("write bitmap block %d: %w", idx, err)
		}
	}
	for idx := uint32(0); idx < inodeBlocks; idx++ {
		raw, err := inodes.EncodeTableBlock(idx)
		if err != nil {
			return err
		}
		if err := dev.WriteBlock(ctx, 1+bitmapBlocks+idx, raw); err != nil {
			return fmt.Errorf("write inode block %d: %w", idx, err)
		}
	}

	if err := journal.Format(ctx, dev, journalStart, opts.JournalBlocks); err != nil {
		return err
	}

	sb := &layout.Superblock{
		Version:       layout.FormatVersion,
		State:         layout.StateValid,
		BlockSize:     uint32(bs),
		TotalBlocks:   total,
		FreeBlocks:    total - dataStart,
		TotalInodes:   totalInodes,
		FreeInodes:    totalInodes - 2, // reserved slot 0 and root
		RootInode:     rootID,
		BitmapStart:   1,
		BitmapBlocks:  bitmapBlocks,
		InodeStart:    1 + bitmapBlocks,
		InodeBlocks:   inodeBlocks,
		JournalStart:  journalStart,
		JournalBlocks: opts.JournalBlocks,
		DataStart:     dataStart,
		Generation:    1,
	}
	sb.UUID = [16]byte(uuid.New())

	buf := make([]byte, bs)
	if err := layout.EncodeSuperblock(sb, buf); err != nil {
		return err
	}
	if err := dev.WriteBlock(ctx, 0, buf); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return dev.Sync(ctx)
}
