package vexfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lspecian/vexfs/alloc"
	"github.com/lspecian/vexfs/block"
	"github.com/lspecian/vexfs/coordinator"
	"github.com/lspecian/vexfs/index/hnsw"
	"github.com/lspecian/vexfs/index/lsh"
	"github.com/lspecian/vexfs/inode"
	"github.com/lspecian/vexfs/journal"
	"github.com/lspecian/vexfs/layout"
	"github.com/lspecian/vexfs/model"
	"github.com/lspecian/vexfs/monitor"
	"github.com/lspecian/vexfs/object"
	"github.com/lspecian/vexfs/snapshot"
	"github.com/lspecian/vexfs/vecstore"
)

// modelObjectName is the reserved object holding the model binding.
const modelObjectName = ".model"

// Engine is a mounted volume.
type Engine struct {
	dev     block.Device
	sb      *layout.Superblock
	bitmap  *alloc.Bitmap
	inodes  *inode.Manager
	jnl     *journal.Journal
	objects *object.Layer

	registry *model.Registry
	store    *vecstore.Store
	graph    *hnsw.HNSW
	hash     *lsh.LSH
	coord    *coordinator.Coordinator
	mon      *monitor.Monitor

	opts   options
	logger *Logger

	// metaMu serializes metadata transactions and superblock writes.
	metaMu  sync.Mutex
	mounted atomic.Bool
}

var _ object.MetaCommitter = (*Engine)(nil)

// Mount opens a formatted volume. A volume that crashed while mounted is
// recovered by journal replay before any metadata is trusted; a volume
// marked damaged refuses to mount until the checker has run.
func Mount(ctx context.Context, dev block.Device, optFns ...Option) (*Engine, error) {
	opts := applyOptions(optFns)

	bs := dev.BlockSize()
	buf := make([]byte, bs)
	if err := dev.ReadBlock(ctx, 0, buf); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	sb, err := layout.DecodeSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if sb.State == layout.StateError {
		return nil, ErrVolumeDamaged
	}
	if sb.BlockSize != uint32(bs) {
		return nil, fmt.Errorf("volume block size %d, device %d", sb.BlockSize, bs)
	}

	logger := opts.logger.WithVolume(uuid.UUID(sb.UUID).String())

	jnl, err := journal.Open(ctx, dev, sb.JournalStart, sb.JournalBlocks)
	if err != nil {
		return nil, err
	}
	if sb.State == layout.StateDirty {
		n, err := jnl.Replay(ctx, func(home uint32, data []byte) error {
			return dev.WriteBlock(ctx, home, data)
		})
		if err != nil {
			return nil, fmt.Errorf("journal replay: %w", err)
		}
		logger.Info("recovered from unclean shutdown", "transactions", n)
	}

	// Metadata is trustworthy from here on.
	bitmap, err := loadBitmap(ctx, dev, sb)
	if err != nil {
		return nil, err
	}
	inodes, err := inode.Load(ctx, dev, sb.InodeStart, sb.TotalInodes, bs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dev:      dev,
		sb:       sb,
		bitmap:   bitmap,
		inodes:   inodes,
		jnl:      jnl,
		registry: model.NewRegistry(),
		opts:     opts,
		logger:   logger,
	}
	e.objects = object.New(dev, inodes, bitmap, e)

	if err := e.loadModelBinding(ctx); err != nil {
		return nil, err
	}
	if _, bound := e.registry.Get(); bound {
		if err := e.restoreIndexes(ctx); err != nil {
			return nil, err
		}
	}

	e.mon = monitor.New(func(o *monitor.Options) {
		o.Logger = logger.Logger
		for _, fn := range opts.monitorOpts {
			fn(o)
		}
	})
	e.mon.Start()

	sb.MountCount++
	if err := e.writeSuperblock(ctx, layout.StateDirty); err != nil {
		return nil, err
	}

	e.mounted.Store(true)
	logger.Info("mounted",
		"blocks", sb.TotalBlocks, "free_blocks", bitmap.FreeCount(),
		"inodes", sb.TotalInodes, "mount_count", sb.MountCount)
	return e, nil
}

func loadBitmap(ctx context.Context, dev block.Device, sb *layout.Superblock) (*alloc.Bitmap, error) {
	bs := dev.BlockSize()
	raw := make([]byte, int(sb.BitmapBlocks)*bs)
	for i := uint32(0); i < sb.BitmapBlocks; i++ {
		if err := dev.ReadBlock(ctx, sb.BitmapStart+i, raw[int(i)*bs:int(i+1)*bs]); err != nil {
			return nil, fmt.Errorf("read bitmap block %d: %w", i, err)
		}
	}
	return alloc.Load(raw, sb.TotalBlocks)
}

// loadModelBinding reads the reserved model object, if present.
func (e *Engine) loadModelBinding(ctx context.Context) error {
	id, err := e.objects.Lookup(ctx, e.sb.RootInode, modelObjectName)
	if errors.Is(err, object.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	size, err := e.objects.Size(id)
	if err != nil {
		return err
	}
	raw, err := e.objects.Read(ctx, id, 0, int(size))
	if err != nil {
		return err
	}

	var md model.Metadata
	if err := md.UnmarshalBinary(raw); err != nil {
		// A crash between creating the model object and writing its record
		// leaves it torn. The binding was never acknowledged, so the volume
		// is unbound; the next SetModelMetadata rewrites the object.
		e.logger.Warn("ignoring torn model object", "error", err)
		return nil
	}
	if err := e.registry.Set(md); err != nil {
		return err
	}
	return e.bindIndexes(md)
}

// bindIndexes constructs the store, both indexes, and the coordinator for
// the bound model's dimension.
func (e *Engine) bindIndexes(md model.Metadata) error {
	e.store = vecstore.New(e.objects, e.inodes, e.registry, e, e.logger.Logger)

	graph, err := hnsw.New(e.store, func(o *hnsw.Options) {
		o.Dimension = md.Dimension
		for _, fn := range e.opts.graphOpts {
			fn(o)
		}
	})
	if err != nil {
		return err
	}
	hash, err := lsh.New(e.store, func(o *lsh.Options) {
		o.Dimension = md.Dimension
		for _, fn := range e.opts.hashOpts {
			fn(o)
		}
	})
	if err != nil {
		return err
	}
	e.store.Attach(graph, hash)
	e.graph = graph
	e.hash = hash

	var metrics *coordinator.Metrics
	if e.opts.registerer != nil {
		metrics = coordinator.NewMetrics(e.opts.registerer)
	}
	e.coord = coordinator.New(graph, hash, func(o *coordinator.Options) {
		o.Logger = e.logger.Logger
		o.Metrics = metrics
		for _, fn := range e.opts.coordOpts {
			fn(o)
		}
	})
	return nil
}

// restoreIndexes seeds from a matching snapshot, falling back to a full
// rebuild from the vector-bearing inodes.
func (e *Engine) restoreIndexes(ctx context.Context) error {
	if e.opts.snapshotPath != "" {
		snap, err := snapshot.Load(e.opts.snapshotPath)
		switch {
		case err == nil && snap.Sequence == e.jnl.Sequence():
			if err := e.store.Seed(ctx, snap.Vectors); err != nil {
				return err
			}
			e.logger.Info("indexes restored from snapshot", "vectors", len(snap.Vectors))
			return nil
		case err == nil:
			e.logger.Warn("snapshot is stale, rebuilding",
				"snapshot_seq", snap.Sequence, "journal_seq", e.jnl.Sequence())
		case !errors.Is(err, os.ErrNotExist):
			e.logger.Warn("snapshot unreadable, rebuilding", "error", err)
		}
	}

	if err := e.store.Rebuild(ctx); err != nil {
		return err
	}
	e.logger.Info("indexes rebuilt from volume", "vectors", e.store.ResidentCount())
	return nil
}

// CommitMeta journals the dirty bitmap and inode-table blocks as one
// transaction, then writes them home and checkpoints. Durability point is
// the journal commit block; a crash after it is recovered by replay.
func (e *Engine) CommitMeta(ctx context.Context) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	bs := e.dev.BlockSize()
	var updates []journal.Update
	for _, idx := range e.bitmap.DirtyBitmapBlocks(bs) {
		updates = append(updates, journal.Update{
			Home: e.sb.BitmapStart + idx,
			Data: e.bitmap.EncodeBlock(idx, bs),
		})
	}
	for _, idx := range e.inodes.DirtyTableBlocks() {
		raw, err := e.inodes.EncodeTableBlock(idx)
		if err != nil {
			return err
		}
		updates = append(updates, journal.Update{
			Home: e.sb.InodeStart + idx,
			Data: raw,
		})
	}
	if len(updates) == 0 {
		return nil
	}

	if err := e.jnl.Commit(ctx, updates); err != nil {
		return err
	}
	for _, u := range updates {
		if err := e.dev.WriteBlock(ctx, u.Home, u.Data); err != nil {
			return err
		}
	}
	if err := e.dev.Sync(ctx); err != nil {
		return err
	}
	if err := e.jnl.Checkpoint(ctx); err != nil {
		return err
	}
	return e.writeSuperblockLocked(ctx, layout.StateDirty)
}

func (e *Engine) writeSuperblock(ctx context.Context, state uint32) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.writeSuperblockLocked(ctx, state)
}

// writeSuperblockLocked refreshes counters and rewrites block 0. Caller
// holds metaMu.
func (e *Engine) writeSuperblockLocked(ctx context.Context, state uint32) error {
	e.sb.State = state
	e.sb.FreeBlocks = uint32(e.bitmap.FreeCount())
	e.sb.FreeInodes = uint32(e.inodes.FreeCount())
	e.sb.Generation++

	buf := make([]byte, e.dev.BlockSize())
	if err := layout.EncodeSuperblock(e.sb, buf); err != nil {
		return err
	}
	if err := e.dev.WriteBlock(ctx, 0, buf); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return e.dev.Sync(ctx)
}

// Checkpoint writes a snapshot of the resident vectors, locally and to the
// backup store when configured.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if !e.mounted.Load() {
		return ErrNotMounted
	}
	if e.store == nil {
		return model.ErrNoModel
	}

	md, _ := e.registry.Get()
	snap := &snapshot.Snapshot{
		Model:    md,
		Vectors:  e.store.Resident(),
		Sequence: e.jnl.Sequence(),
	}
	if e.opts.snapshotPath != "" {
		if err := snapshot.Save(e.opts.snapshotPath, snap, e.opts.snapshotCodec); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}
	if e.opts.backup != nil {
		name := fmt.Sprintf("%s-%d.snap", uuid.UUID(e.sb.UUID).String(), snap.Sequence)
		if err := e.opts.backup.Upload(ctx, name, snap); err != nil {
			return fmt.Errorf("upload snapshot: %w", err)
		}
	}
	e.logger.Info("checkpoint written", "vectors", len(snap.Vectors), "sequence", snap.Sequence)
	return nil
}

// Close flushes pending metadata, snapshots the indexes, marks the volume
// clean, and closes the device.
func (e *Engine) Close(ctx context.Context) error {
	if !e.mounted.CompareAndSwap(true, false) {
		return ErrNotMounted
	}
	e.mon.Stop()

	if err := e.CommitMeta(ctx); err != nil {
		return err
	}
	if e.store != nil && e.opts.snapshotPath != "" {
		md, _ := e.registry.Get()
		snap := &snapshot.Snapshot{
			Model:    md,
			Vectors:  e.store.Resident(),
			Sequence: e.jnl.Sequence(),
		}
		if err := snapshot.Save(e.opts.snapshotPath, snap, e.opts.snapshotCodec); err != nil {
			e.logger.Warn("snapshot save failed", "error", err)
		}
	}
	if err := e.writeSuperblock(ctx, layout.StateValid); err != nil {
		return err
	}
	e.logger.Info("unmounted cleanly")
	return e.dev.Close()
}
