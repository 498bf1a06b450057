package vexfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/lspecian/vexfs/coordinator"
	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/layout"
	"github.com/lspecian/vexfs/model"
	"github.com/lspecian/vexfs/monitor"
	"github.com/lspecian/vexfs/object"
)

// Add stores a named object with a vector record and indexes it. The
// returned id is the object's inode number, which is also its vector id.
// Validation failures leave the volume and the indexes untouched.
func (e *Engine) Add(ctx context.Context, name string, vec []float32, meta, content []byte) (uint64, error) {
	if !e.mounted.Load() {
		return 0, ErrNotMounted
	}
	if e.store == nil {
		return 0, model.ErrNoModel
	}
	// Reject before any state changes.
	if err := e.registry.Validate(len(vec)); err != nil {
		return 0, err
	}

	opCtx, finish, err := e.mon.Begin(ctx, monitor.KindWrite)
	if err != nil {
		return 0, err
	}
	defer finish()

	id, err := e.objects.Create(opCtx, e.sb.RootInode, name, layout.ModeFile)
	if err != nil {
		return 0, translateError(err)
	}
	if err := e.store.Put(opCtx, id, vec, meta, content); err != nil {
		// Unwind the name so a failed add is not observable. The rollback
		// must proceed even when the watchdog already cancelled opCtx.
		rbCtx := context.WithoutCancel(opCtx)
		if rmErr := e.objects.Remove(rbCtx, e.sb.RootInode, name); rmErr != nil {
			e.logger.Error("rollback of failed add left orphan", "name", name, "error", rmErr)
		}
		return 0, err
	}
	return uint64(id), nil
}

// Query searches for the k nearest neighbors using the default routing
// policy.
func (e *Engine) Query(ctx context.Context, q []float32, k int) ([]index.SearchResult, error) {
	return e.SimilaritySearch(ctx, q, k, coordinator.Hints{})
}

// SimilaritySearch searches with explicit routing hints.
func (e *Engine) SimilaritySearch(ctx context.Context, q []float32, k int, hints coordinator.Hints) ([]index.SearchResult, error) {
	if !e.mounted.Load() {
		return nil, ErrNotMounted
	}
	if e.coord == nil {
		return nil, model.ErrNoModel
	}
	if err := e.registry.Validate(len(q)); err != nil {
		return nil, err
	}

	opCtx, finish, err := e.mon.Begin(ctx, monitor.KindSearch)
	if err != nil {
		return nil, err
	}
	defer finish()

	return e.coord.Search(opCtx, q, k, hints, nil)
}

// BatchSearch runs many queries with bounded parallelism.
func (e *Engine) BatchSearch(ctx context.Context, queries [][]float32, k int, hints coordinator.Hints) ([][]index.SearchResult, error) {
	if !e.mounted.Load() {
		return nil, ErrNotMounted
	}
	if e.coord == nil {
		return nil, model.ErrNoModel
	}
	for i, q := range queries {
		if err := e.registry.Validate(len(q)); err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
	}

	opCtx, finish, err := e.mon.Begin(ctx, monitor.KindSearch)
	if err != nil {
		return nil, err
	}
	defer finish()

	return e.coord.BatchSearch(opCtx, queries, k, hints, nil)
}

// Retrieve returns the full vector record of a named object.
func (e *Engine) Retrieve(ctx context.Context, name string) (*layout.VectorRecord, error) {
	if !e.mounted.Load() {
		return nil, ErrNotMounted
	}
	if e.store == nil {
		return nil, model.ErrNoModel
	}

	opCtx, finish, err := e.mon.Begin(ctx, monitor.KindRead)
	if err != nil {
		return nil, err
	}
	defer finish()

	id, err := e.objects.Lookup(opCtx, e.sb.RootInode, name)
	if err != nil {
		return nil, translateError(err)
	}
	return e.store.Record(opCtx, id)
}

// Delete removes a named object: its vector leaves both indexes and its
// inode and blocks return to the allocators.
func (e *Engine) Delete(ctx context.Context, name string) error {
	if !e.mounted.Load() {
		return ErrNotMounted
	}

	opCtx, finish, err := e.mon.Begin(ctx, monitor.KindWrite)
	if err != nil {
		return err
	}
	defer finish()

	id, err := e.objects.Lookup(opCtx, e.sb.RootInode, name)
	if err != nil {
		return translateError(err)
	}
	if e.store != nil {
		if err := e.store.Delete(opCtx, id); err != nil {
			return err
		}
	}
	return translateError(e.objects.Remove(opCtx, e.sb.RootInode, name))
}

// List returns the names in the root directory, excluding reserved
// objects.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	if !e.mounted.Load() {
		return nil, ErrNotMounted
	}

	opCtx, finish, err := e.mon.Begin(ctx, monitor.KindRead)
	if err != nil {
		return nil, err
	}
	defer finish()

	var names []string
	for de, err := range e.objects.ReadDir(opCtx, e.sb.RootInode, 0) {
		if err != nil {
			return nil, err
		}
		if de.Name == modelObjectName {
			continue
		}
		names = append(names, de.Name)
	}
	return names, nil
}

// SetModelMetadata binds the volume's embedding model. The binding is
// immutable once the volume holds vectors; rebinding an empty volume
// replaces the indexes.
func (e *Engine) SetModelMetadata(ctx context.Context, md model.Metadata) error {
	if !e.mounted.Load() {
		return ErrNotMounted
	}
	md = md.Defaults()
	if err := md.Validate(); err != nil {
		return err
	}

	opCtx, finish, err := e.mon.Begin(ctx, monitor.KindWrite)
	if err != nil {
		return err
	}
	defer finish()

	cur, bound := e.registry.Get()
	switch {
	case bound && cur == md:
		return nil
	case bound && e.store != nil && e.store.ResidentCount() > 0:
		return fmt.Errorf("%w: volume holds vectors for %s", model.ErrModelBound, cur.Type)
	case bound:
		if err := e.registry.Rebind(md); err != nil {
			return err
		}
	default:
		if err := e.registry.Set(md); err != nil {
			return err
		}
	}
	if err := e.bindIndexes(md); err != nil {
		return err
	}

	return e.persistModelBinding(opCtx, md)
}

// persistModelBinding rewrites the reserved model object.
func (e *Engine) persistModelBinding(ctx context.Context, md model.Metadata) error {
	raw, err := md.MarshalBinary()
	if err != nil {
		return err
	}

	// Recreate rather than overwrite: the record length may shrink.
	if err := e.objects.Remove(ctx, e.sb.RootInode, modelObjectName); err != nil && !errors.Is(err, object.ErrNotFound) {
		return err
	}
	id, err := e.objects.Create(ctx, e.sb.RootInode, modelObjectName, layout.ModeFile)
	if err != nil {
		return err
	}
	if _, err := e.objects.Write(ctx, id, 0, raw); err != nil {
		return err
	}
	return nil
}

// GetModelMetadata returns the bound model, if any.
func (e *Engine) GetModelMetadata() (model.Metadata, bool) {
	return e.registry.Get()
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Vectors         int
	TotalBlocks     uint32
	FreeBlocks      uint32
	TotalInodes     uint32
	FreeInodes      uint32
	JournalSequence uint64
	Degradation     monitor.Level
	WatchdogFirings int64
	Indexes         map[string]coordinator.IndexStats
}

// Stats reports storage, index, and degradation counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		TotalBlocks:     e.sb.TotalBlocks,
		FreeBlocks:      uint32(e.bitmap.FreeCount()),
		TotalInodes:     e.sb.TotalInodes,
		FreeInodes:      uint32(e.inodes.FreeCount()),
		JournalSequence: e.jnl.Sequence(),
		Degradation:     e.mon.Level(),
		WatchdogFirings: e.mon.WatchdogFirings(),
	}
	if e.store != nil {
		s.Vectors = e.store.ResidentCount()
	}
	if e.coord != nil {
		s.Indexes = e.coord.Stats()
	}
	return s
}
