// Package vecstore implements the vector store: it serializes vectors into
// block-aligned records inside inode-backed objects, validates
// dimensionality against the model registry, and fans accepted writes out
// to the ANN indexes.
//
// The store owns the vector bytes; indexes only reference ids. Vectors are
// kept resident after the first load so index traversal never blocks on
// I/O.
package vecstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lspecian/vexfs/index"
	"github.com/lspecian/vexfs/inode"
	"github.com/lspecian/vexfs/layout"
	"github.com/lspecian/vexfs/model"
	"github.com/lspecian/vexfs/object"
)

// Store is the vector store.
type Store struct {
	objects  *object.Layer
	inodes   *inode.Manager
	registry *model.Registry
	commit   object.MetaCommitter
	indexes  []index.Index
	logger   *slog.Logger

	mu       sync.RWMutex
	resident map[uint64][]float32
}

var _ index.VectorSource = (*Store)(nil)

// New wires the store to its collaborators. The indexes receive every
// accepted vector synchronously.
func New(objects *object.Layer, inodes *inode.Manager, registry *model.Registry, commit object.MetaCommitter, logger *slog.Logger, indexes ...index.Index) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		objects:  objects,
		inodes:   inodes,
		registry: registry,
		commit:   commit,
		indexes:  indexes,
		logger:   logger,
		resident: make(map[uint64][]float32),
	}
}

// Put validates and stores a vector record for object id, then inserts the
// id into every index. Validation failures leave both the store and the
// indexes untouched.
func (s *Store) Put(ctx context.Context, id uint32, vec []float32, meta, content []byte) error {
	if len(vec) == 0 {
		return index.ErrEmptyVector
	}
	if err := s.registry.Validate(len(vec)); err != nil {
		return err
	}

	active, _ := s.registry.Get()
	rec := &layout.VectorRecord{
		Version:   layout.FormatVersion,
		Dimension: uint16(len(vec)),
		ModelType: uint16(active.Type),
		Payload:   vec,
		Metadata:  meta,
		Content:   content,
	}
	raw, err := layout.EncodeVectorRecord(rec)
	if err != nil {
		return err
	}

	if _, err := s.objects.Write(ctx, id, 0, raw); err != nil {
		return err
	}

	ino, err := s.inodes.Get(id)
	if err != nil {
		return err
	}
	if ino.Flags&layout.FlagVectorBearing == 0 {
		ino.Flags |= layout.FlagVectorBearing
		if err := s.inodes.Put(id, ino); err != nil {
			return err
		}
		if err := s.commit.CommitMeta(ctx); err != nil {
			return err
		}
	}

	own := append([]float32(nil), vec...)
	s.mu.Lock()
	s.resident[uint64(id)] = own
	s.mu.Unlock()

	for i, idx := range s.indexes {
		if err := idx.Insert(ctx, uint64(id), own); err != nil {
			s.logger.Error("index insert failed", "index", idx.Name(), "id", id, "error", err)
			s.unwindInsert(ctx, id, s.indexes[:i])
			return fmt.Errorf("index %s insert: %w", idx.Name(), err)
		}
	}
	return nil
}

// unwindInsert reverses a partially fanned-out Put so a failed insert is
// not observable: the resident entry is dropped and every index that
// already accepted the id forgets it. The unwind runs even when the
// operation context has been cancelled.
func (s *Store) unwindInsert(ctx context.Context, id uint32, inserted []index.Index) {
	s.mu.Lock()
	delete(s.resident, uint64(id))
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	for _, idx := range inserted {
		if err := idx.Delete(ctx, uint64(id)); err != nil {
			var notIndexed *index.ErrNotIndexed
			if !errors.As(err, &notIndexed) {
				s.logger.Error("unwind of failed insert", "index", idx.Name(), "id", id, "error", err)
			}
		}
	}
}

// Get returns the vector stored for object id.
func (s *Store) Get(ctx context.Context, id uint32) ([]float32, error) {
	s.mu.RLock()
	if v, ok := s.resident[uint64(id)]; ok {
		s.mu.RUnlock()
		return append([]float32(nil), v...), nil
	}
	s.mu.RUnlock()

	rec, err := s.Record(ctx, id)
	if err != nil {
		return nil, err
	}

	own := append([]float32(nil), rec.Payload...)
	s.mu.Lock()
	s.resident[uint64(id)] = own
	s.mu.Unlock()
	return append([]float32(nil), own...), nil
}

// Record reads and verifies the full vector record of object id.
func (s *Store) Record(ctx context.Context, id uint32) (*layout.VectorRecord, error) {
	size, err := s.objects.Size(id)
	if err != nil {
		return nil, err
	}
	if size < layout.VectorHeaderSize {
		return nil, fmt.Errorf("object %d has no vector record", id)
	}
	raw, err := s.objects.Read(ctx, id, 0, int(size))
	if err != nil {
		return nil, err
	}
	return layout.DecodeVectorRecord(raw)
}

// Delete drops the resident copy and removes id from every index.
func (s *Store) Delete(ctx context.Context, id uint32) error {
	s.mu.Lock()
	delete(s.resident, uint64(id))
	s.mu.Unlock()

	for _, idx := range s.indexes {
		if err := idx.Delete(ctx, uint64(id)); err != nil {
			var notIndexed *index.ErrNotIndexed
			if !errors.As(err, &notIndexed) {
				return fmt.Errorf("index %s delete: %w", idx.Name(), err)
			}
		}
	}
	return nil
}

// Rebuild loads every vector-bearing inode into residence and reinserts it
// into the indexes. Mount uses this when no usable snapshot exists.
func (s *Store) Rebuild(ctx context.Context) error {
	var rebuildErr error
	s.inodes.Range(func(id uint32, ino *layout.Inode) bool {
		if ino.Flags&layout.FlagVectorBearing == 0 {
			return true
		}
		rec, err := s.Record(ctx, id)
		if err != nil {
			rebuildErr = fmt.Errorf("rebuild inode %d: %w", id, err)
			return false
		}

		own := append([]float32(nil), rec.Payload...)
		s.mu.Lock()
		s.resident[uint64(id)] = own
		s.mu.Unlock()

		for _, idx := range s.indexes {
			if err := idx.Insert(ctx, uint64(id), own); err != nil {
				rebuildErr = fmt.Errorf("rebuild index %s id %d: %w", idx.Name(), id, err)
				return false
			}
		}
		return true
	})
	return rebuildErr
}

// Seed loads vectors into residence and the indexes without touching the
// object layer. Mount uses this to restore from a snapshot.
func (s *Store) Seed(ctx context.Context, vectors map[uint64][]float32) error {
	for id, v := range vectors {
		own := append([]float32(nil), v...)
		s.mu.Lock()
		s.resident[id] = own
		s.mu.Unlock()

		for _, idx := range s.indexes {
			if err := idx.Insert(ctx, id, own); err != nil {
				return fmt.Errorf("seed index %s id %d: %w", idx.Name(), id, err)
			}
		}
	}
	return nil
}

// Resident returns a copy of the resident vector set, for snapshots.
func (s *Store) Resident() map[uint64][]float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint64][]float32, len(s.resident))
	for id, v := range s.resident {
		out[id] = append([]float32(nil), v...)
	}
	return out
}

// Attach registers an index after construction. Mount wires indexes this
// way because they take the store itself as their vector source.
func (s *Store) Attach(indexes ...index.Index) {
	s.indexes = append(s.indexes, indexes...)
}

// Vector implements index.VectorSource over the resident set.
func (s *Store) Vector(id uint64) ([]float32, bool) {
	s.mu.RLock()
	v, ok := s.resident[id]
	s.mu.RUnlock()
	return v, ok
}

// ResidentCount returns the number of resident vectors.
func (s *Store) ResidentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resident)
}
