// Package model pins a volume to one embedding model and validates every
// vector against it.
//
// The binding is volume-level: all vectors on a volume share one model and
// therefore one dimension (except TypeCustom, which fixes the model class
// but lets the dimension vary per volume). Validation failures reject the
// operation before any state is touched.
package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lspecian/vexfs/layout"
)

// Type identifies an embedding model class.
type Type uint16

const (
	// TypeUnset means no model is bound yet.
	TypeUnset Type = iota
	// TypeAllMiniLM is all-MiniLM-L6-v2 (384 dimensions).
	TypeAllMiniLM
	// TypeBERTBase is bert-base-uncased (768 dimensions).
	TypeBERTBase
	// TypeAda002 is text-embedding-ada-002 (1536 dimensions).
	TypeAda002
	// TypeCustom is a user-defined model with a per-volume dimension.
	TypeCustom
)

func (t Type) String() string {
	switch t {
	case TypeUnset:
		return "unset"
	case TypeAllMiniLM:
		return "all-minilm-l6-v2"
	case TypeBERTBase:
		return "bert-base-uncased"
	case TypeAda002:
		return "text-embedding-ada-002"
	case TypeCustom:
		return "custom"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// Dimension returns the fixed dimension of a known model type, or 0 for
// TypeCustom and TypeUnset.
func (t Type) Dimension() int {
	switch t {
	case TypeAllMiniLM:
		return 384
	case TypeBERTBase:
		return 768
	case TypeAda002:
		return 1536
	default:
		return 0
	}
}

// ErrNoModel is returned when an operation needs a bound model and the
// volume has none.
var ErrNoModel = errors.New("no embedding model bound")

// ErrModelBound is returned when rebinding would change the model of a
// volume that already holds vectors.
var ErrModelBound = errors.New("embedding model already bound")

// ErrDimensionMismatch indicates a vector whose dimensionality does not
// match the bound model.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: model expects %d, got %d", e.Expected, e.Actual)
}

// Metadata describes the bound model.
type Metadata struct {
	Type        Type
	Dimension   int
	MaxSeqLen   int
	Name        string
	Description string
}

// Defaults fills derivable fields: a known type's dimension and name.
func (m Metadata) Defaults() Metadata {
	if d := m.Type.Dimension(); d != 0 {
		m.Dimension = d
	}
	if m.Name == "" {
		m.Name = m.Type.String()
	}
	return m
}

// Validate checks the metadata itself.
func (m Metadata) Validate() error {
	if m.Type == TypeUnset {
		return ErrNoModel
	}
	if d := m.Type.Dimension(); d != 0 && m.Dimension != d {
		return &ErrDimensionMismatch{Expected: d, Actual: m.Dimension}
	}
	if m.Dimension <= 0 || m.Dimension > layout.MaxDimension {
		return fmt.Errorf("model dimension %d: must be in [1,%d]", m.Dimension, layout.MaxDimension)
	}
	return nil
}

// Registry holds the volume's model binding.
type Registry struct {
	mu    sync.RWMutex
	meta  Metadata
	bound bool
}

// NewRegistry creates an unbound registry.
func NewRegistry() *Registry { return &Registry{} }

// Set binds the model. Rebinding with identical metadata is a no-op;
// rebinding with different metadata fails.
func (r *Registry) Set(m Metadata) error {
	m = m.Defaults()
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound {
		if r.meta == m {
			return nil
		}
		return fmt.Errorf("%w: %s (%d dims)", ErrModelBound, r.meta.Type, r.meta.Dimension)
	}
	r.meta = m
	r.bound = true
	return nil
}

// Rebind replaces the binding unconditionally. The engine only calls this
// while the volume holds no vectors.
func (r *Registry) Rebind(m Metadata) error {
	m = m.Defaults()
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta = m
	r.bound = true
	return nil
}

// Get returns the bound metadata.
func (r *Registry) Get() (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta, r.bound
}

// Validate checks a vector's dimensionality against the bound model.
func (r *Registry) Validate(dim int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.bound {
		return ErrNoModel
	}
	if dim != r.meta.Dimension {
		return &ErrDimensionMismatch{Expected: r.meta.Dimension, Actual: dim}
	}
	return nil
}
