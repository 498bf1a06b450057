// Package candidate provides the traversal scratch structures shared by the
// ANN indexes: value-based binary heaps over (id, distance) pairs and a
// visited set with O(dirty) reset.
//
// Heap ordering breaks distance ties on the lower id so that search results
// are deterministic for equal scores.
package candidate

import "sync"

// Item is one queue entry.
type Item struct {
	ID       uint64
	Distance float32
}

// Queue is a value-based binary heap of Items. Min or max ordering is fixed
// at construction.
type Queue struct {
	max   bool
	items []Item
}

// NewMin returns a min-heap (closest on top).
func NewMin(capacity int) *Queue {
	return &Queue{items: make([]Item, 0, capacity)}
}

// NewMax returns a max-heap (farthest on top).
func NewMax(capacity int) *Queue {
	return &Queue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Reset empties the queue, keeping capacity.
func (q *Queue) Reset() { q.items = q.items[:0] }

// Top returns the root item without removing it.
func (q *Queue) Top() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Push inserts an item.
func (q *Queue) Push(it Item) {
	q.items = append(q.items, it)
	q.up(len(q.items) - 1)
}

// Pop removes and returns the root item.
func (q *Queue) Pop() (Item, bool) {
	n := len(q.items)
	if n == 0 {
		return Item{}, false
	}
	root := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.down(0)
	}
	return root, true
}

// Min returns the smallest item in the queue. O(1) for min-heaps, O(n) scan
// for max-heaps.
func (q *Queue) Min() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	if !q.max {
		return q.items[0], true
	}
	best := q.items[0]
	for _, it := range q.items[1:] {
		if less(it, best) {
			best = it
		}
	}
	return best, true
}

// before reports whether i should sit above j in this heap's ordering.
func (q *Queue) before(i, j int) bool {
	if q.max {
		return less(q.items[j], q.items[i])
	}
	return less(q.items[i], q.items[j])
}

// less is the total order: by distance, then by id.
func less(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

func (q *Queue) up(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.before(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue) down(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.before(r, l) {
			best = r
		}
		if !q.before(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}

// Drain pops every item into a slice ordered root-first.
func (q *Queue) Drain() []Item {
	out := make([]Item, 0, len(q.items))
	for {
		it, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, it)
	}
}

// Visited tracks visited ids with a bitset plus a dirty list so Reset costs
// O(visited this session) instead of O(capacity).
type Visited struct {
	bits  []uint64
	dirty []uint64
}

// NewVisited creates a visited set sized for capacity ids.
func NewVisited(capacity int) *Visited {
	return &Visited{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint64, 0, 128),
	}
}

// Visit marks id visited.
func (v *Visited) Visit(id uint64) {
	w := int(id >> 6)
	if w >= len(v.bits) {
		grown := make([]uint64, max(w+1, len(v.bits)*2))
		copy(grown, v.bits)
		v.bits = grown
	}
	mask := uint64(1) << (id & 63)
	if v.bits[w]&mask == 0 {
		v.bits[w] |= mask
		v.dirty = append(v.dirty, id)
	}
}

// Seen reports whether id has been visited.
func (v *Visited) Seen(id uint64) bool {
	w := int(id >> 6)
	if w >= len(v.bits) {
		return false
	}
	return v.bits[w]&(uint64(1)<<(id&63)) != 0
}

// Reset clears only the bits dirtied since the last reset.
func (v *Visited) Reset() {
	for _, id := range v.dirty {
		v.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	v.dirty = v.dirty[:0]
}

// Pools for traversal scratch space.

// NewQueuePool returns a sync.Pool of queues with the given ordering.
func NewQueuePool(maxHeap bool, capacity int) *sync.Pool {
	return &sync.Pool{New: func() any {
		if maxHeap {
			return NewMax(capacity)
		}
		return NewMin(capacity)
	}}
}

// NewVisitedPool returns a sync.Pool of visited sets.
func NewVisitedPool(capacity int) *sync.Pool {
	return &sync.Pool{New: func() any { return NewVisited(capacity) }}
}
