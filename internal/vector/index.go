// Package vector provides the in-process approximate nearest-neighbor index
// used when the live backend has no native vector search. It is a flat
// cosine index: exact brute-force scan with the same ranking semantics the
// contract requires, which keeps it substitutable for a graph-based index at
// the dataset sizes Typedex targets.
package vector

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/scrypster/typedex/internal/storage"
)

// node is one live slot: an entity and its normalized vector. A nil node is
// a tombstone left behind by replace.
type node struct {
	entityID string
	vector   []float32
}

// Index is a flat cosine-distance index. Slots are allocated from a free
// list so tombstoned slots are reused; replacement is tombstone-and-reinsert,
// which guarantees a replaced vector is never returned from search. A single
// mutex serializes mutations; searches take the read side.
type Index struct {
	mu        sync.RWMutex
	dimension int
	capacity  int
	nodes     []*node
	freeList  []uint32
	slots     map[string]uint32 // entityID -> live slot
	live      int
}

// New creates an index for vectors of the given dimension holding at most
// capacity elements.
func New(dimension, capacity int) (*Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", storage.ErrInvalidInput, dimension)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", storage.ErrInvalidInput, capacity)
	}
	return &Index{
		dimension: dimension,
		capacity:  capacity,
		slots:     map[string]uint32{},
	}, nil
}

// Dimension returns the configured vector dimension.
func (x *Index) Dimension() int {
	return x.dimension
}

// Len returns the number of live vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.live
}

// Slot returns the live slot number for an entity, if any. The index is the
// sole owner of the entity-to-slot mapping; callers query it through here.
func (x *Index) Slot(entityID string) (uint32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	slot, ok := x.slots[entityID]
	return slot, ok
}

// Add inserts the vector for an entity and returns the allocated slot. If
// the entity already has a slot, the old slot is tombstoned and released
// before the new insert, so a replaced vector can never surface in search
// results. Fails with ErrDimensionMismatch for a wrong-length vector and
// ErrCapacityExceeded when the index is full.
func (x *Index) Add(entityID string, vec []float32) (uint32, error) {
	if entityID == "" {
		return 0, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if len(vec) != x.dimension {
		return 0, fmt.Errorf("%w: got %d, index dimension is %d",
			storage.ErrDimensionMismatch, len(vec), x.dimension)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.slots[entityID]; ok {
		x.nodes[old] = nil
		x.freeList = append(x.freeList, old)
		delete(x.slots, entityID)
		x.live--
	}

	if x.live >= x.capacity {
		return 0, fmt.Errorf("%w: index holds %d of %d elements",
			storage.ErrCapacityExceeded, x.live, x.capacity)
	}

	n := &node{entityID: entityID, vector: normalize(vec)}

	var slot uint32
	if len(x.freeList) > 0 {
		slot = x.freeList[len(x.freeList)-1]
		x.freeList = x.freeList[:len(x.freeList)-1]
		x.nodes[slot] = n
	} else {
		slot = uint32(len(x.nodes))
		x.nodes = append(x.nodes, n)
	}

	x.slots[entityID] = slot
	x.live++
	return slot, nil
}

// Search returns up to k nearest neighbors of query by cosine distance,
// sorted by descending similarity with entity ID ascending on ties. An empty
// index or k <= 0 yields an empty slice.
func (x *Index) Search(query []float32, k int) ([]storage.Neighbor, error) {
	if len(query) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, index dimension is %d",
			storage.ErrDimensionMismatch, len(query), x.dimension)
	}
	if k <= 0 {
		return []storage.Neighbor{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	q := normalize(query)

	results := make([]storage.Neighbor, 0, x.live)
	for _, n := range x.nodes {
		if n == nil {
			continue // tombstone
		}
		sim := dot(q, n.vector)
		results = append(results, storage.Neighbor{
			EntityID:   n.entityID,
			Similarity: sim,
			Distance:   1 - sim,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].EntityID < results[j].EntityID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// normalize returns the L2-normalized copy of v. A zero vector is returned
// unchanged; its similarity to everything is 0.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return append([]float32(nil), v...)
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}

// dot computes the inner product of two normalized vectors, which equals
// their cosine similarity.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
