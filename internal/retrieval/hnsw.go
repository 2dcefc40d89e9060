package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/hnsw"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/vec"
)

const (
	hnswM        = 16
	hnswEfSearch = 48
	hnswMl       = 0.25
)

// HNSWSearcher keeps an in-memory approximate-nearest-neighbor graph over
// the catalog. The graph is derived data: it is rebuilt from the store at
// startup and again after every catalog re-embed, so it is never persisted.
//
// Department filtering happens after the graph search; the searcher
// oversamples and widens until enough filtered hits remain or the whole
// graph has been considered.
type HNSWSearcher struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	dim     int
	idMap   map[string]uint64
	keyMap  map[uint64]string
	depts   map[uint64]string
	nextKey uint64
}

var _ Searcher = (*HNSWSearcher)(nil)

// NewHNSWSearcher builds an empty graph for vectors of the given dimension.
func NewHNSWSearcher(dim int) *HNSWSearcher {
	s := &HNSWSearcher{dim: dim}
	s.resetLocked()
	return s
}

func (s *HNSWSearcher) resetLocked() {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = hnswM
	graph.EfSearch = hnswEfSearch
	graph.Ml = hnswMl

	s.graph = graph
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.depts = make(map[uint64]string)
	s.nextKey = 0
}

// Upsert adds or replaces one item. Replacement is lazy: the old graph node
// is orphaned rather than deleted, because coder/hnsw misbehaves when the
// last node is removed.
func (s *HNSWSearcher) Upsert(itemID, department string, v []float32) error {
	if len(v) != s.dim {
		return errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("vector for %s has %d components, index expects %d", itemID, len(v), s.dim), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if oldKey, ok := s.idMap[itemID]; ok {
		delete(s.keyMap, oldKey)
		delete(s.depts, oldKey)
		delete(s.idMap, itemID)
	}

	key := s.nextKey
	s.nextKey++

	node := hnsw.MakeNode(key, v)
	s.graph.Add(node)
	s.idMap[itemID] = key
	s.keyMap[key] = itemID
	s.depts[key] = department
	return nil
}

// Remove orphans an item's graph node.
func (s *HNSWSearcher) Remove(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.idMap[itemID]; ok {
		delete(s.keyMap, key)
		delete(s.depts, key)
		delete(s.idMap, itemID)
	}
}

// Len reports the number of live items.
func (s *HNSWSearcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Rebuild replaces the whole graph from catalog rows. Returns the number
// of indexed items.
func (s *HNSWSearcher) Rebuild(ctx context.Context, store *catalog.Store) (int, error) {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = hnswM
	graph.EfSearch = hnswEfSearch
	graph.Ml = hnswMl

	idMap := make(map[string]uint64)
	keyMap := make(map[uint64]string)
	depts := make(map[uint64]string)
	var nextKey uint64

	err := store.Iterate(ctx, "", func(p *catalog.Product) error {
		if p.Vector == nil || len(p.Vector) != s.dim {
			return nil
		}
		key := nextKey
		nextKey++
		graph.Add(hnsw.MakeNode(key, p.Vector))
		idMap[p.ItemID] = key
		keyMap[key] = p.ItemID
		depts[key] = p.Department
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = graph
	s.idMap = idMap
	s.keyMap = keyMap
	s.depts = depts
	s.nextKey = nextKey
	return len(idMap), nil
}

// Search implements Searcher. Similarities are recomputed as exact dot
// products over the stored vectors, so scores do not depend on the graph
// library's distance convention.
func (s *HNSWSearcher) Search(ctx context.Context, query []float32, department string, limit int, minSim float64) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("query has %d components, index expects %d", len(query), s.dim), nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.graph.Len()
	if total == 0 {
		return nil, nil
	}

	filtered := department != "" && department != catalog.DepartmentAll

	k := limit
	if filtered {
		k = limit * 4
	}

	for {
		if k > total {
			k = total
		}

		nodes := s.graph.Search(query, k)

		cands := make([]Candidate, 0, len(nodes))
		for _, node := range nodes {
			itemID, ok := s.keyMap[node.Key]
			if !ok {
				continue // orphaned by lazy delete
			}
			if filtered && s.depts[node.Key] != department {
				continue
			}
			sim := vec.Dot(query, node.Value)
			if sim < minSim {
				continue
			}
			cands = append(cands, Candidate{ItemID: itemID, Similarity: sim})
		}

		if len(cands) >= limit || k >= total {
			sortCandidates(cands)
			if len(cands) > limit {
				cands = cands[:limit]
			}
			return cands, nil
		}
		k *= 2
	}
}
