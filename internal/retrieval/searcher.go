// Package retrieval ranks catalog items against a query vector. The engine
// owns the threshold-escalation and stability logic; the Searcher interface
// hides how candidates are produced, so a linear scan and an ANN graph are
// interchangeable at construction time.
package retrieval

import (
	"context"
	"sort"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/vec"
)

// Candidate is one scored catalog item before enrichment.
type Candidate struct {
	ItemID     string
	Similarity float64
}

// Searcher returns up to limit candidates with similarity >= minSim,
// sorted by descending similarity with ties broken by ascending item id.
// Vectors on both sides are unit norm, so similarity is the dot product.
type Searcher interface {
	Search(ctx context.Context, query []float32, department string, limit int, minSim float64) ([]Candidate, error)
}

// sortCandidates orders by (-similarity, item_id).
func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Similarity != cands[j].Similarity {
			return cands[i].Similarity > cands[j].Similarity
		}
		return cands[i].ItemID < cands[j].ItemID
	})
}

// ScanSearcher scores every catalog row in one streaming pass. It is exact
// and needs no warm-up, which keeps it the default for catalogs that fit
// comfortably in one table scan.
type ScanSearcher struct {
	store *catalog.Store
}

var _ Searcher = (*ScanSearcher)(nil)

// NewScanSearcher builds a searcher over the catalog store.
func NewScanSearcher(store *catalog.Store) *ScanSearcher {
	return &ScanSearcher{store: store}
}

// Search implements Searcher by streaming rows from the store.
func (s *ScanSearcher) Search(ctx context.Context, query []float32, department string, limit int, minSim float64) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	var cands []Candidate
	err := s.store.Iterate(ctx, department, func(p *catalog.Product) error {
		if p.Vector == nil || len(p.Vector) != len(query) {
			return nil
		}
		sim := vec.Dot(query, p.Vector)
		if sim < minSim {
			return nil
		}
		cands = append(cands, Candidate{ItemID: p.ItemID, Similarity: sim})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortCandidates(cands)
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}
