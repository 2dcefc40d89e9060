package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/errors"
)

func TestHNSWSearcher_UpsertAndSearch(t *testing.T) {
	// Given: a small graph
	s := NewHNSWSearcher(testDim)
	require.NoError(t, s.Upsert("near", "tools", vecAt(0.95)))
	require.NoError(t, s.Upsert("far", "tools", vecAt(0.20)))
	require.NoError(t, s.Upsert("mid", "tools", vecAt(0.60)))

	// When: searching for the two nearest
	cands, err := s.Search(context.Background(), testQuery(), "", 2, 0.0)
	require.NoError(t, err)

	// Then: ranking follows similarity
	require.Len(t, cands, 2)
	assert.Equal(t, "near", cands[0].ItemID)
	assert.Equal(t, "mid", cands[1].ItemID)
	assert.InDelta(t, 0.95, cands[0].Similarity, 1e-5)
}

func TestHNSWSearcher_DepartmentFilterOversamples(t *testing.T) {
	// Given: the wanted department holds the weakest matches
	s := NewHNSWSearcher(testDim)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("strong-%02d", i)
		require.NoError(t, s.Upsert(id, "МЕБЕЛЬ", vecAt(0.9-float64(i)*0.01)))
	}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("weak-%02d", i)
		require.NoError(t, s.Upsert(id, "ИНСТРУМЕНТЫ", vecAt(0.4-float64(i)*0.01)))
	}

	// When: searching the weak department
	cands, err := s.Search(context.Background(), testQuery(), "ИНСТРУМЕНТЫ", 3, 0.0)
	require.NoError(t, err)

	// Then: only that department's items come back despite stronger
	// neighbors elsewhere in the graph
	require.Len(t, cands, 3)
	for _, c := range cands {
		assert.Contains(t, c.ItemID, "weak-")
	}
	assert.Equal(t, "weak-00", cands[0].ItemID)
}

func TestHNSWSearcher_RemoveOrphansNode(t *testing.T) {
	// Given: two items
	s := NewHNSWSearcher(testDim)
	require.NoError(t, s.Upsert("stay", "tools", vecAt(0.8)))
	require.NoError(t, s.Upsert("gone", "tools", vecAt(0.9)))
	require.Equal(t, 2, s.Len())

	// When: one is removed
	s.Remove("gone")

	// Then: it no longer surfaces even though its node is still in the graph
	assert.Equal(t, 1, s.Len())
	cands, err := s.Search(context.Background(), testQuery(), "", 5, 0.0)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "stay", cands[0].ItemID)
}

func TestHNSWSearcher_UpsertReplacesVector(t *testing.T) {
	// Given: an item embedded once
	s := NewHNSWSearcher(testDim)
	require.NoError(t, s.Upsert("item", "tools", vecAt(0.2)))

	// When: the same id is upserted with a new vector
	require.NoError(t, s.Upsert("item", "tools", vecAt(0.9)))

	// Then: the new vector wins and the item is not duplicated
	assert.Equal(t, 1, s.Len())
	cands, err := s.Search(context.Background(), testQuery(), "", 5, 0.0)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.InDelta(t, 0.9, cands[0].Similarity, 1e-5)
}

func TestHNSWSearcher_RebuildFromCatalog(t *testing.T) {
	// Given: a seeded catalog, including one row without a vector
	store := seedCatalog(t, []seedItem{
		{"a", "tools", 0.9},
		{"b", "garden", 0.5},
	})
	s := NewHNSWSearcher(testDim)

	// When: rebuilding the graph
	n, err := s.Rebuild(context.Background(), store)
	require.NoError(t, err)

	// Then: every embedded row is indexed and searchable
	assert.Equal(t, 2, n)
	cands, err := s.Search(context.Background(), testQuery(), "garden", 5, 0.0)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "b", cands[0].ItemID)
}

func TestHNSWSearcher_DimensionMismatch(t *testing.T) {
	s := NewHNSWSearcher(testDim)

	err := s.Upsert("item", "tools", []float32{1, 0})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = s.Search(context.Background(), []float32{1, 0}, "", 5, 0.0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestHNSWSearcher_EmptyGraph(t *testing.T) {
	s := NewHNSWSearcher(testDim)
	cands, err := s.Search(context.Background(), testQuery(), "", 5, 0.0)
	require.NoError(t, err)
	assert.Empty(t, cands)
}
