package retrieval

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"fotopoisk/internal/catalog"
)

const testDim = 4

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testQuery is the fixed unit query used across retrieval tests.
func testQuery() []float32 {
	return []float32{1, 0, 0, 0}
}

// vecAt builds a unit vector whose dot product with testQuery equals sim.
func vecAt(sim float64) []float32 {
	rest := math.Sqrt(1 - sim*sim)
	return []float32{float32(sim), float32(rest), 0, 0}
}

// seedItem describes one catalog row for seeding.
type seedItem struct {
	id   string
	dept string
	sim  float64
}

// seedCatalog fills an in-memory store with items at controlled
// similarities to testQuery.
func seedCatalog(t *testing.T, items []seedItem) *catalog.Store {
	t.Helper()
	store, err := catalog.NewStore("", testDim, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var batch []*catalog.Product
	for _, it := range items {
		batch = append(batch, &catalog.Product{
			ItemID:       it.id,
			URL:          "https://shop.example/" + it.id,
			Picture:      "https://img.example/" + it.id + ".jpg",
			Name:         "товар " + it.id,
			Department:   it.dept,
			Vector:       vecAt(it.sim),
			ModelVersion: "v1",
		})
	}
	require.NoError(t, store.UpsertBatch(context.Background(), batch))
	return store
}
