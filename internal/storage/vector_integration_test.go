//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/knograph/internal/knowledge"
)

const testDimension = 1024

// setupVectorStorage connects to a local Qdrant and ensures the
// collection exists. Skips the test if Qdrant is not running.
func setupVectorStorage(t *testing.T) *VectorStorage {
	storage, err := NewVectorStorage("localhost", 6334, testDimension)
	if err != nil {
		t.Skipf("Qdrant not available: %v", err)
	}
	require.NoError(t, storage.EnsureCollection(context.Background()))
	return storage
}

func testVector(fill float32) []float32 {
	v := make([]float32, testDimension)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestEmbeddingUpsertAndQuery(t *testing.T) {
	storage := setupVectorStorage(t)
	defer storage.Close()

	ctx := context.Background()
	docKey := uuid.New().String()
	ownerID := uuid.New().String()

	emb := &knowledge.Embedding{
		OwnerID:      ownerID,
		DocumentID:   docKey,
		Kind:         knowledge.EmbeddingChunk,
		Vector:       testVector(0.1),
		Model:        "text-embedding-3-small",
		ModelVersion: "1",
		Modality:     knowledge.ModalityText,
	}

	require.NoError(t, storage.UpsertEmbeddings(ctx, []*knowledge.Embedding{emb}))

	hits, err := storage.QuerySimilar(ctx, testVector(0.1), 10, knowledge.ModalityText)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	var found bool
	for _, hit := range hits {
		if hit.OwnerKey == ownerID {
			found = true
			assert.Equal(t, docKey, hit.DocumentKey)
			assert.Greater(t, hit.Score, 0.0)
		}
	}
	assert.True(t, found, "upserted embedding should be retrievable by similarity")
}

func TestEmbeddingUpsertIsIdempotent(t *testing.T) {
	storage := setupVectorStorage(t)
	defer storage.Close()

	ctx := context.Background()
	emb := &knowledge.Embedding{
		OwnerID:    uuid.New().String(),
		DocumentID: uuid.New().String(),
		Kind:       knowledge.EmbeddingChunk,
		Vector:     testVector(0.3),
		Modality:   knowledge.ModalityText,
	}

	require.NoError(t, storage.UpsertEmbeddings(ctx, []*knowledge.Embedding{emb}))
	before, err := storage.CountPoints(ctx)
	require.NoError(t, err)

	// Re-running the same write must not create a second point.
	require.NoError(t, storage.UpsertEmbeddings(ctx, []*knowledge.Embedding{emb}))
	after, err := storage.CountPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDimensionValidation(t *testing.T) {
	storage := setupVectorStorage(t)
	defer storage.Close()

	ctx := context.Background()

	wrong := &knowledge.Embedding{
		OwnerID:    uuid.New().String(),
		DocumentID: uuid.New().String(),
		Kind:       knowledge.EmbeddingChunk,
		Vector:     make([]float32, 512),
	}
	err := storage.UpsertEmbeddings(ctx, []*knowledge.Embedding{wrong})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = storage.QuerySimilar(ctx, make([]float32, 512), 10, "")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
