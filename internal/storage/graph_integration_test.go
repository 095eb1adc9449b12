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

// setupGraphStorage connects to a local Neo4j instance. Skips the test
// if Neo4j is not running.
func setupGraphStorage(t *testing.T) *GraphStorage {
	storage, err := NewGraphStorage(context.Background(), "neo4j://localhost:7687", "neo4j", "password")
	if err != nil {
		t.Skipf("Neo4j not available: %v", err)
	}
	return storage
}

func TestEntityUpsertIsIdempotent(t *testing.T) {
	storage := setupGraphStorage(t)
	ctx := context.Background()
	defer storage.Close(ctx)

	docKey := uuid.New().String()
	entity := &knowledge.Entity{
		Name:           "MARTIN SMITH",
		DisplayName:    "Martin Smith",
		Type:           knowledge.TypePerson,
		Description:    "Chair of the Central Institution",
		SourceChunkIDs: []string{"chunk-1"},
	}
	other := &knowledge.Entity{
		Name:        "CENTRAL INSTITUTION",
		DisplayName: "Central Institution",
		Type:        knowledge.TypeOrganization,
	}
	triple := &knowledge.Triple{
		SourceKey:   entity.Key(),
		TargetKey:   other.Key(),
		Description: "Chair of",
		Strength:    9.0,
		ChunkID:     "chunk-1",
	}

	require.NoError(t, storage.UpsertEntity(ctx, entity, docKey))
	require.NoError(t, storage.UpsertEntity(ctx, other, docKey))
	require.NoError(t, storage.UpsertTriple(ctx, triple))

	entitiesBefore, err := storage.CountEntities(ctx)
	require.NoError(t, err)
	triplesBefore, err := storage.CountTriples(ctx)
	require.NoError(t, err)

	// Persisting the same objects again must not create duplicates.
	require.NoError(t, storage.UpsertEntity(ctx, entity, docKey))
	require.NoError(t, storage.UpsertEntity(ctx, other, docKey))
	require.NoError(t, storage.UpsertTriple(ctx, triple))

	entitiesAfter, err := storage.CountEntities(ctx)
	require.NoError(t, err)
	triplesAfter, err := storage.CountTriples(ctx)
	require.NoError(t, err)

	assert.Equal(t, entitiesBefore, entitiesAfter)
	assert.Equal(t, triplesBefore, triplesAfter)
}

func TestQueryGraphByTypeAndStrength(t *testing.T) {
	storage := setupGraphStorage(t)
	ctx := context.Background()
	defer storage.Close(ctx)

	docKey := uuid.New().String()
	person := &knowledge.Entity{Name: "ALICE QUERY", DisplayName: "Alice Query", Type: knowledge.TypePerson}
	org := &knowledge.Entity{Name: "QUERY LABS", DisplayName: "Query Labs", Type: knowledge.TypeOrganization}

	require.NoError(t, storage.UpsertEntity(ctx, person, docKey))
	require.NoError(t, storage.UpsertEntity(ctx, org, docKey))
	require.NoError(t, storage.UpsertTriple(ctx, &knowledge.Triple{
		SourceKey:   person.Key(),
		TargetKey:   org.Key(),
		Description: "works at",
		Strength:    8.5,
	}))

	hits, err := storage.QueryGraph(ctx, GraphFilter{
		EntityType:  knowledge.TypePerson,
		MinStrength: 8.0,
		Limit:       50,
	})
	require.NoError(t, err)

	var found bool
	for _, hit := range hits {
		if hit.EntityKey == person.Key() {
			found = true
			assert.GreaterOrEqual(t, hit.Score, 8.0)
			assert.Contains(t, hit.DocumentKeys, docKey)
		}
	}
	assert.True(t, found)
}

func TestUpsertTripleMissingEndpoint(t *testing.T) {
	storage := setupGraphStorage(t)
	ctx := context.Background()
	defer storage.Close(ctx)

	err := storage.UpsertTriple(ctx, &knowledge.Triple{
		SourceKey:   "NO SUCH ENTITY|PERSON",
		TargetKey:   "ALSO MISSING|ORGANIZATION",
		Description: "unknown",
		Strength:    5,
	})
	assert.Error(t, err)
}
