package builder

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/knograph/internal/extraction"
	"github.com/bull/knograph/internal/knowledge"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuild_ChairScenario(t *testing.T) {
	b := New(quiet())
	b.Add("chunk-1",
		[]extraction.RawEntity{
			{Name: "Martin Smith", Type: knowledge.TypePerson, Description: "Chair of the Central Institution"},
			{Name: "Central Institution", Type: knowledge.TypeOrganization, Description: "An institution"},
		},
		[]extraction.RawTriple{
			{Source: "Martin Smith", Target: "Central Institution", Description: "Chair of", Strength: 9.0},
		},
	)

	entities, triples := b.Result()
	require.Len(t, entities, 2)
	assert.Equal(t, "CENTRAL INSTITUTION", entities[0].Name)
	assert.Equal(t, knowledge.TypeOrganization, entities[0].Type)
	assert.Equal(t, "MARTIN SMITH", entities[1].Name)
	assert.Equal(t, knowledge.TypePerson, entities[1].Type)
	assert.Equal(t, "Martin Smith", entities[1].DisplayName)

	require.Len(t, triples, 1)
	assert.Equal(t, "MARTIN SMITH|PERSON", triples[0].SourceKey)
	assert.Equal(t, "CENTRAL INSTITUTION|ORGANIZATION", triples[0].TargetKey)
	assert.Equal(t, 9.0, triples[0].Strength)
}

func TestBuild_MergesByCanonicalIdentity(t *testing.T) {
	b := New(quiet())
	b.Add("chunk-1", []extraction.RawEntity{
		{Name: "acme corp", Type: knowledge.TypeOrganization, Description: "A company"},
	}, nil)
	b.Add("chunk-2", []extraction.RawEntity{
		{Name: "ACME   Corp", Type: knowledge.TypeOrganization, Description: "Maker of widgets"},
	}, nil)
	b.Add("chunk-3", []extraction.RawEntity{
		{Name: "Acme Corp", Type: knowledge.TypeOrganization, Description: "A company"}, // duplicate description
	}, nil)

	entities, _ := b.Result()
	require.Len(t, entities, 1, "same canonical identity must merge, not duplicate")

	e := entities[0]
	assert.Equal(t, "ACME CORP", e.Name)
	assert.Equal(t, "A company; Maker of widgets", e.Description)
	assert.ElementsMatch(t, []string{"chunk-1", "chunk-2", "chunk-3"}, e.SourceChunkIDs)
}

func TestBuild_SameNameDifferentTypeStaysDistinct(t *testing.T) {
	b := New(quiet())
	b.Add("chunk-1", []extraction.RawEntity{
		{Name: "Apple", Type: knowledge.TypeOrganization},
		{Name: "Apple", Type: knowledge.TypeConcept},
	}, nil)

	entities, _ := b.Result()
	assert.Len(t, entities, 2, "identity is (name, type), not name alone")
}

func TestBuild_DanglingReferenceDropped(t *testing.T) {
	b := New(quiet())
	b.Add("chunk-1",
		[]extraction.RawEntity{
			{Name: "Alice", Type: knowledge.TypePerson},
		},
		[]extraction.RawTriple{
			{Source: "Alice", Target: "Nowhere Labs", Description: "works at", Strength: 7},
			{Source: "Ghost", Target: "Alice", Description: "haunts", Strength: 3},
		},
	)

	_, triples := b.Result()
	assert.Empty(t, triples)

	dropped := b.Dropped()
	require.Len(t, dropped, 2)
	for _, d := range dropped {
		assert.ErrorIs(t, d.Reason, ErrDanglingReference)
	}
}

func TestBuild_StrengthRange(t *testing.T) {
	entities := []extraction.RawEntity{
		{Name: "A", Type: knowledge.TypeConcept},
		{Name: "B", Type: knowledge.TypeConcept},
	}

	for _, strength := range []float64{1.0, 2.5, 10.0} {
		b := New(quiet())
		b.Add("c1", entities, []extraction.RawTriple{
			{Source: "A", Target: "B", Description: "related", Strength: strength},
		})
		_, triples := b.Result()
		assert.Len(t, triples, 1, "strength %v should be accepted", strength)
	}

	for _, strength := range []float64{0.5, 10.5, -1} {
		b := New(quiet())
		b.Add("c1", entities, []extraction.RawTriple{
			{Source: "A", Target: "B", Description: "related", Strength: strength},
		})
		_, triples := b.Result()
		assert.Empty(t, triples, "strength %v should be rejected", strength)
		require.Len(t, b.Dropped(), 1)
		assert.ErrorIs(t, b.Dropped()[0].Reason, knowledge.ErrInvalidStrength)
	}
}

func TestBuild_SelfLoopAllowedWhenExtracted(t *testing.T) {
	b := New(quiet())
	b.Add("chunk-1",
		[]extraction.RawEntity{{Name: "Recursion", Type: knowledge.TypeConcept}},
		[]extraction.RawTriple{{Source: "Recursion", Target: "Recursion", Description: "defines", Strength: 8}},
	)

	_, triples := b.Result()
	require.Len(t, triples, 1)
	assert.Equal(t, triples[0].SourceKey, triples[0].TargetKey)
}

func TestBuild_CrossChunkResolution(t *testing.T) {
	// A triple in chunk 1 may reference an entity only extracted in chunk 2.
	b := New(quiet())
	b.Add("chunk-1",
		[]extraction.RawEntity{{Name: "Alice", Type: knowledge.TypePerson}},
		[]extraction.RawTriple{{Source: "Alice", Target: "Acme", Description: "works at", Strength: 6}},
	)
	b.Add("chunk-2",
		[]extraction.RawEntity{{Name: "Acme", Type: knowledge.TypeOrganization}},
		nil,
	)

	_, triples := b.Result()
	require.Len(t, triples, 1)
	assert.Equal(t, "ACME|ORGANIZATION", triples[0].TargetKey)
}
