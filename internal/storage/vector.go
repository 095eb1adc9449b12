// Package storage provides the adapters for the three external stores:
// Qdrant for vectors, Neo4j for the knowledge graph and Postgres for
// relational metadata. Each adapter exposes only the write/query contract
// the core consumes; storage internals stay behind the client libraries.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"

	"github.com/bull/knograph/internal/knowledge"
)

// EmbeddingCollection is the single Qdrant collection for all embeddings.
const EmbeddingCollection = "embeddings"

// SimilarHit is one vector similarity result. Score semantics are
// store-local (cosine similarity).
type SimilarHit struct {
	OwnerKey    string
	DocumentKey string
	Score       float64
	Modality    knowledge.Modality
}

// VectorStorage wraps the Qdrant client with connection management and
// health checks.
type VectorStorage struct {
	client    *qdrant.Client
	dimension int
}

// NewVectorStorage creates a Qdrant client and validates connectivity.
// It performs a health check with retry on startup and fails fast if the
// server is unreachable.
func NewVectorStorage(host string, port int, dimension int) (*VectorStorage, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &VectorStorage{client: client, dimension: dimension}

	if err := s.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	return s, nil
}

// healthCheckWithRetry performs a health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *VectorStorage) healthCheckWithRetry(ctx context.Context) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, exponentialBackoff)
}

// Health performs a single health check against Qdrant.
func (s *VectorStorage) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the embeddings collection with the configured
// vector dimension (cosine distance) and payload indexes. Idempotent.
func (s *VectorStorage) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collections {
		if name == EmbeddingCollection {
			return nil
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: EmbeddingCollection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			"content": {
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return s.createPayloadIndexes(ctx)
}

// createPayloadIndexes creates indexes for all filterable fields.
// Without these, payload filtering degrades badly at scale.
func (s *VectorStorage) createPayloadIndexes(ctx context.Context) error {
	fields := []string{
		"document_key", // Dedup key for cross-store merge
		"kind",         // chunk vs document embedding
		"modality",     // Content modality filter
		"model",        // Re-embedding invalidation
	}

	for _, field := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: EmbeddingCollection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	return nil
}

// ClearCollection deletes all points and recreates the collection.
func (s *VectorStorage) ClearCollection(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, EmbeddingCollection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return s.EnsureCollection(ctx)
}

// Close closes the Qdrant client connection.
func (s *VectorStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// upsertWithRetry performs an upsert with exponential backoff retry.
func (s *VectorStorage) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: EmbeddingCollection,
			Points:         points,
		})
		return err
	}, backoff.WithContext(exponentialBackoff, ctx))
}

// UpsertEmbeddings stores embeddings keyed by owner ID, so re-running
// persistence for the same objects overwrites instead of duplicating.
// Points are batched in groups of 100.
func (s *VectorStorage) UpsertEmbeddings(ctx context.Context, embeddings []*knowledge.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	for i, emb := range embeddings {
		if len(emb.Vector) != s.dimension {
			return fmt.Errorf("%w: embedding %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(emb.Vector), s.dimension)
		}
	}

	batchSize := 100
	for i := 0; i < len(embeddings); i += batchSize {
		end := min(i+batchSize, len(embeddings))
		batch := embeddings[i:end]
		points := make([]*qdrant.PointStruct, len(batch))

		for j, emb := range batch {
			points[j] = &qdrant.PointStruct{
				Id: qdrant.NewIDUUID(emb.OwnerID),
				Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
					"content": qdrant.NewVector(emb.Vector...),
				}),
				Payload: qdrant.NewValueMap(map[string]any{
					"document_key":  emb.DocumentID,
					"kind":          string(emb.Kind),
					"modality":      string(emb.Modality),
					"model":         emb.Model,
					"model_version": emb.ModelVersion,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	return nil
}

// QuerySimilar performs vector similarity search, optionally restricted
// to a modality. Results come back ordered by score descending.
func (s *VectorStorage) QuerySimilar(ctx context.Context, vector []float32, topK int, modality knowledge.Modality) ([]SimilarHit, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), s.dimension)
	}

	var must []*qdrant.Condition
	if modality != "" {
		must = append(must, qdrant.NewMatch("modality", string(modality)))
	}
	var filter *qdrant.Filter
	if len(must) > 0 {
		filter = &qdrant.Filter{Must: must}
	}

	vectorName := "content"
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: EmbeddingCollection,
		Query:          qdrant.NewQuery(vector...),
		Using:          &vectorName,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query similar: %w", err)
	}

	hits := make([]SimilarHit, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		hits = append(hits, SimilarHit{
			OwnerKey:    result.Id.GetUuid(),
			DocumentKey: payload["document_key"].GetStringValue(),
			Score:       float64(result.Score),
			Modality:    knowledge.Modality(payload["modality"].GetStringValue()),
		})
	}
	return hits, nil
}

// CountPoints returns the number of stored embeddings, used to verify
// idempotent writes.
func (s *VectorStorage) CountPoints(ctx context.Context) (uint64, error) {
	collection, err := s.client.GetCollectionInfo(ctx, EmbeddingCollection)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection: %w", err)
	}
	return collection.GetPointsCount(), nil
}
