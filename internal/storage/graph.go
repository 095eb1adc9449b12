package storage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/bull/knograph/internal/knowledge"
)

// GraphFilter selects entities and relationships from the graph store.
type GraphFilter struct {
	EntityType  knowledge.EntityType // Empty means any type
	MinStrength float64              // 0 means no threshold
	Depth       int                  // Traversal depth, default 1
	Limit       int
}

// GraphHit is one graph query result. Score carries the strongest
// relationship strength seen on the matched entity.
type GraphHit struct {
	EntityKey    string
	Name         string
	Type         knowledge.EntityType
	Description  string
	DocumentKeys []string
	Score        float64
}

// GraphStorage wraps the Neo4j driver. Entities are MERGEd by canonical
// key so repeated persistence never duplicates nodes or relationships.
type GraphStorage struct {
	driver neo4j.DriverWithContext
}

// NewGraphStorage connects to Neo4j and verifies connectivity.
func NewGraphStorage(ctx context.Context, uri, username, password string) (*GraphStorage, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return &GraphStorage{driver: driver}, nil
}

// Close shuts down the driver and its connection pool.
func (s *GraphStorage) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// UpsertEntity merges an entity node keyed by canonical key. The document
// key is appended to provenance only when not already present.
func (s *GraphStorage) UpsertEntity(ctx context.Context, entity *knowledge.Entity, documentKey string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MERGE (e:Entity {key: $key})
			SET e.name = $name,
			    e.display_name = $display_name,
			    e.type = $type,
			    e.description = $description,
			    e.chunk_ids = $chunk_ids,
			    e.document_keys = CASE
			        WHEN $document_key IN coalesce(e.document_keys, []) THEN e.document_keys
			        ELSE coalesce(e.document_keys, []) + $document_key
			    END`,
			map[string]any{
				"key":          entity.Key(),
				"name":         entity.Name,
				"display_name": entity.DisplayName,
				"type":         string(entity.Type),
				"description":  entity.Description,
				"chunk_ids":    entity.SourceChunkIDs,
				"document_key": documentKey,
			})
	})
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", entity.Key(), err)
	}
	return nil
}

// UpsertTriple merges a directed relationship between two existing entity
// nodes, keyed by (source, target, description).
func (s *GraphStorage) UpsertTriple(ctx context.Context, triple *knowledge.Triple) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (s:Entity {key: $source}), (t:Entity {key: $target})
			MERGE (s)-[r:RELATED {description: $description}]->(t)
			SET r.strength = $strength,
			    r.chunk_id = $chunk_id
			RETURN r`,
			map[string]any{
				"source":      triple.SourceKey,
				"target":      triple.TargetKey,
				"description": triple.Description,
				"strength":    triple.Strength,
				"chunk_id":    triple.ChunkID,
			})
		if err != nil {
			return nil, err
		}
		if _, err := result.Single(ctx); err != nil {
			return nil, fmt.Errorf("%w: endpoint missing for %s -> %s",
				ErrNotFound, triple.SourceKey, triple.TargetKey)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("upsert triple %s -> %s: %w", triple.SourceKey, triple.TargetKey, err)
	}
	return nil
}

// QueryGraph finds entities matching the filter together with the
// strongest relationship within the traversal depth.
func (s *GraphStorage) QueryGraph(ctx context.Context, filter GraphFilter) ([]GraphHit, error) {
	depth := filter.Depth
	if depth <= 0 {
		depth = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	// Variable-length bounds cannot be parameterized in Cypher; depth is
	// a small validated integer.
	query := fmt.Sprintf(`
		MATCH (e:Entity)
		WHERE $type = '' OR e.type = $type
		OPTIONAL MATCH (e)-[rs:RELATED*1..%d]-(other:Entity)
		WITH e, [rel IN coalesce(rs, []) | rel.strength] AS strengths
		WITH e, reduce(best = 0.0, x IN strengths | CASE WHEN x > best THEN x ELSE best END) AS score
		WHERE $min_strength <= 0 OR score >= $min_strength
		RETURN DISTINCT e.key AS key, e.display_name AS name, e.type AS type,
		       e.description AS description, coalesce(e.document_keys, []) AS document_keys,
		       score
		ORDER BY score DESC, key ASC
		LIMIT %d`, depth, limit)

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]any{
			"type":         string(filter.EntityType),
			"min_strength": filter.MinStrength,
		})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("graph query: %w", err)
	}

	var hits []GraphHit
	for _, record := range records.([]*neo4j.Record) {
		hit := GraphHit{}
		if v, ok := record.Get("key"); ok {
			hit.EntityKey, _ = v.(string)
		}
		if v, ok := record.Get("name"); ok {
			hit.Name, _ = v.(string)
		}
		if v, ok := record.Get("type"); ok {
			t, _ := v.(string)
			hit.Type = knowledge.EntityType(t)
		}
		if v, ok := record.Get("description"); ok {
			hit.Description, _ = v.(string)
		}
		if v, ok := record.Get("document_keys"); ok {
			if keys, ok := v.([]any); ok {
				for _, k := range keys {
					if ks, ok := k.(string); ok {
						hit.DocumentKeys = append(hit.DocumentKeys, ks)
					}
				}
			}
		}
		if v, ok := record.Get("score"); ok {
			hit.Score, _ = v.(float64)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// CountEntities returns the number of entity nodes.
func (s *GraphStorage) CountEntities(ctx context.Context) (int64, error) {
	return s.count(ctx, "MATCH (e:Entity) RETURN count(e) AS n")
}

// CountTriples returns the number of RELATED relationships.
func (s *GraphStorage) CountTriples(ctx context.Context) (int64, error) {
	return s.count(ctx, "MATCH ()-[r:RELATED]->() RETURN count(r) AS n")
}

func (s *GraphStorage) count(ctx context.Context, query string) (int64, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	value, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := record.Get("n")
		return n, nil
	})
	if err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}
	n, _ := value.(int64)
	return n, nil
}
