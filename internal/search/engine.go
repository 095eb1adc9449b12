// Package search implements the combined query surface over the three
// stores. A query descriptor selects any combination of similarity, graph
// and structured sub-queries; the engine runs them concurrently, merges
// hits by canonical key and enriches the merged set with relational
// metadata in one batched pass.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bull/knograph/internal/knowledge"
	"github.com/bull/knograph/internal/storage"
)

// Store tags carried on results. A merged result lists every store that
// contributed to it.
const (
	TagVector     = "vector"
	TagGraph      = "graph"
	TagStructured = "structured"
)

// ErrEmptyQuery is returned when a descriptor selects no sub-query.
var ErrEmptyQuery = errors.New("query selects no sub-query")

// DefaultTopK bounds similarity sub-queries when the descriptor leaves
// TopK unset.
const DefaultTopK = 10

// QueryDescriptor selects which stores to query and with what.
type QueryDescriptor struct {
	// Text enables the similarity sub-query when non-empty.
	Text string
	TopK int

	// Graph enables the graph sub-query when non-nil.
	Graph *storage.GraphFilter

	// Structured enables the relational sub-query when non-empty.
	// Keys are whitelisted column names, values exact-match predicates.
	Structured map[string]any

	// Modality restricts similarity hits to one content kind.
	Modality knowledge.Modality

	// Limit caps the merged result list. Zero means no cap.
	Limit int
}

func (q *QueryDescriptor) wantsVector() bool     { return q.Text != "" }
func (q *QueryDescriptor) wantsGraph() bool      { return q.Graph != nil }
func (q *QueryDescriptor) wantsStructured() bool { return len(q.Structured) > 0 }

// Result is one merged search hit. Key is a document key for vector and
// structured hits and an entity key for graph hits; Score keeps the
// store-local semantics of the best contributing store.
type Result struct {
	Key         string
	Score       float64
	Stores      []string
	Title       string
	Author      string
	SourceURI   string
	Modality    knowledge.Modality
	EntityName  string
	EntityType  knowledge.EntityType
	Description string
	// DocumentKeys lists provenance documents for entity hits.
	DocumentKeys []string
}

// ResultSet is the engine's answer. Partial is set when at least one
// selected sub-query failed while others succeeded.
type ResultSet struct {
	Results      []Result
	Partial      bool
	FailedStores []string
}

// Embedder turns query text into a vector for the similarity sub-query.
type Embedder interface {
	Embed(ctx context.Context, text string) (*knowledge.Embedding, error)
}

// VectorSearcher is the vector store's query contract.
type VectorSearcher interface {
	QuerySimilar(ctx context.Context, vector []float32, topK int, modality knowledge.Modality) ([]storage.SimilarHit, error)
}

// GraphSearcher is the graph store's query contract.
type GraphSearcher interface {
	QueryGraph(ctx context.Context, filter storage.GraphFilter) ([]storage.GraphHit, error)
}

// MetadataSearcher is the relational store's query contract, used for the
// structured sub-query and the enrichment pass.
type MetadataSearcher interface {
	QueryDocuments(ctx context.Context, predicate map[string]any, limit int) ([]storage.DocumentRow, error)
	FetchMetadata(ctx context.Context, keys []string) (map[string]storage.DocumentRow, error)
}

// Engine dispatches sub-queries and merges their hits.
type Engine struct {
	embedder   Embedder
	vector     VectorSearcher
	graph      GraphSearcher
	relational MetadataSearcher
	logger     *slog.Logger
}

// NewEngine creates a combined search engine over the three stores.
func NewEngine(embedder Embedder, vector VectorSearcher, graph GraphSearcher, relational MetadataSearcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		embedder:   embedder,
		vector:     vector,
		graph:      graph,
		relational: relational,
		logger:     logger,
	}
}

// Search runs every selected sub-query concurrently, waits for all of
// them, then merges, enriches and ranks the hits. A failing sub-query
// drops its contribution and flags the response partial; Search errors
// only when the descriptor is empty or every selected sub-query failed.
func (e *Engine) Search(ctx context.Context, q *QueryDescriptor) (*ResultSet, error) {
	if !q.wantsVector() && !q.wantsGraph() && !q.wantsStructured() {
		return nil, ErrEmptyQuery
	}

	// One result slot per sub-query; the WaitGroup is the only
	// synchronization point.
	var (
		wg sync.WaitGroup

		vectorHits []storage.SimilarHit
		vectorErr  error

		graphHits []storage.GraphHit
		graphErr  error

		docRows []storage.DocumentRow
		docErr  error
	)

	if q.wantsVector() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorHits, vectorErr = e.searchVector(ctx, q)
		}()
	}
	if q.wantsGraph() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			graphHits, graphErr = e.graph.QueryGraph(ctx, *q.Graph)
		}()
	}
	if q.wantsStructured() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docRows, docErr = e.relational.QueryDocuments(ctx, q.Structured, q.Limit)
		}()
	}
	wg.Wait()

	set := &ResultSet{}
	selected := 0
	failed := 0
	noteFailure := func(tag string, err error) {
		if err == nil {
			return
		}
		failed++
		e.logger.Warn("sub-query failed", "store", tag, "error", err)
		set.FailedStores = append(set.FailedStores, tag)
	}
	if q.wantsVector() {
		selected++
		noteFailure(TagVector, vectorErr)
	}
	if q.wantsGraph() {
		selected++
		noteFailure(TagGraph, graphErr)
	}
	if q.wantsStructured() {
		selected++
		noteFailure(TagStructured, docErr)
	}
	sort.Strings(set.FailedStores)
	set.Partial = failed > 0

	if failed == selected {
		return nil, fmt.Errorf("all sub-queries failed: %s",
			firstError(vectorErr, graphErr, docErr))
	}

	merged := merge(vectorHits, graphHits, docRows)
	e.enrich(ctx, merged)

	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		if q.Modality != "" && r.Modality != "" && r.Modality != q.Modality {
			continue
		}
		sort.Strings(r.Stores)
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	set.Results = results
	return set, nil
}

func (e *Engine) searchVector(ctx context.Context, q *QueryDescriptor) ([]storage.SimilarHit, error) {
	emb, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return e.vector.QuerySimilar(ctx, emb.Vector, topK, q.Modality)
}

// merge collapses per-store hits into one result per canonical key. When
// a key is surfaced by several stores the merged score is the maximum of
// the per-store raw scores; cross-store scores are not comparable, so no
// blending is attempted.
func merge(vectorHits []storage.SimilarHit, graphHits []storage.GraphHit, docRows []storage.DocumentRow) map[string]*Result {
	merged := make(map[string]*Result)

	fold := func(key, tag string, score float64) *Result {
		r, ok := merged[key]
		if !ok {
			r = &Result{Key: key, Score: score, Stores: []string{tag}}
			merged[key] = r
			return r
		}
		if score > r.Score {
			r.Score = score
		}
		if !contains(r.Stores, tag) {
			r.Stores = append(r.Stores, tag)
		}
		return r
	}

	for _, hit := range vectorHits {
		r := fold(hit.DocumentKey, TagVector, hit.Score)
		if r.Modality == "" {
			r.Modality = hit.Modality
		}
	}
	for _, hit := range graphHits {
		r := fold(hit.EntityKey, TagGraph, hit.Score)
		r.EntityName = hit.Name
		r.EntityType = hit.Type
		r.Description = hit.Description
		r.DocumentKeys = hit.DocumentKeys
	}
	for _, row := range docRows {
		// Structured hits carry no store-local score.
		r := fold(row.Key, TagStructured, 0)
		applyMetadata(r, row)
	}

	return merged
}

// enrich attaches relational metadata to every merged result in a single
// batched round trip. Entity hits borrow the metadata of their first
// provenance document.
func (e *Engine) enrich(ctx context.Context, merged map[string]*Result) {
	keySet := make(map[string]bool)
	for key, r := range merged {
		if len(r.DocumentKeys) > 0 {
			keySet[r.DocumentKeys[0]] = true
			continue
		}
		keySet[key] = true
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	meta, err := e.relational.FetchMetadata(ctx, keys)
	if err != nil {
		// Enrichment is best effort; results stay usable without it.
		e.logger.Warn("metadata enrichment failed", "error", err)
		return
	}

	for key, r := range merged {
		lookup := key
		if len(r.DocumentKeys) > 0 {
			lookup = r.DocumentKeys[0]
		}
		if row, ok := meta[lookup]; ok {
			applyMetadata(r, row)
		}
	}
}

func applyMetadata(r *Result, row storage.DocumentRow) {
	r.Title = row.Title
	r.Author = row.Author
	r.SourceURI = row.SourceURI
	if r.Modality == "" {
		r.Modality = row.Modality
	}
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return errors.New("unknown failure")
}
