// Package persist coordinates writing a document's derived objects across
// the graph, vector and relational stores, tracking per-store outcomes so
// failed stores can be retried without re-running successful ones.
package persist

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bull/knograph/internal/knowledge"
)

// Store tags used in results and on failed documents.
const (
	StoreGraph      = "graph"
	StoreVector     = "vector"
	StoreRelational = "relational"
)

// GraphWriter is the graph store's write contract.
type GraphWriter interface {
	UpsertEntity(ctx context.Context, entity *knowledge.Entity, documentKey string) error
	UpsertTriple(ctx context.Context, triple *knowledge.Triple) error
}

// VectorWriter is the vector store's write contract.
type VectorWriter interface {
	UpsertEmbeddings(ctx context.Context, embeddings []*knowledge.Embedding) error
}

// MetadataWriter is the relational store's write contract.
type MetadataWriter interface {
	UpsertDocumentMeta(ctx context.Context, doc *knowledge.Document) error
}

// StoreStatus records the outcome of one store's write.
type StoreStatus struct {
	OK     bool
	Reason string
}

// Result maps store tag to outcome for one persistence pass.
type Result struct {
	Stores map[string]StoreStatus
}

// OK reports whether every store write succeeded.
func (r *Result) OK() bool {
	for _, status := range r.Stores {
		if !status.OK {
			return false
		}
	}
	return true
}

// FailedStores lists the stores that failed, sorted for determinism.
func (r *Result) FailedStores() []string {
	var failed []string
	for tag, status := range r.Stores {
		if !status.OK {
			failed = append(failed, tag)
		}
	}
	sort.Strings(failed)
	return failed
}

// Coordinator fans a document's derived objects out to the three stores.
type Coordinator struct {
	graph      GraphWriter
	vector     VectorWriter
	relational MetadataWriter
	logger     *slog.Logger
}

// NewCoordinator creates a write coordinator over the three stores.
func NewCoordinator(graph GraphWriter, vector VectorWriter, relational MetadataWriter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		graph:      graph,
		vector:     vector,
		relational: relational,
		logger:     logger,
	}
}

// Persist writes entities and triples to the graph store, embeddings to
// the vector store and document metadata to the relational store. The
// three writes run concurrently and fail independently; the document's
// status moves to done only when all three succeed.
func (c *Coordinator) Persist(ctx context.Context, doc *knowledge.Document, entities []knowledge.Entity, triples []knowledge.Triple, embeddings []*knowledge.Embedding) *Result {
	result := c.run(ctx, doc, entities, triples, embeddings,
		map[string]bool{StoreGraph: true, StoreVector: true, StoreRelational: true})
	c.finalize(doc, result)
	return result
}

// Retry re-runs persistence against only the stores that failed in prev,
// skipping the ones that already succeeded. The returned result merges
// the retried outcomes over the previous ones.
func (c *Coordinator) Retry(ctx context.Context, prev *Result, doc *knowledge.Document, entities []knowledge.Entity, triples []knowledge.Triple, embeddings []*knowledge.Embedding) *Result {
	targets := make(map[string]bool)
	for _, tag := range prev.FailedStores() {
		targets[tag] = true
	}
	if len(targets) == 0 {
		return prev
	}

	if err := doc.SetStatus(knowledge.StatusProcessing); err != nil {
		c.logger.Warn("retry status transition refused", "doc", doc.ID, "error", err)
	}

	retried := c.run(ctx, doc, entities, triples, embeddings, targets)

	merged := &Result{Stores: make(map[string]StoreStatus, len(prev.Stores))}
	for tag, status := range prev.Stores {
		merged.Stores[tag] = status
	}
	for tag, status := range retried.Stores {
		merged.Stores[tag] = status
	}
	c.finalize(doc, merged)
	return merged
}

func (c *Coordinator) run(ctx context.Context, doc *knowledge.Document, entities []knowledge.Entity, triples []knowledge.Triple, embeddings []*knowledge.Embedding, targets map[string]bool) *Result {
	result := &Result{Stores: make(map[string]StoreStatus, len(targets))}

	var mu sync.Mutex
	record := func(tag string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			c.logger.Warn("store write failed", "doc", doc.ID, "store", tag, "error", err)
			result.Stores[tag] = StoreStatus{OK: false, Reason: err.Error()}
			return
		}
		result.Stores[tag] = StoreStatus{OK: true}
	}

	var wg sync.WaitGroup
	if targets[StoreGraph] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(StoreGraph, c.writeGraph(ctx, doc, entities, triples))
		}()
	}
	if targets[StoreVector] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(StoreVector, c.vector.UpsertEmbeddings(ctx, embeddings))
		}()
	}
	if targets[StoreRelational] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(StoreRelational, c.relational.UpsertDocumentMeta(ctx, doc))
		}()
	}
	wg.Wait()

	return result
}

// writeGraph upserts entities before triples so relationship endpoints
// exist when the triples are merged.
func (c *Coordinator) writeGraph(ctx context.Context, doc *knowledge.Document, entities []knowledge.Entity, triples []knowledge.Triple) error {
	for i := range entities {
		if err := c.graph.UpsertEntity(ctx, &entities[i], doc.ID); err != nil {
			return err
		}
	}
	for i := range triples {
		if err := c.graph.UpsertTriple(ctx, &triples[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) finalize(doc *knowledge.Document, result *Result) {
	if result.OK() {
		doc.FailedStage = ""
		doc.FailedStores = nil
		if err := doc.SetStatus(knowledge.StatusDone); err != nil {
			c.logger.Warn("status transition refused", "doc", doc.ID, "error", err)
		}
		return
	}
	doc.FailedStage = "persist"
	doc.FailedStores = result.FailedStores()
	if err := doc.SetStatus(knowledge.StatusFailed); err != nil {
		c.logger.Warn("status transition refused", "doc", doc.ID, "error", err)
	}
}
