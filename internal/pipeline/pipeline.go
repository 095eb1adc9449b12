// Package pipeline runs a document end to end: convert to chunks,
// extract the knowledge graph chunk by chunk, build canonical objects
// and persist them across the stores. Documents are independent units;
// one document failing never touches another.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bull/knograph/internal/builder"
	"github.com/bull/knograph/internal/extraction"
	"github.com/bull/knograph/internal/intake"
	"github.com/bull/knograph/internal/knowledge"
	"github.com/bull/knograph/internal/persist"
	"github.com/bull/knograph/internal/queue"
)

// GraphExtractor is the slice of the extraction client the pipeline uses.
type GraphExtractor interface {
	ExtractGraph(ctx context.Context, text string) ([]extraction.RawEntity, []extraction.RawTriple, error)
	Embed(ctx context.Context, text string) (*knowledge.Embedding, error)
}

// Persister is the write coordinator's contract.
type Persister interface {
	Persist(ctx context.Context, doc *knowledge.Document, entities []knowledge.Entity, triples []knowledge.Triple, embeddings []*knowledge.Embedding) *persist.Result
}

// FailedChunk records a chunk whose extraction or embedding failed.
type FailedChunk struct {
	ChunkID string
	Stage   string
	Reason  string
}

// Stats summarizes one document's run.
type Stats struct {
	Chunks       int
	Entities     int
	Triples      int
	Embeddings   int
	FailedChunks []FailedChunk
	Duration     time.Duration
}

// Pipeline wires the stages together.
type Pipeline struct {
	extractor GraphExtractor
	persister Persister
	logger    *slog.Logger
}

// New creates a pipeline over the extraction client and write coordinator.
func New(extractor GraphExtractor, persister Persister, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor: extractor,
		persister: persister,
		logger:    logger,
	}
}

// ProcessDocument runs the full pipeline for one document body. Failed
// chunks are skipped with their failure recorded; the document fails
// outright only when conversion fails or persistence reports a failed
// store. Extraction, build and persist run strictly in that order.
func (p *Pipeline) ProcessDocument(ctx context.Context, doc *knowledge.Document, raw []byte) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}

	if doc.Status == knowledge.StatusPending || doc.Status == knowledge.StatusFailed {
		if err := doc.SetStatus(knowledge.StatusProcessing); err != nil {
			return stats, err
		}
	}

	chunks, err := p.convert(doc, raw)
	if err != nil {
		doc.FailedStage = "convert"
		if setErr := doc.SetStatus(knowledge.StatusFailed); setErr != nil {
			p.logger.Warn("status transition refused", "doc", doc.ID, "error", setErr)
		}
		return stats, fmt.Errorf("convert %s: %w", doc.ID, err)
	}
	stats.Chunks = len(chunks)

	doc.ChunkIDs = doc.ChunkIDs[:0]
	for _, chunk := range chunks {
		doc.ChunkIDs = append(doc.ChunkIDs, chunk.ID)
	}

	b := builder.New(p.logger)
	var embeddings []*knowledge.Embedding
	for _, chunk := range chunks {
		entities, triples, err := p.extractor.ExtractGraph(ctx, chunk.Text)
		if err != nil {
			if errors.Is(err, extraction.ErrEmptyInput) {
				continue
			}
			// Skip the chunk, keep the document going.
			p.logger.Warn("chunk extraction failed",
				"doc", doc.ID, "chunk", chunk.ID, "error", err)
			stats.FailedChunks = append(stats.FailedChunks, FailedChunk{
				ChunkID: chunk.ID, Stage: "extract", Reason: err.Error(),
			})
			continue
		}
		b.Add(chunk.ID, entities, triples)

		emb, err := p.extractor.Embed(ctx, chunk.Text)
		if err != nil {
			p.logger.Warn("chunk embedding failed",
				"doc", doc.ID, "chunk", chunk.ID, "error", err)
			stats.FailedChunks = append(stats.FailedChunks, FailedChunk{
				ChunkID: chunk.ID, Stage: "embed", Reason: err.Error(),
			})
			continue
		}
		emb.OwnerID = chunk.ID
		emb.DocumentID = doc.ID
		emb.Kind = knowledge.EmbeddingChunk
		embeddings = append(embeddings, emb)
	}

	entities, triples := b.Result()
	stats.Entities = len(entities)
	stats.Triples = len(triples)
	stats.Embeddings = len(embeddings)

	result := p.persister.Persist(ctx, doc, entities, triples, embeddings)
	stats.Duration = time.Since(start)

	if !result.OK() {
		return stats, fmt.Errorf("persist %s: stores failed: %v", doc.ID, result.FailedStores())
	}

	p.logger.Info("document processed",
		"doc", doc.ID,
		"chunks", stats.Chunks,
		"entities", stats.Entities,
		"triples", stats.Triples,
		"failed_chunks", len(stats.FailedChunks),
		"duration", stats.Duration,
	)
	return stats, nil
}

func (p *Pipeline) convert(doc *knowledge.Document, raw []byte) ([]knowledge.Chunk, error) {
	converter, err := intake.ForURI(doc.SourceURI)
	if err != nil {
		return nil, err
	}
	return converter.Convert(doc, raw)
}

// taskPayload is the JSON body carried by queue tasks.
type taskPayload struct {
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Language string `json:"language,omitempty"`
	Content  []byte `json:"content"`
}

// EncodeTaskPayload packs a document body and display metadata for
// Enqueue.
func EncodeTaskPayload(title, author, language string, content []byte) ([]byte, error) {
	return json.Marshal(taskPayload{
		Title:    title,
		Author:   author,
		Language: language,
		Content:  content,
	})
}

// Handler adapts the pipeline to the queue's worker contract. Redelivered
// tasks are safe: every store write is an upsert.
func (p *Pipeline) Handler() queue.Handler {
	return func(ctx context.Context, task *queue.Task) error {
		var payload taskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode task %s: %w", task.ID, err)
		}

		doc := &knowledge.Document{
			ID:        task.DocumentKey,
			SourceURI: task.SourceURI,
			Title:     payload.Title,
			Author:    payload.Author,
			Language:  payload.Language,
			Status:    knowledge.StatusPending,
			Modality:  knowledge.ModalityText,
			CreatedAt: time.Now(),
		}

		_, err := p.ProcessDocument(ctx, doc, payload.Content)
		return err
	}
}
