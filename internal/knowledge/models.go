// Package knowledge defines the domain model shared by the extraction
// pipeline and the combined search engine: documents, chunks, entities,
// triples and embeddings, plus the canonical-key scheme that unifies
// records across the graph, vector and relational stores.
package knowledge

import (
	"fmt"
	"strings"
	"time"
)

// DocumentStatus tracks a document through its processing lifecycle.
// Transitions are forward-only: pending -> processing -> done|failed.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusDone       DocumentStatus = "done"
	StatusFailed     DocumentStatus = "failed"
)

// rank orders statuses for forward-only transition checks.
func (s DocumentStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusDone, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving to next is a legal forward step.
// Done is terminal. Failed re-opens only for targeted persistence retry,
// never back to pending.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	if s == StatusDone {
		return false
	}
	if s == StatusFailed {
		return next == StatusProcessing || next == StatusDone
	}
	return next.rank() > s.rank()
}

// Document is the unit of ingestion. It is created on intake and mutated
// by every pipeline stage until it reaches a terminal status.
type Document struct {
	ID           string
	SourceURI    string
	Language     string
	Status       DocumentStatus
	ChunkIDs     []string
	Title        string
	Author       string
	Modality     Modality
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FailedStage  string   // Pipeline stage that failed, empty if none
	FailedStores []string // Stores that failed during persistence
}

// SetStatus applies a lifecycle transition, enforcing forward-only order.
func (d *Document) SetStatus(next DocumentStatus) error {
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, d.Status, next)
	}
	d.Status = next
	d.UpdatedAt = time.Now()
	return nil
}

// Chunk is an ordered slice of a document's text. Immutable once created.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Language   string
}

// Modality tags the content kind of a document or chunk.
type Modality string

const (
	ModalityText Modality = "text"
	ModalityMath Modality = "math"
	ModalityCode Modality = "code"
)

// EntityType classifies extracted entities. Unrecognized types are
// rejected at the parsing boundary, never coerced.
type EntityType string

const (
	TypePerson       EntityType = "PERSON"
	TypeOrganization EntityType = "ORGANIZATION"
	TypeGeo          EntityType = "GEO"
	TypeEvent        EntityType = "EVENT"
	TypeConcept      EntityType = "CONCEPT"
)

// ParseEntityType validates a raw type string against the recognized enum.
func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(raw)))
	switch t {
	case TypePerson, TypeOrganization, TypeGeo, TypeEvent, TypeConcept:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
}

// Entity is a knowledge graph node. Identity is (canonical name, type);
// two extractions producing the same pair merge rather than duplicate.
type Entity struct {
	Name           string // Canonical: upper-cased, whitespace-normalized
	DisplayName    string // Original casing, for display
	Type           EntityType
	Description    string
	SourceChunkIDs []string // Provenance, deduplicated
}

// Key returns the entity's cross-store canonical key.
func (e *Entity) Key() string {
	return CanonicalKey(e.Name, e.Type)
}

// CanonicalName normalizes a raw entity name for identity comparison:
// upper-cased with runs of whitespace collapsed to single spaces.
func CanonicalName(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), " "))
}

// CanonicalKey computes the identifier every store-facing adapter uses to
// unify records for one entity. It must be computed identically everywhere.
func CanonicalKey(name string, t EntityType) string {
	return CanonicalName(name) + "|" + string(t)
}

// Strength bounds for relationship scores, inclusive.
const (
	MinStrength = 1.0
	MaxStrength = 10.0
)

// Triple is a directed, scored relationship between two entities.
type Triple struct {
	SourceKey   string // Canonical key of the source entity
	TargetKey   string
	Description string
	Strength    float64
	ChunkID     string // Chunk the relationship was extracted from
}

// Validate rejects out-of-range strengths. Scores are never clamped.
func (t *Triple) Validate() error {
	if t.Strength < MinStrength || t.Strength > MaxStrength {
		return fmt.Errorf("%w: %v", ErrInvalidStrength, t.Strength)
	}
	if t.SourceKey == "" || t.TargetKey == "" {
		return fmt.Errorf("%w: missing endpoint", ErrInvalidStrength)
	}
	return nil
}

// EmbeddingKind distinguishes the owner of an embedding vector.
type EmbeddingKind string

const (
	EmbeddingChunk    EmbeddingKind = "chunk"
	EmbeddingDocument EmbeddingKind = "document"
)

// Embedding is a dense vector (plus optional sparse component) computed for
// a chunk or document. Model and ModelVersion allow re-embedding
// invalidation when the upstream model changes.
type Embedding struct {
	OwnerID      string
	DocumentID   string
	Kind         EmbeddingKind
	Vector       []float32
	Sparse       map[uint32]float32 // Optional, nil when absent
	Model        string
	ModelVersion string
	Modality     Modality
}
