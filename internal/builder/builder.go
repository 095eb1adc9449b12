// Package builder converts raw extraction output into canonical,
// deduplicated domain objects ready for persistence.
package builder

import (
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/bull/knograph/internal/extraction"
	"github.com/bull/knograph/internal/knowledge"
)

// ErrDanglingReference marks a triple whose source or target did not
// resolve against the extracted entity set. The triple is dropped with a
// warning; the batch continues.
var ErrDanglingReference = errors.New("triple references unknown entity")

// DroppedTriple records a triple excluded from the output and why.
type DroppedTriple struct {
	Source string
	Target string
	Reason error
}

// Builder accumulates extraction output across a document's chunks and
// merges entities by canonical identity.
type Builder struct {
	entities map[string]*knowledge.Entity // canonical key -> merged entity
	triples  []knowledge.Triple
	dropped  []DroppedTriple
	pending  []pendingTriple
	logger   *slog.Logger
}

type pendingTriple struct {
	raw     extraction.RawTriple
	chunkID string
}

// New creates an empty builder.
func New(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		entities: make(map[string]*knowledge.Entity),
		logger:   logger,
	}
}

// Add feeds one chunk's raw extraction output into the builder. Entities
// with the same (canonical name, type) merge: descriptions are
// concatenated without duplicates and provenance chunk IDs are unioned.
// Triples are resolved lazily at Result time, once every chunk's entities
// are known.
func (b *Builder) Add(chunkID string, entities []extraction.RawEntity, triples []extraction.RawTriple) {
	for _, raw := range entities {
		key := knowledge.CanonicalKey(raw.Name, raw.Type)
		existing, ok := b.entities[key]
		if !ok {
			b.entities[key] = &knowledge.Entity{
				Name:           knowledge.CanonicalName(raw.Name),
				DisplayName:    strings.TrimSpace(raw.Name),
				Type:           raw.Type,
				Description:    strings.TrimSpace(raw.Description),
				SourceChunkIDs: []string{chunkID},
			}
			continue
		}
		mergeDescription(existing, raw.Description)
		addProvenance(existing, chunkID)
	}

	for _, raw := range triples {
		b.pending = append(b.pending, pendingTriple{raw: raw, chunkID: chunkID})
	}
}

// Result resolves pending triples against the merged entity set and
// returns the document's canonical entities and validated triples.
// Unresolved or invalid triples are dropped with a warning.
func (b *Builder) Result() ([]knowledge.Entity, []knowledge.Triple) {
	b.resolve()

	entities := make([]knowledge.Entity, 0, len(b.entities))
	for _, e := range b.entities {
		entities = append(entities, *e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].Key() < entities[j].Key()
	})

	return entities, b.triples
}

// Dropped reports the triples excluded during resolution.
func (b *Builder) Dropped() []DroppedTriple { return b.dropped }

func (b *Builder) resolve() {
	for _, p := range b.pending {
		sourceKey, ok := b.resolveName(p.raw.Source)
		if !ok {
			b.drop(p.raw, ErrDanglingReference)
			continue
		}
		targetKey, ok := b.resolveName(p.raw.Target)
		if !ok {
			b.drop(p.raw, ErrDanglingReference)
			continue
		}

		triple := knowledge.Triple{
			SourceKey:   sourceKey,
			TargetKey:   targetKey,
			Description: p.raw.Description,
			Strength:    p.raw.Strength,
			ChunkID:     p.chunkID,
		}
		if err := triple.Validate(); err != nil {
			b.drop(p.raw, err)
			continue
		}
		b.triples = append(b.triples, triple)
	}
	b.pending = nil
}

// resolveName finds the canonical key for an entity name regardless of
// type. Names shared across types resolve to the lexically first key for
// determinism.
func (b *Builder) resolveName(name string) (string, bool) {
	canonical := knowledge.CanonicalName(name)
	var matches []string
	for key, e := range b.entities {
		if e.Name == canonical {
			matches = append(matches, key)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

func (b *Builder) drop(raw extraction.RawTriple, reason error) {
	b.logger.Warn("dropping triple",
		"source", raw.Source, "target", raw.Target, "reason", reason)
	b.dropped = append(b.dropped, DroppedTriple{
		Source: raw.Source,
		Target: raw.Target,
		Reason: reason,
	})
}

func mergeDescription(e *knowledge.Entity, desc string) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return
	}
	for _, existing := range strings.Split(e.Description, "; ") {
		if existing == desc {
			return
		}
	}
	if e.Description == "" {
		e.Description = desc
		return
	}
	e.Description += "; " + desc
}

func addProvenance(e *knowledge.Entity, chunkID string) {
	for _, id := range e.SourceChunkIDs {
		if id == chunkID {
			return
		}
	}
	e.SourceChunkIDs = append(e.SourceChunkIDs, chunkID)
}
