// Package extraction calls the external model service to turn text into
// entities, relationships and embeddings. It owns the retry/backoff policy,
// client-side rate limiting and validation of the model's output.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/bull/knograph/internal/knowledge"
)

const (
	// MaxRetries is the retry budget for transient failures. Four total
	// attempts including the first, with delays doubling from the base
	// interval: base, 2x, 4x.
	MaxRetries = 3

	// DefaultRetryBase is the initial backoff delay.
	DefaultRetryBase = 1 * time.Second

	// DefaultEmbeddingDimension matches the configured embedding model.
	DefaultEmbeddingDimension = 1024
)

// errDimensionMismatch marks an embedding response whose vector length
// does not match the configured model dimension. Retryable: it may be a
// transient upstream schema glitch.
var errDimensionMismatch = errors.New("embedding dimension mismatch")

// RawEntity is a validated entity record as returned by the model,
// before canonicalization and merging.
type RawEntity struct {
	Name        string
	Type        knowledge.EntityType
	Description string
}

// RawTriple is a validated relationship record as returned by the model.
// Source and target are entity names, not yet resolved to canonical keys.
type RawTriple struct {
	Source      string
	Target      string
	Description string
	Strength    float64
}

// Config tunes the extractor. Zero values fall back to defaults.
type Config struct {
	EmbeddingDimension int
	EmbeddingModel     string
	ModelVersion       string
	RetryBase          time.Duration
	CallTimeout        time.Duration
	CallsPerSecond     float64
}

// Extractor is the extraction client. One instance may be shared across
// workers; its rate-limit state is mutex-protected.
type Extractor struct {
	service ModelService
	limits  *throttle
	cfg     Config
	logger  *slog.Logger
}

// NewExtractor creates an extraction client over the given model service.
func NewExtractor(service ModelService, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.EmbeddingDimension <= 0 {
		cfg.EmbeddingDimension = DefaultEmbeddingDimension
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		service: service,
		limits:  newThrottle(cfg.CallsPerSecond),
		cfg:     cfg,
		logger:  logger,
	}
}

// ExtractGraph asks the model for entities and relationships in text.
// Malformed records are dropped with a warning rather than aborting the
// batch; a malformed overall payload is surfaced immediately without retry.
func (x *Extractor) ExtractGraph(ctx context.Context, text string) ([]RawEntity, []RawTriple, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, ErrEmptyInput
	}

	var content string
	attempts, err := x.withRetry(ctx, func(callCtx context.Context) error {
		c, err := x.service.Complete(callCtx, graphPrompt(text))
		if err != nil {
			return err
		}
		content = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	entities, triples, err := x.parseGraph(content)
	if err != nil {
		// Contract problem, not a transient failure: no retry.
		return nil, nil, &ExtractionError{Cause: InvalidResponse, Attempts: attempts, Err: err}
	}
	return entities, triples, nil
}

// Embed computes a dense embedding for text. A dimension mismatch counts
// as InvalidResponse and is retried up to the budget.
func (x *Extractor) Embed(ctx context.Context, text string) (*knowledge.Embedding, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	var vector []float32
	_, err := x.withRetry(ctx, func(callCtx context.Context) error {
		v, err := x.service.Embed(callCtx, text, x.cfg.EmbeddingDimension)
		if err != nil {
			return err
		}
		if len(v) != x.cfg.EmbeddingDimension {
			return fmt.Errorf("%w: got %d, expected %d",
				errDimensionMismatch, len(v), x.cfg.EmbeddingDimension)
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &knowledge.Embedding{
		Vector:       vector,
		Model:        x.cfg.EmbeddingModel,
		ModelVersion: x.cfg.ModelVersion,
		Modality:     knowledge.ModalityText,
	}, nil
}

// Dimension returns the configured embedding dimension.
func (x *Extractor) Dimension() int { return x.cfg.EmbeddingDimension }

// withRetry runs op under the rate limiter with exponential backoff on
// transient failures. Returns the number of attempts made.
func (x *Extractor) withRetry(ctx context.Context, op func(context.Context) error) (int, error) {
	attempts := 0
	var lastCause Cause
	var lastErr error

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = x.cfg.RetryBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = x.cfg.RetryBase * 8
	bo.MaxElapsedTime = 0

	operation := func() error {
		if err := x.limits.wait(ctx); err != nil {
			lastCause, lastErr = UpstreamUnavailable, err
			return backoff.Permanent(err)
		}

		attempts++
		callCtx := ctx
		if x.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, x.cfg.CallTimeout)
			defer cancel()
		}

		err := op(callCtx)
		if err == nil {
			x.limits.record(false)
			return nil
		}
		x.limits.record(true)

		cause, retryable := classify(err)
		lastCause, lastErr = cause, err
		if !retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, MaxRetries), ctx))
	if err != nil {
		return attempts, &ExtractionError{Cause: lastCause, Attempts: attempts, Err: lastErr}
	}
	return attempts, nil
}

// classify maps an error from the model service to a failure cause and
// whether the retry budget applies to it.
func classify(err error) (Cause, bool) {
	if errors.Is(err, errDimensionMismatch) {
		return InvalidResponse, true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return RateLimited, true
		case apiErr.StatusCode >= 500:
			return UpstreamUnavailable, true
		default:
			return UpstreamUnavailable, false
		}
	}

	// Call timeouts are indistinguishable from connection failures.
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamUnavailable, true
	}
	if errors.Is(err, context.Canceled) {
		return UpstreamUnavailable, false
	}
	return UpstreamUnavailable, true
}

// graphEnvelope is the expected shape of the model's graph answer.
// Records are held raw so a single malformed entry cannot sink the batch.
type graphEnvelope struct {
	Entities      []json.RawMessage `json:"entities"`
	Relationships []json.RawMessage `json:"relationships"`
}

type rawEntityRecord struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type rawTripleRecord struct {
	Source      string      `json:"source"`
	Target      string      `json:"target"`
	Description string      `json:"relationship"`
	Strength    json.Number `json:"relationship_strength"`
}

// parseGraph validates the completion payload against the strict schema.
// Non-conforming records are dropped with a logged validation error.
func (x *Extractor) parseGraph(content string) ([]RawEntity, []RawTriple, error) {
	var envelope graphEnvelope
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, nil, fmt.Errorf("parse model output: %w", err)
	}

	entities := make([]RawEntity, 0, len(envelope.Entities))
	for _, raw := range envelope.Entities {
		var rec rawEntityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			x.logger.Warn("dropping malformed entity record", "error", err)
			continue
		}
		if strings.TrimSpace(rec.Name) == "" || strings.TrimSpace(rec.Type) == "" {
			x.logger.Warn("dropping entity missing name or type", "name", rec.Name, "type", rec.Type)
			continue
		}
		entityType, err := knowledge.ParseEntityType(rec.Type)
		if err != nil {
			x.logger.Warn("dropping entity with unrecognized type", "name", rec.Name, "type", rec.Type)
			continue
		}
		entities = append(entities, RawEntity{
			Name:        rec.Name,
			Type:        entityType,
			Description: rec.Description,
		})
	}

	triples := make([]RawTriple, 0, len(envelope.Relationships))
	for _, raw := range envelope.Relationships {
		var rec rawTripleRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			x.logger.Warn("dropping malformed relationship record", "error", err)
			continue
		}
		if strings.TrimSpace(rec.Source) == "" || strings.TrimSpace(rec.Target) == "" {
			x.logger.Warn("dropping relationship missing endpoint",
				"source", rec.Source, "target", rec.Target)
			continue
		}
		strength, err := rec.Strength.Float64()
		if err != nil {
			x.logger.Warn("dropping relationship with non-numeric strength",
				"source", rec.Source, "target", rec.Target, "strength", rec.Strength.String())
			continue
		}
		if strength < knowledge.MinStrength || strength > knowledge.MaxStrength {
			x.logger.Warn("dropping relationship with out-of-range strength",
				"source", rec.Source, "target", rec.Target, "strength", strength)
			continue
		}
		triples = append(triples, RawTriple{
			Source:      rec.Source,
			Target:      rec.Target,
			Description: rec.Description,
			Strength:    strength,
		})
	}

	return entities, triples, nil
}

// graphPrompt builds the combined entity/relationship extraction prompt.
func graphPrompt(text string) string {
	return fmt.Sprintf(`Given a text document, identify all entities and the relationships between them.

For each entity, extract:
- name: Name of the entity, capitalized
- type: One of [PERSON, ORGANIZATION, GEO, EVENT, CONCEPT]
- description: Comprehensive description of the entity's attributes and activities

For each relationship between identified entities, extract:
- source: Name of the source entity (capitalized)
- target: Name of the target entity (capitalized)
- relationship: Explanation of how they are related
- relationship_strength: Numeric score 1-10 indicating strength

Respond with a single JSON object:
{"entities": [{"name": "...", "type": "...", "description": "..."}], "relationships": [{"source": "...", "target": "...", "relationship": "...", "relationship_strength": 9}]}

Text:
%s

Return only the JSON object, nothing else.`, text)
}
