package extraction

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/knograph/internal/knowledge"
)

// fakeService is a scriptable ModelService that counts calls.
type fakeService struct {
	completeFn func(ctx context.Context, prompt string) (string, error)
	embedFn    func(ctx context.Context, text string, dimension int) ([]float32, error)

	completeCalls int
	embedCalls    int
	callTimes     []time.Time
}

func (f *fakeService) Complete(ctx context.Context, prompt string) (string, error) {
	f.completeCalls++
	f.callTimes = append(f.callTimes, time.Now())
	return f.completeFn(ctx, prompt)
}

func (f *fakeService) Embed(ctx context.Context, text string, dimension int) ([]float32, error) {
	f.embedCalls++
	f.callTimes = append(f.callTimes, time.Now())
	return f.embedFn(ctx, text, dimension)
}

func newTestExtractor(svc ModelService, cfg Config) *Extractor {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 10 * time.Millisecond
	}
	if cfg.CallsPerSecond == 0 {
		cfg.CallsPerSecond = 10000 // Don't throttle unit tests
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExtractor(svc, cfg, logger)
}

const validPayload = `{
	"entities": [
		{"name": "MARTIN SMITH", "type": "PERSON", "description": "Chair of the Central Institution"},
		{"name": "CENTRAL INSTITUTION", "type": "ORGANIZATION", "description": "An institution"}
	],
	"relationships": [
		{"source": "MARTIN SMITH", "target": "CENTRAL INSTITUTION", "relationship": "Chair of", "relationship_strength": 9}
	]
}`

func TestExtractGraph_EmptyInputIssuesNoCall(t *testing.T) {
	svc := &fakeService{}
	x := newTestExtractor(svc, Config{})

	for _, input := range []string{"", "   ", "\n\t "} {
		_, _, err := x.ExtractGraph(context.Background(), input)
		assert.ErrorIs(t, err, ErrEmptyInput)
	}
	_, err := x.Embed(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	assert.Zero(t, svc.completeCalls, "no network call for empty input")
	assert.Zero(t, svc.embedCalls)
}

func TestExtractGraph_RateLimitedThenSuccess(t *testing.T) {
	svc := &fakeService{}
	svc.completeFn = func(ctx context.Context, prompt string) (string, error) {
		if svc.completeCalls <= 3 {
			return "", &openai.Error{StatusCode: 429}
		}
		return validPayload, nil
	}
	x := newTestExtractor(svc, Config{RetryBase: 20 * time.Millisecond})

	entities, triples, err := x.ExtractGraph(context.Background(), "Martin Smith is the Chair of the Central Institution.")
	require.NoError(t, err)
	assert.Equal(t, 4, svc.completeCalls, "three rate limits plus one success")
	assert.Len(t, entities, 2)
	assert.Len(t, triples, 1)

	// Delays between attempts double from the base: ~1x, ~2x, ~4x units.
	require.Len(t, svc.callTimes, 4)
	gap1 := svc.callTimes[1].Sub(svc.callTimes[0])
	gap2 := svc.callTimes[2].Sub(svc.callTimes[1])
	gap3 := svc.callTimes[3].Sub(svc.callTimes[2])
	assert.GreaterOrEqual(t, gap1, 20*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 40*time.Millisecond)
	assert.GreaterOrEqual(t, gap3, 80*time.Millisecond)
}

func TestExtractGraph_RetryBudgetExhausted(t *testing.T) {
	svc := &fakeService{}
	svc.completeFn = func(ctx context.Context, prompt string) (string, error) {
		return "", &openai.Error{StatusCode: 429}
	}
	x := newTestExtractor(svc, Config{})

	_, _, err := x.ExtractGraph(context.Background(), "some text")
	require.Error(t, err)

	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, RateLimited, extErr.Cause)
	assert.Equal(t, 4, extErr.Attempts)
	assert.Equal(t, 4, svc.completeCalls, "budget is 3 retries on top of the first attempt")
}

func TestExtractGraph_UpstreamErrorsRetried(t *testing.T) {
	svc := &fakeService{}
	svc.completeFn = func(ctx context.Context, prompt string) (string, error) {
		if svc.completeCalls == 1 {
			return "", &openai.Error{StatusCode: 503}
		}
		return validPayload, nil
	}
	x := newTestExtractor(svc, Config{})

	_, _, err := x.ExtractGraph(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.completeCalls)
}

func TestExtractGraph_MalformedPayloadNotRetried(t *testing.T) {
	svc := &fakeService{}
	svc.completeFn = func(ctx context.Context, prompt string) (string, error) {
		return "not json at all", nil
	}
	x := newTestExtractor(svc, Config{})

	_, _, err := x.ExtractGraph(context.Background(), "some text")
	require.Error(t, err)

	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, InvalidResponse, extErr.Cause)
	assert.Equal(t, 1, svc.completeCalls, "contract problems are surfaced immediately")
}

func TestParseGraph_DropsInvalidRecords(t *testing.T) {
	payload := `{
		"entities": [
			{"name": "ALICE", "type": "PERSON", "description": "ok"},
			{"name": "", "type": "PERSON", "description": "missing name"},
			{"name": "BOB", "description": "missing type"},
			{"name": "WIDGET", "type": "TECHNOLOGY", "description": "unknown type"}
		],
		"relationships": [
			{"source": "ALICE", "target": "BOB", "relationship": "knows", "relationship_strength": 5},
			{"source": "", "target": "BOB", "relationship": "missing source", "relationship_strength": 5},
			{"source": "ALICE", "target": "BOB", "relationship": "too strong", "relationship_strength": 42},
			{"source": "ALICE", "target": "BOB", "relationship": "not numeric", "relationship_strength": "high"}
		]
	}`
	x := newTestExtractor(&fakeService{}, Config{})

	entities, triples, err := x.parseGraph(payload)
	require.NoError(t, err, "partial extraction is preferred over total failure")
	require.Len(t, entities, 1)
	assert.Equal(t, "ALICE", entities[0].Name)
	assert.Equal(t, knowledge.TypePerson, entities[0].Type)
	require.Len(t, triples, 1)
	assert.Equal(t, 5.0, triples[0].Strength)
}

func TestEmbed_DimensionMismatchRetriedThenPermanent(t *testing.T) {
	svc := &fakeService{}
	svc.embedFn = func(ctx context.Context, text string, dimension int) ([]float32, error) {
		return make([]float32, 8), nil // Always the wrong size
	}
	x := newTestExtractor(svc, Config{EmbeddingDimension: 16})

	_, err := x.Embed(context.Background(), "some text")
	require.Error(t, err)

	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, InvalidResponse, extErr.Cause)
	assert.Equal(t, 4, svc.embedCalls, "dimension mismatch is retried up to the budget")
}

func TestEmbed_TransientMismatchRecovers(t *testing.T) {
	svc := &fakeService{}
	svc.embedFn = func(ctx context.Context, text string, dimension int) ([]float32, error) {
		if svc.embedCalls == 1 {
			return make([]float32, 3), nil
		}
		return make([]float32, dimension), nil
	}
	x := newTestExtractor(svc, Config{
		EmbeddingDimension: 16,
		EmbeddingModel:     "text-embedding-3-small",
		ModelVersion:       "v3",
	})

	emb, err := x.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Len(t, emb.Vector, 16)
	assert.Equal(t, "text-embedding-3-small", emb.Model)
	assert.Equal(t, "v3", emb.ModelVersion)
	assert.Equal(t, 2, svc.embedCalls)
}
