package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	for _, raw := range []string{"PERSON", "organization", " Geo ", "EVENT", "concept"} {
		parsed, err := ParseEntityType(raw)
		require.NoError(t, err, "type %q should be recognized", raw)
		assert.NotEmpty(t, parsed)
	}

	_, err := ParseEntityType("TECHNOLOGY")
	assert.ErrorIs(t, err, ErrUnknownEntityType)

	_, err = ParseEntityType("")
	assert.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestCanonicalKey(t *testing.T) {
	key := CanonicalKey("  Martin   Smith ", TypePerson)
	assert.Equal(t, "MARTIN SMITH|PERSON", key)

	// Same name, different type yields a distinct identity.
	assert.NotEqual(t,
		CanonicalKey("Apple", TypeOrganization),
		CanonicalKey("Apple", TypeConcept),
	)
}

func TestTripleValidate(t *testing.T) {
	valid := []float64{1.0, 5.5, 9.0, 10.0}
	for _, s := range valid {
		tr := Triple{SourceKey: "A|CONCEPT", TargetKey: "B|CONCEPT", Strength: s}
		assert.NoError(t, tr.Validate(), "strength %v should be accepted", s)
	}

	invalid := []float64{0.0, 0.99, 10.01, -3, 100}
	for _, s := range invalid {
		tr := Triple{SourceKey: "A|CONCEPT", TargetKey: "B|CONCEPT", Strength: s}
		assert.ErrorIs(t, tr.Validate(), ErrInvalidStrength, "strength %v should be rejected", s)
	}
}

func TestStatusTransitions(t *testing.T) {
	doc := &Document{Status: StatusPending}

	require.NoError(t, doc.SetStatus(StatusProcessing))
	require.NoError(t, doc.SetStatus(StatusDone))

	// Terminal status never moves backward.
	err := doc.SetStatus(StatusPending)
	assert.ErrorIs(t, err, ErrBadTransition)
	err = doc.SetStatus(StatusProcessing)
	assert.ErrorIs(t, err, ErrBadTransition)

	// Failed re-opens for targeted persistence retry, but never to pending.
	failed := &Document{Status: StatusProcessing}
	require.NoError(t, failed.SetStatus(StatusFailed))
	assert.ErrorIs(t, failed.SetStatus(StatusPending), ErrBadTransition)
	require.NoError(t, failed.SetStatus(StatusProcessing))
	require.NoError(t, failed.SetStatus(StatusDone))

	// Skipping processing is still forward.
	fresh := &Document{Status: StatusPending}
	assert.NoError(t, fresh.SetStatus(StatusFailed))
}
