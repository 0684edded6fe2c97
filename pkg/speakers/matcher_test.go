package speakers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
)

// atDistance returns a unit vector at cosine distance d from (1, 0).
func atDistance(d float64) []float64 {
	cos := 1 - d
	return []float64{cos, math.Sqrt(1 - cos*cos)}
}

func newMatcher(t *testing.T, mutate func(*MatcherConfig)) *Matcher {
	t.Helper()
	cfg := DefaultMatcherConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewMatcher(cfg, nil)
	require.NoError(t, err)
	return m
}

func TestMatch_SeedsEmptySet(t *testing.T) {
	m := newMatcher(t, nil)
	a, b := []float64{1, 0}, []float64{0, 1}

	res, err := m.Match(ReferenceSet{}, map[string][]float64{"B": b, "A": a})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"A": "A", "B": "B"}, res.Mapping)
	assert.Equal(t, ReferenceSet{"A": a, "B": b}, res.References)
	require.Len(t, res.Resolutions, 2)
	assert.Equal(t, "A", res.Resolutions[0].Label)
	assert.Equal(t, ActionSeeded, res.Resolutions[0].Action)
}

func TestMatch_ConfidentMatchReplacesVector(t *testing.T) {
	m := newMatcher(t, nil)
	v1 := []float64{1, 0}
	refs := ReferenceSet{"Speaker 1": v1}
	incoming := atDistance(0.1)

	res, err := m.Match(refs, map[string][]float64{"SPEAKER_00": incoming})
	require.NoError(t, err)

	assert.Equal(t, "Speaker 1", res.Mapping["SPEAKER_00"])
	assert.Equal(t, incoming, res.References["Speaker 1"])
	assert.Len(t, res.References, 1)
	assert.InDelta(t, 0.1, res.Resolutions[0].Distance, 1e-9)
	assert.Equal(t, []float64{1, 0}, refs["Speaker 1"], "input set must not be modified")
}

func TestMatch_DistantLabelMintsNextID(t *testing.T) {
	m := newMatcher(t, nil)
	refs := ReferenceSet{"Speaker 1": {1, 0}}

	res, err := m.Match(refs, map[string][]float64{"SPEAKER_00": atDistance(0.5)})
	require.NoError(t, err)

	assert.Equal(t, "Speaker 2", res.Mapping["SPEAKER_00"])
	assert.Equal(t, ActionMinted, res.Resolutions[0].Action)
	assert.Equal(t, []float64{1, 0}, res.References["Speaker 1"])
	assert.Len(t, res.References, 2)
}

func TestMatch_ThresholdIsStrict(t *testing.T) {
	m := newMatcher(t, nil)
	// Just past the threshold is not a match.
	res, err := m.Match(ReferenceSet{"Speaker 1": {1, 0}}, map[string][]float64{"X": atDistance(0.3 + 1e-12)})
	require.NoError(t, err)
	assert.Equal(t, "Speaker 2", res.Mapping["X"])
}

func TestMatch_MintSkipsTakenIDs(t *testing.T) {
	m := newMatcher(t, nil)
	// Seeded ids plus a gap: len=2 so the first candidate is "Speaker 3",
	// which is taken.
	refs := ReferenceSet{
		"SPEAKER_00": {1, 0},
		"Speaker 3":  {0, 1},
	}

	res, err := m.Match(refs, map[string][]float64{"L": {-1, 0}})
	require.NoError(t, err)
	assert.Equal(t, "Speaker 4", res.Mapping["L"])
}

func TestMatch_TieGoesToLowestID(t *testing.T) {
	m := newMatcher(t, func(c *MatcherConfig) { c.Exclusive = false })
	refs := ReferenceSet{
		"Speaker 2": {1, 0},
		"Speaker 1": {1, 0},
	}

	res, err := m.Match(refs, map[string][]float64{"L": atDistance(0.05)})
	require.NoError(t, err)
	assert.Equal(t, "Speaker 1", res.Mapping["L"])

	m = newMatcher(t, nil)
	res, err = m.Match(refs, map[string][]float64{"L": atDistance(0.05)})
	require.NoError(t, err)
	assert.Equal(t, "Speaker 1", res.Mapping["L"])
}

func TestMatch_ExclusiveAssignsClosestPairFirst(t *testing.T) {
	m := newMatcher(t, nil)
	refs := ReferenceSet{"Speaker 1": {1, 0}}

	// Both labels are close to Speaker 1; B is closer and wins it.
	res, err := m.Match(refs, map[string][]float64{
		"A": atDistance(0.2),
		"B": atDistance(0.05),
	})
	require.NoError(t, err)

	assert.Equal(t, "Speaker 1", res.Mapping["B"])
	assert.Equal(t, "Speaker 2", res.Mapping["A"])
	assert.Equal(t, atDistance(0.05), res.References["Speaker 1"])
	assert.Equal(t, atDistance(0.2), res.References["Speaker 2"])

	require.Len(t, res.Resolutions, 2)
	assert.Equal(t, "A", res.Resolutions[0].Label)
	assert.Equal(t, ActionMinted, res.Resolutions[0].Action)
	assert.Equal(t, ActionMatched, res.Resolutions[1].Action)
}

func TestMatch_SequentialAllowsSharedID(t *testing.T) {
	m := newMatcher(t, func(c *MatcherConfig) { c.Exclusive = false })
	refs := ReferenceSet{"Speaker 1": {1, 0}}

	res, err := m.Match(refs, map[string][]float64{
		"A": atDistance(0.2),
		"B": atDistance(0.05),
	})
	require.NoError(t, err)
	assert.Equal(t, "Speaker 1", res.Mapping["A"])
	assert.Equal(t, "Speaker 1", res.Mapping["B"])
	// Last writer in label order wins under replace.
	assert.Equal(t, atDistance(0.05), res.References["Speaker 1"])
}

func TestMatch_SequentialMatchesIDsMintedInChunk(t *testing.T) {
	m := newMatcher(t, func(c *MatcherConfig) { c.Exclusive = false })
	refs := ReferenceSet{"Speaker 1": {1, 0}}

	res, err := m.Match(refs, map[string][]float64{
		"A": {0, 1},
		"B": {0.01, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "Speaker 2", res.Mapping["A"])
	assert.Equal(t, "Speaker 2", res.Mapping["B"])
}

func TestMatch_EMAPolicy(t *testing.T) {
	m := newMatcher(t, func(c *MatcherConfig) {
		c.Policy = UpdateEMA
		c.EMAAlpha = 0.25
	})
	refs := ReferenceSet{"Speaker 1": {1, 0}}
	incoming := []float64{1, 0.2}

	res, err := m.Match(refs, map[string][]float64{"L": incoming})
	require.NoError(t, err)
	require.Equal(t, "Speaker 1", res.Mapping["L"])
	assert.InDeltaSlice(t, []float64{1, 0.05}, res.References["Speaker 1"], 1e-9)
}

func TestMatch_DimensionMismatch(t *testing.T) {
	m := newMatcher(t, nil)
	_, err := m.Match(ReferenceSet{"Speaker 1": {1, 0, 0}}, map[string][]float64{"L": {1, 0}})
	require.Error(t, err)
	assert.Equal(t, tferrors.ErrEmbeddingDimensionMismatch, tferrors.CodeOf(err))
}

func TestMatch_Deterministic(t *testing.T) {
	m := newMatcher(t, nil)
	refs := ReferenceSet{"Speaker 1": {1, 0}, "Speaker 2": {0, 1}}
	labels := map[string][]float64{
		"A": {-1, 0},
		"B": {0, -1},
		"C": atDistance(0.1),
	}

	first, err := m.Match(refs, labels)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := m.Match(refs, labels)
		require.NoError(t, err)
		assert.Equal(t, first.Mapping, again.Mapping)
	}
	assert.Equal(t, "Speaker 3", first.Mapping["A"])
	assert.Equal(t, "Speaker 4", first.Mapping["B"])
	assert.Equal(t, "Speaker 1", first.Mapping["C"])
}

func TestMatcherConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MatcherConfig)
		wantErr bool
	}{
		{"defaults", func(*MatcherConfig) {}, false},
		{"zero threshold", func(c *MatcherConfig) { c.Threshold = 0 }, true},
		{"unknown policy", func(c *MatcherConfig) { c.Policy = "average" }, true},
		{"ema bad alpha", func(c *MatcherConfig) { c.Policy = UpdateEMA; c.EMAAlpha = 1.5 }, true},
		{"ema ok", func(c *MatcherConfig) { c.Policy = UpdateEMA; c.EMAAlpha = 0.3 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMatcherConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
