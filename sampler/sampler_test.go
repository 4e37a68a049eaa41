package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedySampleIsDeterministicArgmax(t *testing.T) {
	logits := []float32{0.1, 0.9, 0.3, -0.2}
	id, err := Sample(logits, nil, Params{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)
}

func TestSampleIsDeterministicForSameSeed(t *testing.T) {
	logits := []float32{1, 2, 3, 4, 5}
	p := Params{Temperature: 1, Seed: 42}
	a, err := Sample(logits, nil, p)
	require.NoError(t, err)
	b, err := Sample(logits, nil, p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTopPRestrictsToNucleus(t *testing.T) {
	probs := []float32{0.7, 0.2, 0.05, 0.05}
	out := topP(probs, 0.9)
	assert.Greater(t, out[0], float32(0))
	assert.Greater(t, out[1], float32(0))
	assert.Equal(t, float32(0), out[3])
}

func TestTopKKeepsOnlyKEntries(t *testing.T) {
	probs := []float32{0.4, 0.3, 0.2, 0.1}
	out := topK(probs, 2)
	nonZero := 0
	for _, v := range out {
		if v > 0 {
			nonZero++
		}
	}
	assert.Equal(t, 2, nonZero)
}

func TestRepetitionPenaltyReducesRepeatedTokenLogit(t *testing.T) {
	logits := []float32{1, 1, 1}
	history := []int32{0, 0, 0}
	working := append([]float32(nil), logits...)
	applyRepetitionPenalty(working, history, Params{RepetitionPenalty: 2})
	assert.Less(t, working[0], logits[0])
	assert.Equal(t, logits[1], working[1])
}

func TestSampleRejectsEmptyLogits(t *testing.T) {
	_, err := Sample(nil, nil, Params{})
	assert.Error(t, err)
}
