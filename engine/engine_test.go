package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRopeIsLengthPreserving(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	var normBefore float32
	for _, v := range x {
		normBefore += v * v
	}

	ApplyRope(x, 5, RopeParams{Style: RopeNeox, Dim: 4, FreqBase: 10000})

	var normAfter float32
	for _, v := range x {
		normAfter += v * v
	}
	assert.InDelta(t, normBefore, normAfter, 1e-3)
}

func TestApplyRopeZeroPositionIsIdentity(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	want := append([]float32(nil), x...)
	ApplyRope(x, 0, RopeParams{Style: RopeNeox, Dim: 4, FreqBase: 10000})
	for i := range x {
		assert.InDelta(t, want[i], x[i], 1e-4)
	}
}

func TestKVCacheWriteOnce(t *testing.T) {
	c := NewKVCache(2, 2, 4, 8)
	pos, err := c.Append(0, make([]float32, 8), make([]float32, 8))
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	// layer 0 append doesn't advance the shared cursor; only the last
	// layer's append does, since all layers write the same position.
	assert.Equal(t, 0, c.Len())

	_, err = c.Append(1, make([]float32, 8), make([]float32, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestKVCacheRejectsOverflow(t *testing.T) {
	c := NewKVCache(1, 1, 2, 1)
	_, err := c.Append(0, make([]float32, 2), make([]float32, 2))
	require.NoError(t, err)
	_, err = c.Append(0, make([]float32, 2), make([]float32, 2))
	assert.Error(t, err)
}

func TestApplyRopeNormalStyleRotatesAdjacentPairs(t *testing.T) {
	x := []float32{1, 0, 1, 0}
	ApplyRope(x, 1, RopeParams{Style: RopeNormal, Dim: 4, FreqBase: 10000})
	// A RopeNormal rotation at pos 1 turns each adjacent pair (1,0) into
	// (cos(theta_i), sin(theta_i)) at that pair's own frequency
	// theta_i = FreqBase^(-2i/Dim) (1 for pair 0, 0.01 for pair 1), unlike
	// RopeNeox's split-half pairing of x[i] with x[i+half].
	assert.InDelta(t, math.Cos(1), x[0], 1e-4)
	assert.InDelta(t, math.Sin(1), x[1], 1e-4)
	assert.InDelta(t, math.Cos(0.01), x[2], 1e-4)
	assert.InDelta(t, math.Sin(0.01), x[3], 1e-4)
}

func TestApplyRopeYaRNDisabledMatchesPlainTheta(t *testing.T) {
	withoutYarn := []float32{1, 2, 3, 4}
	ApplyRope(withoutYarn, 3, RopeParams{Style: RopeNeox, Dim: 4, FreqBase: 10000})

	disabledYarn := []float32{1, 2, 3, 4}
	ApplyRope(disabledYarn, 3, RopeParams{Style: RopeNeox, Dim: 4, FreqBase: 10000, Scale: 1, OrigContext: 0})

	for i := range withoutYarn {
		assert.InDelta(t, withoutYarn[i], disabledYarn[i], 1e-5)
	}
}

func TestApplyRopeYaRNScalesNormByAttnFactor(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	var normBefore float32
	for _, v := range x {
		normBefore += v * v
	}

	ApplyRope(x, 200, RopeParams{
		Style: RopeNeox, Dim: 8, FreqBase: 10000,
		Scale: 4, OrigContext: 2048, BetaFast: 32, BetaSlow: 1,
	})

	// YaRN's attention-factor rescaling changes cos/sin's magnitude (it is
	// not a pure rotation), so the post-rotation norm tracks attnFactor^2
	// times the original norm rather than staying exactly equal to it.
	attnFactor := yarnAttnFactor(4)
	var normAfter float32
	for _, v := range x {
		normAfter += v * v
	}
	assert.InDelta(t, float64(normBefore)*float64(attnFactor*attnFactor), float64(normAfter), 1e-2)
}

func TestYarnCorrectionRangeIsOrdered(t *testing.T) {
	low, high := yarnCorrectionRange(RopeParams{Dim: 128, FreqBase: 10000, OrigContext: 4096, BetaFast: 32, BetaSlow: 1})
	assert.LessOrEqual(t, low, high)
	assert.GreaterOrEqual(t, low, 0.0)
	assert.LessOrEqual(t, high, float64(128/2-1))
}

func TestSelectExpertsPicksHighestLogits(t *testing.T) {
	logits := []float32{0.1, 5.0, 0.2, 4.0, -1.0}
	indices, weights := SelectExperts(logits, MoEParams{ExpertUsed: 2, NormalizeWeights: true})
	require.Len(t, indices, 2)
	assert.ElementsMatch(t, []int{1, 3}, indices)

	var sum float32
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}
