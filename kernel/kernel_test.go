package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.Equal(t, float32(32), Dot(a, b))
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	Softmax(x)
	var sum float32
	for _, v := range x {
		require.GreaterOrEqual(t, v, float32(0))
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestSoftmaxIsShiftInvariant(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{1001, 1002, 1003}
	Softmax(a)
	Softmax(b)
	for i := range a {
		assert.InDelta(t, a[i], b[i], 1e-4)
	}
}

func TestRMSNorm(t *testing.T) {
	x := []float32{3, 4}
	w := []float32{1, 1}
	out := make([]float32, 2)
	RMSNorm(out, x, w, 1e-6)

	var sumSq float64
	for _, v := range out {
		sumSq += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sumSq/float64(len(out)), 1e-3)
}

func TestSiLUAtZero(t *testing.T) {
	x := []float32{0}
	SiLU(x)
	assert.InDelta(t, 0, x[0], 1e-6)
}

func TestSaxpyAccumulate(t *testing.T) {
	dst := []float32{1, 1, 1}
	Saxpy(dst, 2, []float32{1, 2, 3})
	assert.Equal(t, []float32{3, 5, 7}, dst)
}

func TestGELUMonotonicNearZero(t *testing.T) {
	x := []float32{-0.1, 0, 0.1}
	GELU(x)
	assert.True(t, x[0] < x[1])
	assert.True(t, x[1] < x[2])
	assert.False(t, math.IsNaN(float64(x[0])))
}
