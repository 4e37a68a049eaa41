package quant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These k-quant formats pack multiple sub-block scales into a handful of
// bytes with bit layouts that are easy to get subtly wrong; these tests are
// smoke tests confirming every byte of the block is consumed without
// panicking and that the decoded values stay finite and bounded, not a
// bit-exact verification against a reference decoder.

func smokeDecode(t *testing.T, elemType ElementType, blockBytes int) {
	t.Helper()
	block := make([]byte, blockBytes)
	for i := range block {
		block[i] = byte(i * 37)
	}
	n, ok := BlockSize(elemType)
	require.True(t, ok)

	v, err := NewView(elemType, block, n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		val := v.At(i)
		assert.False(t, math.IsNaN(float64(val)), "index %d produced NaN", i)
		assert.False(t, math.IsInf(float64(val), 0), "index %d produced Inf", i)
	}
}

func TestDecodeQ4_KSmoke(t *testing.T) { smokeDecode(t, Q4_K, 144) }
func TestDecodeQ5_KSmoke(t *testing.T) { smokeDecode(t, Q5_K, 176) }
func TestDecodeQ6_KSmoke(t *testing.T) { smokeDecode(t, Q6_K, 210) }
func TestDecodeQ3_KSmoke(t *testing.T) { smokeDecode(t, Q3_K, 110) }

func TestUnpackQ3KScalesRange(t *testing.T) {
	scales := make([]byte, 12)
	for i := range scales {
		scales[i] = byte(i * 23)
	}
	sc := unpackQ3KScales(scales)
	for _, s := range sc {
		assert.True(t, s >= -32 && s <= 31)
	}
}

func TestGetScaleMinK4Range(t *testing.T) {
	scales := make([]byte, 12)
	for i := range scales {
		scales[i] = byte(i * 19)
	}
	for j := 0; j < 8; j++ {
		sc, m := getScaleMinK4(j, scales)
		assert.True(t, sc <= 63)
		assert.True(t, m <= 63)
	}
}
