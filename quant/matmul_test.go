package quant

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatMulAgreesWithSequentialDot(t *testing.T) {
	const rows, cols = 17, 32
	raw := make([]byte, rows*4*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := float32(r) - float32(c)*0.5
			off := r*4*cols + c*4
			putF32(raw[off:off+4], v)
		}
	}
	view, err := NewView(F32, raw, rows*cols)
	require.NoError(t, err)

	input := make([]float32, cols)
	for i := range input {
		input[i] = float32(i) * 0.3
	}

	out := make([]float32, rows)
	err = MatMul(context.Background(), view, input, rows, cols, out)
	require.NoError(t, err)

	for r := 0; r < rows; r++ {
		row := view.Row(r, cols)
		want := row.Dot(0, input, cols)
		assert.InDelta(t, want, out[r], 1e-3)
	}
}

func putF32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}
