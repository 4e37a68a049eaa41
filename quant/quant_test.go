package quant

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func encodeF16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func buildQ4_0Block(scale float32, nibbles [32]int8) []byte {
	b := make([]byte, 18)
	binary.LittleEndian.PutUint16(b[0:2], encodeF16(scale))
	for j := 0; j < 16; j++ {
		lo := byte(nibbles[j]+8) & 0x0F
		hi := (byte(nibbles[j+16]+8) & 0x0F) << 4
		b[2+j] = lo | hi
	}
	return b
}

func TestDecodeQ4_0RoundTrip(t *testing.T) {
	var nibbles [32]int8
	for i := range nibbles {
		nibbles[i] = int8(i%16) - 8
	}
	block := buildQ4_0Block(0.5, nibbles)
	out := make([]float32, 32)
	decodeQ4_0(block, out)
	for i, n := range nibbles {
		assert.InDelta(t, float32(n)*0.5, out[i], 1e-3)
	}
}

func TestDecodeQ8_0RoundTrip(t *testing.T) {
	b := make([]byte, 34)
	binary.LittleEndian.PutUint16(b[0:2], encodeF16(0.25))
	for j := 0; j < 32; j++ {
		b[2+j] = byte(int8(j - 16))
	}
	out := make([]float32, 32)
	decodeQ8_0(b, out)
	for j := 0; j < 32; j++ {
		assert.InDelta(t, float32(int8(j-16))*0.25, out[j], 1e-3)
	}
}

func TestQ4_0Q8_0FastDotAgreesWithDenseDot(t *testing.T) {
	var nibbles [32]int8
	for i := range nibbles {
		nibbles[i] = int8(i%16) - 8
	}
	block := buildQ4_0Block(0.5, nibbles)
	decoded := make([]float32, 32)
	decodeQ4_0(block, decoded)

	dense := make([]float32, 32)
	for i := range dense {
		dense[i] = float32(i) * 0.1
	}

	var want float32
	for i := range dense {
		want += decoded[i] * dense[i]
	}

	act := quantizeQ8_0(dense)
	got := dotQ4_0Q8_0(block, act)
	assert.InDelta(t, want, got, 0.5)
}

func TestViewAtMatchesDecode(t *testing.T) {
	var nibbles [32]int8
	for i := range nibbles {
		nibbles[i] = int8(i%16) - 8
	}
	block := buildQ4_0Block(0.5, nibbles)
	v, err := NewView(Q4_0, block, 32)
	require.NoError(t, err)
	assert.Equal(t, 32, v.Len())
	assert.InDelta(t, float32(nibbles[0])*0.5, v.At(0), 1e-3)
	assert.InDelta(t, float32(nibbles[31])*0.5, v.At(31), 1e-3)
}

func TestNewViewRejectsUndersizedBuffer(t *testing.T) {
	_, err := NewView(Q4_0, make([]byte, 4), 32)
	assert.ErrorIs(t, err, ErrShapeInvalid)
}

func TestNewViewRejectsUnknownType(t *testing.T) {
	_, err := NewView(ElementType(999), make([]byte, 4), 1)
	assert.ErrorIs(t, err, ErrUnsupportedElementType)
}

func TestDecodeF32(t *testing.T) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(3.5))
	out := make([]float32, 1)
	decodeF32(b, out)
	assert.Equal(t, float32(3.5), out[0])
}
