package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

func decodeF16(block []byte, out []float32) {
	out[0] = float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
}

// f16ToF32 is the scalar conversion the quantized block decoders use for
// their f16 scale and min fields.
func f16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// f32ToF16 rounds a float32 to the nearest representable half.
func f32ToF16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}
