package quant

import "encoding/binary"

// decodeQ4_0 decodes one Q4_0 block: [scale:f16][16 bytes, 2×4-bit nibbles].
// value = (nibble − 8) · scale; nibble layout is low half of the block
// first (positions 0..15), then high half (positions 16..31).
func decodeQ4_0(block []byte, out []float32) {
	d := f16ToF32(binary.LittleEndian.Uint16(block[0:2]))
	qs := block[2:18]
	for j := 0; j < 16; j++ {
		b := qs[j]
		lo := int8(b&0x0F) - 8
		hi := int8(b>>4) - 8
		out[j] = float32(lo) * d
		out[j+16] = float32(hi) * d
	}
}
