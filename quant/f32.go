package quant

import "encoding/binary"

func decodeF32(block []byte, out []float32) {
	out[0] = float32FromBits(binary.LittleEndian.Uint32(block))
}
