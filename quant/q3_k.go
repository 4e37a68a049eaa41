package quant

import "encoding/binary"

// unpackQ3KScales unpacks the 12-byte packed-scale array of a Q3_K block
// into 16 signed 6-bit scales (range -32..31). The packing interleaves two
// high bits of each scale, stored as four 32-bit little-endian words, across
// the low 12 bytes. Flagged per the format's own open question: this
// ordering was reconstructed from memory and should be checked bit-for-bit
// against a reference implementation before being trusted for anything
// beyond best-effort decoding.
func unpackQ3KScales(scales []byte) [16]int8 {
	var aux [4]uint32
	for i := 0; i < 4; i++ {
		aux[i] = binary.LittleEndian.Uint32([]byte{scales[i*3], scales[i*3+1], scales[i*3+2], 0})
	}

	const kmask1 uint32 = 0x03030303
	const kmask2 uint32 = 0x0f0f0f0f

	tmp := aux[2]
	aux[2] = ((aux[0] >> 4) & kmask2) | (((tmp >> 4) & kmask1) << 4)
	aux[3] = ((aux[1] >> 4) & kmask2) | (((tmp >> 6) & kmask1) << 4)
	aux[0] = (aux[0] & kmask2) | (((tmp >> 0) & kmask1) << 4)
	aux[1] = (aux[1] & kmask2) | (((tmp >> 2) & kmask1) << 4)

	var out [16]int8
	for i := 0; i < 4; i++ {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], aux[i])
		for j := 0; j < 4; j++ {
			out[i*4+j] = int8(b[j]) - 32
		}
	}
	return out
}

// decodeQ3_K decodes one Q3_K block:
// [hmask:32B][qs:64B][scales:12B packed 6-bit][d:f16].
// Each value is a 3-bit quant: two low bits come from qs, the third from the
// matching bit of hmask. A cleared high bit subtracts 4 instead of adding
// the bit's own weight, matching the reference decoder's convention.
func decodeQ3_K(block []byte, out []float32) {
	hmask := block[0:32]
	qs := block[32:96]
	scales := block[96:108]
	d := f16ToF32(binary.LittleEndian.Uint16(block[108:110]))

	sc := unpackQ3KScales(scales)

	is := 0
	y := 0
	m := uint8(1)
	for n := 0; n < 256; n += 128 {
		q := qs[(n/128)*32 : (n/128)*32+32]
		shift := 0
		for j := 0; j < 4; j++ {
			d1 := d * float32(sc[is])
			is++
			for l := 0; l < 16; l++ {
				lo := int32((q[l] >> uint(shift)) & 3)
				hi := int32(0)
				if hmask[l]&m == 0 {
					hi = 4
				}
				out[y] = d1 * float32(lo-hi)
				y++
			}
			d2 := d * float32(sc[is])
			is++
			for l := 0; l < 16; l++ {
				lo := int32((q[l+16] >> uint(shift)) & 3)
				hi := int32(0)
				if hmask[l+16]&m == 0 {
					hi = 4
				}
				out[y] = d2 * float32(lo-hi)
				y++
			}
			m <<= 1
			shift += 2
		}
	}
}
