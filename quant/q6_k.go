package quant

import "encoding/binary"

// decodeQ6_K decodes one Q6_K block:
// [ql:128B][qh:64B][scales:16B i8][d:f16]. 6-bit quant, signed per-16
// sub-block scales; value = d·sc·(q−32).
func decodeQ6_K(block []byte, out []float32) {
	ql := block[0:128]
	qh := block[128:192]
	scales := block[192:208]
	d := f16ToF32(binary.LittleEndian.Uint16(block[208:210]))

	y := 0
	for n := 0; n < 256; n += 128 {
		qlw := ql[(n/128)*64 : (n/128)*64+64]
		qhw := qh[(n/128)*32 : (n/128)*32+32]
		sc := scales[(n/128)*8 : (n/128)*8+8]

		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int8((qlw[l]&0x0F)|(((qhw[l]>>0)&3)<<4)) - 32
			q2 := int8((qlw[l+32]&0x0F)|(((qhw[l]>>2)&3)<<4)) - 32
			q3 := int8((qlw[l]>>4)|(((qhw[l]>>4)&3)<<4)) - 32
			q4 := int8((qlw[l+32]>>4)|(((qhw[l]>>6)&3)<<4)) - 32

			out[y+l+0] = d * float32(int8(sc[is+0])) * float32(q1)
			out[y+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
			out[y+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
			out[y+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
		}
		y += 128
	}
}
