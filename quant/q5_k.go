package quant

import "encoding/binary"

// decodeQ5_K decodes one Q5_K block: Q4_K extended with a 32-byte high-bit
// plane between the scales and the quants:
// [d:f16][dmin:f16][scales:12B][qh:32B][qs:128B].
// value is assembled from the low nibble plus the corresponding high bit.
func decodeQ5_K(block []byte, out []float32) {
	d := f16ToF32(binary.LittleEndian.Uint16(block[0:2]))
	dmin := f16ToF32(binary.LittleEndian.Uint16(block[2:4]))
	scales := block[4:16]
	qh := block[16:48]
	qs := block[48:176]

	is := 0
	y := 0
	var u1, u2 uint8 = 1, 2
	for j := 0; j < 256; j += 64 {
		sc1, m1 := getScaleMinK4(is, scales)
		sc2, m2 := getScaleMinK4(is+1, scales)
		d1, dm1 := d*float32(sc1), dmin*float32(m1)
		d2, dm2 := d*float32(sc2), dmin*float32(m2)

		ql := qs[(j/64)*32 : (j/64)*32+32]
		for l := 0; l < 32; l++ {
			hi := float32(0)
			if qh[l]&u1 != 0 {
				hi = 16
			}
			out[y] = d1*(float32(ql[l]&0x0F)+hi) - dm1
			y++
		}
		for l := 0; l < 32; l++ {
			hi := float32(0)
			if qh[l]&u2 != 0 {
				hi = 16
			}
			out[y] = d2*(float32(ql[l]>>4)+hi) - dm2
			y++
		}
		is += 2
		u1 <<= 2
		u2 <<= 2
	}
}
