package quant

import "encoding/binary"

// getScaleMinK4 unpacks the two 6-bit fields (scale, min) for sub-block j
// out of the 12-byte packed scales array shared by Q4_K and Q5_K. Sub-blocks
// 0..3 and 4..7 are packed with a nibble swap documented in spec §3.
func getScaleMinK4(j int, scales []byte) (sc, m uint8) {
	if j < 4 {
		sc = scales[j] & 63
		m = scales[j+4] & 63
	} else {
		sc = (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
		m = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	}
	return sc, m
}

// decodeQ4_K decodes one Q4_K block: [d:f16][dmin:f16][scales:12B][qs:128B].
// Eight 32-element sub-blocks, each with its own 6-bit scale and min;
// value = d·sc·q − dmin·m.
func decodeQ4_K(block []byte, out []float32) {
	d := f16ToF32(binary.LittleEndian.Uint16(block[0:2]))
	dmin := f16ToF32(binary.LittleEndian.Uint16(block[2:4]))
	scales := block[4:16]
	qs := block[16:144]

	is := 0
	y := 0
	for j := 0; j < 256; j += 64 {
		sc1, m1 := getScaleMinK4(is, scales)
		sc2, m2 := getScaleMinK4(is+1, scales)
		d1, dm1 := d*float32(sc1), dmin*float32(m1)
		d2, dm2 := d*float32(sc2), dmin*float32(m2)

		q := qs[(j/64)*32 : (j/64)*32+32]
		for l := 0; l < 32; l++ {
			out[y] = d1*float32(q[l]&0x0F) - dm1
			y++
		}
		for l := 0; l < 32; l++ {
			out[y] = d2*float32(q[l]>>4) - dm2
			y++
		}
		is += 2
	}
}
