package quant

import "github.com/d4l3k/go-bfloat16"

func decodeBF16(block []byte, out []float32) {
	out[0] = bfloat16.Decode(block)[0]
}
