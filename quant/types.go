// Package quant is the tensor store: given an element-type tag and a raw
// byte slice (normally a slice into container's memory-mapped region), it
// produces a typed view offering O(1) random-access decode, a contracted
// dot product, and a parallel matrix-vector product — the uniform numerical
// interface every transformer layer computes through regardless of which
// quantization format a given weight was shipped in.
package quant

import "fmt"

// ElementType is the GGUF tensor element type tag. Values match the
// upstream ggml tensor-type enumeration so a container's raw uint32 type
// tag can be cast directly.
type ElementType uint32

const (
	F32 ElementType = 0
	F16 ElementType = 1
	Q4_0 ElementType = 2
	Q4_1 ElementType = 3
	Q5_0 ElementType = 6
	Q5_1 ElementType = 7
	Q8_0 ElementType = 8
	Q8_1 ElementType = 9
	Q2_K ElementType = 10
	Q3_K ElementType = 11
	Q4_K ElementType = 12
	Q5_K ElementType = 13
	Q6_K ElementType = 14
	Q8_K ElementType = 15
	BF16 ElementType = 30
)

func (t ElementType) String() string {
	switch t {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case Q4_0:
		return "Q4_0"
	case Q4_1:
		return "Q4_1"
	case Q5_0:
		return "Q5_0"
	case Q5_1:
		return "Q5_1"
	case Q8_0:
		return "Q8_0"
	case Q8_1:
		return "Q8_1"
	case Q2_K:
		return "Q2_K"
	case Q3_K:
		return "Q3_K"
	case Q4_K:
		return "Q4_K"
	case Q5_K:
		return "Q5_K"
	case Q6_K:
		return "Q6_K"
	case Q8_K:
		return "Q8_K"
	case BF16:
		return "BF16"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// blockFormat binds the three constants and the decoder the design requires
// for every element type: block_size (float elements per block), block_bytes
// (raw bytes per block), and a decode function.
type blockFormat struct {
	blockSize  int
	blockBytes int
	decode     func(block []byte, out []float32)
}

var formats = map[ElementType]blockFormat{
	F32:  {1, 4, decodeF32},
	F16:  {1, 2, decodeF16},
	BF16: {1, 2, decodeBF16},
	Q4_0: {32, 18, decodeQ4_0},
	Q8_0: {32, 34, decodeQ8_0},
	Q4_K: {256, 144, decodeQ4_K},
	Q5_K: {256, 176, decodeQ5_K},
	Q6_K: {256, 210, decodeQ6_K},
	Q3_K: {256, 110, decodeQ3_K},
}

// BlockSize returns the number of float elements packed into one block of
// this element type, or (0, false) if the type has no registered decoder.
func BlockSize(t ElementType) (int, bool) {
	f, ok := formats[t]
	if !ok {
		return 0, false
	}
	return f.blockSize, true
}

// BlockBytes returns the number of raw bytes per block.
func BlockBytes(t ElementType) (int, bool) {
	f, ok := formats[t]
	if !ok {
		return 0, false
	}
	return f.blockBytes, true
}

// IsQuantized reports whether t is a packed/quantized format rather than a
// plain float representation.
func IsQuantized(t ElementType) bool {
	switch t {
	case F32, F16, BF16:
		return false
	default:
		_, ok := formats[t]
		return ok
	}
}
