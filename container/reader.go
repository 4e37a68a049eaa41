package container

import (
	"encoding/binary"
	"fmt"
)

// cursor is a forward-only reader over the memory-mapped file bytes. Using
// the mapped slice directly (rather than buffering through an os.File)
// keeps metadata and tensor-directory parsing allocation-free except where
// a value must be materialized (strings, arrays).
type cursor struct {
	buf []byte
	off int64
}

func (c *cursor) remaining() int64 {
	return int64(len(c.buf)) - c.off
}

func (c *cursor) take(n int64) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: truncated at offset %d wanting %d bytes", ErrMalformed, c.off, n)
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func readScalar[T uint8 | int8 | uint16 | int16 | uint32 | int32 | uint64 | int64 | float32 | float64](c *cursor) (T, error) {
	var zero T
	var size int
	switch any(zero).(type) {
	case uint8, int8:
		size = 1
	case uint16, int16:
		size = 2
	case uint32, int32, float32:
		size = 4
	case uint64, int64, float64:
		size = 8
	}
	b, err := c.take(int64(size))
	if err != nil {
		return zero, err
	}
	var out T
	switch size {
	case 1:
		out = T(b[0])
	case 2:
		out = T(binary.LittleEndian.Uint16(b))
	case 4:
		switch any(zero).(type) {
		case float32:
			out = any(float32FromBits(binary.LittleEndian.Uint32(b))).(T)
		default:
			out = T(binary.LittleEndian.Uint32(b))
		}
	case 8:
		switch any(zero).(type) {
		case float64:
			out = any(float64FromBits(binary.LittleEndian.Uint64(b))).(T)
		default:
			out = T(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

func readBool(c *cursor) (bool, error) {
	b, err := c.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func readString(c *cursor) (string, error) {
	n, err := readScalar[uint64](c)
	if err != nil {
		return "", err
	}
	b, err := c.take(int64(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readValueType(c *cursor) (ValueType, error) {
	t, err := readScalar[uint32](c)
	if err != nil {
		return 0, err
	}
	return ValueType(t), nil
}

// readValue reads one scalar or string metadata value given its type tag;
// arrays are read by readArrayValue, and any other tag is ErrMalformed.
func readValue(c *cursor, t ValueType) (any, error) {
	switch t {
	case ValueTypeUint8:
		return readScalar[uint8](c)
	case ValueTypeInt8:
		return readScalar[int8](c)
	case ValueTypeUint16:
		return readScalar[uint16](c)
	case ValueTypeInt16:
		return readScalar[int16](c)
	case ValueTypeUint32:
		return readScalar[uint32](c)
	case ValueTypeInt32:
		return readScalar[int32](c)
	case ValueTypeUint64:
		return readScalar[uint64](c)
	case ValueTypeInt64:
		return readScalar[int64](c)
	case ValueTypeFloat32:
		return readScalar[float32](c)
	case ValueTypeFloat64:
		return readScalar[float64](c)
	case ValueTypeBool:
		return readBool(c)
	case ValueTypeString:
		return readString(c)
	default:
		return nil, fmt.Errorf("%w: unexpected scalar type %v", ErrMalformed, t)
	}
}

func readArrayValue(c *cursor) (Value, error) {
	elem, err := readValueType(c)
	if err != nil {
		return Value{}, err
	}
	n, err := readScalar[uint64](c)
	if err != nil {
		return Value{}, err
	}

	switch elem {
	case ValueTypeString:
		out := make([]string, n)
		for i := range out {
			s, err := readString(c)
			if err != nil {
				return Value{}, err
			}
			out[i] = s
		}
		return Value{Type: ValueTypeArray, Elem: elem, Raw: out}, nil
	case ValueTypeFloat32:
		out := make([]float32, n)
		for i := range out {
			v, err := readScalar[float32](c)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return Value{Type: ValueTypeArray, Elem: elem, Raw: out}, nil
	case ValueTypeInt32:
		out := make([]int32, n)
		for i := range out {
			v, err := readScalar[int32](c)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return Value{Type: ValueTypeArray, Elem: elem, Raw: out}, nil
	case ValueTypeUint32:
		out := make([]uint32, n)
		for i := range out {
			v, err := readScalar[uint32](c)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return Value{Type: ValueTypeArray, Elem: elem, Raw: out}, nil
	case ValueTypeBool:
		out := make([]bool, n)
		for i := range out {
			v, err := readBool(c)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return Value{Type: ValueTypeArray, Elem: elem, Raw: out}, nil
	default:
		// Other fixed-width element types are skipped, leaving Raw nil;
		// element types with no fixed width are rejected (see below).
		return Value{Type: ValueTypeArray, Elem: elem, Raw: nil}, skipUnknownArray(c, elem, n)
	}
}

// skipUnknownArray advances the cursor past an array of a fixed-width
// element type this reader does not decode. Element types with no fixed
// width (nested arrays, unrecognized tags) are rejected with ErrMalformed,
// which ends the parse.
func skipUnknownArray(c *cursor, elem ValueType, n uint64) error {
	size, ok := fixedSize(elem)
	if !ok {
		return fmt.Errorf("%w: unsupported array element type %v", ErrMalformed, elem)
	}
	_, err := c.take(int64(size) * int64(n))
	return err
}

func fixedSize(t ValueType) (int, bool) {
	switch t {
	case ValueTypeUint8, ValueTypeInt8, ValueTypeBool:
		return 1, true
	case ValueTypeUint16, ValueTypeInt16:
		return 2, true
	case ValueTypeUint32, ValueTypeInt32, ValueTypeFloat32:
		return 4, true
	case ValueTypeUint64, ValueTypeInt64, ValueTypeFloat64:
		return 8, true
	default:
		return 0, false
	}
}
