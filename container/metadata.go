package container

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ValueType is the GGUF metadata value type tag.
type ValueType uint32

const (
	ValueTypeUint8 ValueType = iota
	ValueTypeInt8
	ValueTypeUint16
	ValueTypeInt16
	ValueTypeUint32
	ValueTypeInt32
	ValueTypeFloat32
	ValueTypeBool
	ValueTypeString
	ValueTypeArray
	ValueTypeUint64
	ValueTypeInt64
	ValueTypeFloat64
)

// Value is one metadata dictionary entry. Arrays carry their element type
// and the decoded slice as Raw; scalars carry the decoded scalar as Raw.
type Value struct {
	Type  ValueType
	Elem  ValueType // meaningful only when Type == ValueTypeArray
	Raw   any
}

// KV is the parsed metadata dictionary, insertion-ordered so tooling built
// on the container (model_info dumps, debugging) can reproduce file order.
type KV struct {
	m *orderedmap.OrderedMap[string, Value]
}

func newKV() KV {
	return KV{m: orderedmap.New[string, Value]()}
}

func (kv KV) set(key string, v Value) {
	kv.m.Set(key, v)
}

// Get returns the raw decoded value for key.
func (kv KV) Get(key string) (Value, bool) {
	return kv.m.Get(key)
}

// Len returns the number of metadata entries.
func (kv KV) Len() int {
	return kv.m.Len()
}

// Keys returns metadata keys in file (insertion) order.
func (kv KV) Keys() []string {
	keys := make([]string, 0, kv.m.Len())
	for pair := kv.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Int reads an integer-typed scalar, converting from whichever sized
// integer the file actually stored. Returns def if the key is absent.
func (kv KV) Int(key string, def int64) int64 {
	v, ok := kv.m.Get(key)
	if !ok {
		return def
	}
	switch n := v.Raw.(type) {
	case uint8:
		return int64(n)
	case int8:
		return int64(n)
	case uint16:
		return int64(n)
	case int16:
		return int64(n)
	case uint32:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case int64:
		return n
	default:
		return def
	}
}

// Float reads a float-typed scalar. Returns def if the key is absent or of
// a non-numeric type.
func (kv KV) Float(key string, def float64) float64 {
	v, ok := kv.m.Get(key)
	if !ok {
		return def
	}
	switch n := v.Raw.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return kv.Float64FromInt(key, def)
	}
}

// Float64FromInt supports metadata that stores a float-ish setting as an
// integer literal, which some writers do for round numbers.
func (kv KV) Float64FromInt(key string, def float64) float64 {
	v, ok := kv.m.Get(key)
	if !ok {
		return def
	}
	switch n := v.Raw.(type) {
	case uint8:
		return float64(n)
	case int8:
		return float64(n)
	case uint16:
		return float64(n)
	case int16:
		return float64(n)
	case uint32:
		return float64(n)
	case int32:
		return float64(n)
	case uint64:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

// String reads a string-typed scalar.
func (kv KV) String(key string, def string) string {
	v, ok := kv.m.Get(key)
	if !ok {
		return def
	}
	if s, ok := v.Raw.(string); ok {
		return s
	}
	return def
}

// Bool reads a bool-typed scalar.
func (kv KV) Bool(key string, def bool) bool {
	v, ok := kv.m.Get(key)
	if !ok {
		return def
	}
	if b, ok := v.Raw.(bool); ok {
		return b
	}
	return def
}

// StringArray reads a string array value.
func (kv KV) StringArray(key string) ([]string, bool) {
	v, ok := kv.m.Get(key)
	if !ok || v.Type != ValueTypeArray || v.Elem != ValueTypeString {
		return nil, false
	}
	s, ok := v.Raw.([]string)
	return s, ok
}

// Float32Array reads a float32 array value (used for rope_freqs.weight-like
// auxiliary vectors that ship as plain metadata rather than tensors).
func (kv KV) Float32Array(key string) ([]float32, bool) {
	v, ok := kv.m.Get(key)
	if !ok || v.Type != ValueTypeArray || v.Elem != ValueTypeFloat32 {
		return nil, false
	}
	s, ok := v.Raw.([]float32)
	return s, ok
}

// Uint32Array reads a uint32/int32 array value, widening as needed. Used for
// token-type and similar small-integer arrays in tokenizer metadata.
func (kv KV) Uint32Array(key string) ([]uint32, bool) {
	v, ok := kv.m.Get(key)
	if !ok || v.Type != ValueTypeArray {
		return nil, false
	}
	switch s := v.Raw.(type) {
	case []uint32:
		return s, true
	case []int32:
		out := make([]uint32, len(s))
		for i, n := range s {
			out[i] = uint32(n)
		}
		return out, true
	default:
		return nil, false
	}
}

func (v ValueType) String() string {
	switch v {
	case ValueTypeUint8:
		return "uint8"
	case ValueTypeInt8:
		return "int8"
	case ValueTypeUint16:
		return "uint16"
	case ValueTypeInt16:
		return "int16"
	case ValueTypeUint32:
		return "uint32"
	case ValueTypeInt32:
		return "int32"
	case ValueTypeFloat32:
		return "float32"
	case ValueTypeBool:
		return "bool"
	case ValueTypeString:
		return "string"
	case ValueTypeArray:
		return "array"
	case ValueTypeUint64:
		return "uint64"
	case ValueTypeInt64:
		return "int64"
	case ValueTypeFloat64:
		return "float64"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(v))
	}
}
