package container

import (
	"bytes"
	"fmt"
)

var magic = [4]byte{'G', 'G', 'U', 'F'}

// Header is the fixed-size prefix of a GGUF file.
type Header struct {
	Magic   [4]byte
	Version uint32

	// TensorCount and MetadataCount are widened to uint64 regardless of the
	// on-disk width: v1 stores them as uint32, v2/v3 as uint64.
	TensorCount   uint64
	MetadataCount uint64
}

// TensorInfo is one entry of the tensor directory: name, shape, element
// type tag, and byte offset relative to the start of the data region.
type TensorInfo struct {
	Name   string
	Shape  []uint64
	Type   uint32
	Offset uint64 // relative to the start of the data region
}

// Elements returns the total element count across all dimensions.
func (t TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// File is an opened, memory-mapped GGUF container. The mapped region is
// shared read-only for the lifetime of the File; TensorBytes returns slices
// into it rather than copies.
type File struct {
	Header Header
	KV     KV
	Tensors []TensorInfo

	byName map[string]int

	data       mapping
	dataOffset int64 // absolute byte offset of the data region within data.bytes()
}

// Open memory-maps path and parses the header, metadata dictionary, and
// tensor directory. The returned File must be Close'd by the caller.
func Open(path string) (*File, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}

	f := &File{data: m, byName: make(map[string]int)}
	if err := f.parse(); err != nil {
		m.Close()
		return nil, err
	}
	return f, nil
}

// Close unmaps the file.
func (f *File) Close() error {
	return f.data.Close()
}

func (f *File) parse() error {
	buf := f.data.bytes()
	c := &cursor{buf: buf}

	magicBytes, err := c.take(4)
	if err != nil {
		return err
	}
	copy(f.Header.Magic[:], magicBytes)
	if !bytes.Equal(f.Header.Magic[:], magic[:]) {
		return fmt.Errorf("%w: bad magic %q", ErrMalformed, magicBytes)
	}

	version, err := readScalar[uint32](c)
	if err != nil {
		return err
	}
	f.Header.Version = version

	switch version {
	case 1:
		tc, err := readScalar[uint32](c)
		if err != nil {
			return err
		}
		mc, err := readScalar[uint32](c)
		if err != nil {
			return err
		}
		f.Header.TensorCount, f.Header.MetadataCount = uint64(tc), uint64(mc)
	case 2, 3:
		tc, err := readScalar[uint64](c)
		if err != nil {
			return err
		}
		mc, err := readScalar[uint64](c)
		if err != nil {
			return err
		}
		f.Header.TensorCount, f.Header.MetadataCount = tc, mc
	default:
		return fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}

	f.KV = newKV()
	for i := uint64(0); i < f.Header.MetadataCount; i++ {
		key, err := readKeyV1OrLater(c, version)
		if err != nil {
			return fmt.Errorf("metadata entry %d: %w", i, err)
		}
		t, err := readValueType(c)
		if err != nil {
			return fmt.Errorf("metadata entry %d: %w", i, err)
		}
		if t == ValueTypeArray {
			v, err := readArrayValue(c)
			if err != nil {
				return fmt.Errorf("metadata entry %q: %w", key, err)
			}
			f.KV.set(key, v)
			continue
		}
		raw, err := readValue(c, t)
		if err != nil {
			return fmt.Errorf("metadata entry %q: %w", key, err)
		}
		f.KV.set(key, Value{Type: t, Raw: raw})
	}

	f.Tensors = make([]TensorInfo, f.Header.TensorCount)
	for i := uint64(0); i < f.Header.TensorCount; i++ {
		name, err := readKeyV1OrLater(c, version)
		if err != nil {
			return fmt.Errorf("tensor %d: %w", i, err)
		}
		nDims, err := readScalar[uint32](c)
		if err != nil {
			return err
		}
		shape := make([]uint64, nDims)
		for d := range shape {
			shape[d], err = readScalar[uint64](c)
			if err != nil {
				return err
			}
		}
		kind, err := readScalar[uint32](c)
		if err != nil {
			return err
		}
		offset, err := readScalar[uint64](c)
		if err != nil {
			return err
		}

		f.Tensors[i] = TensorInfo{Name: name, Shape: shape, Type: kind, Offset: offset}
		f.byName[name] = int(i)
	}

	alignment := f.KV.Int("general.alignment", 32)
	if alignment <= 0 {
		alignment = 32
	}
	pos := c.off
	pad := (alignment - pos%alignment) % alignment
	f.dataOffset = pos + pad

	return nil
}

// readKeyV1OrLater reads a GGUF string, handling the v1 null-terminator
// quirk (the on-disk format's actual version skew, carried forward rather
// than assuming every file is v3).
func readKeyV1OrLater(c *cursor, version uint32) (string, error) {
	s, err := readString(c)
	if err != nil {
		return "", err
	}
	if version == 1 && len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s, nil
}

// FindTensor looks up a tensor by exact name.
func (f *File) FindTensor(name string) (TensorInfo, bool) {
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// TensorBytes returns the raw, packed bytes for a tensor: a slice into the
// mapped region, not a copy. nbytes is supplied by the caller (quant
// package) since byte length depends on element type, not just shape.
func (f *File) TensorBytes(t TensorInfo, nbytes uint64) ([]byte, error) {
	buf := f.data.bytes()
	start := f.dataOffset + int64(t.Offset)
	end := start + int64(nbytes)
	if start < 0 || end > int64(len(buf)) {
		return nil, fmt.Errorf("%w: tensor %q out of bounds [%d:%d] (file size %d)", ErrMalformed, t.Name, start, end, len(buf))
	}
	return buf[start:end], nil
}

// MetadataGetInt returns an integer-typed metadata value.
func (f *File) MetadataGetInt(key string, def int64) int64 { return f.KV.Int(key, def) }

// MetadataGetFloat returns a float-typed metadata value.
func (f *File) MetadataGetFloat(key string, def float64) float64 { return f.KV.Float(key, def) }

// MetadataGetString returns a string-typed metadata value.
func (f *File) MetadataGetString(key string, def string) string { return f.KV.String(key, def) }

// MetadataGetStringArray returns a string-array metadata value.
func (f *File) MetadataGetStringArray(key string) ([]string, bool) { return f.KV.StringArray(key) }

// MetadataGetFloat32Array returns a float32-array metadata value.
func (f *File) MetadataGetFloat32Array(key string) ([]float32, bool) { return f.KV.Float32Array(key) }

// MetadataGetUint32Array returns a uint32-array metadata value, widening
// from int32 storage if needed.
func (f *File) MetadataGetUint32Array(key string) ([]uint32, bool) { return f.KV.Uint32Array(key) }

// MetadataGetBool returns a bool-typed metadata value.
func (f *File) MetadataGetBool(key string, def bool) bool { return f.KV.Bool(key, def) }

// Preload performs a single sequential scan of the data region, touching
// each page once, to amortize page faults before the first forward pass
// rather than paying for them scattered across the prefill.
func (f *File) Preload() error {
	buf := f.data.bytes()
	const pageSize = 4096
	var sink byte
	for i := int(f.dataOffset); i < len(buf); i += pageSize {
		sink ^= buf[i]
	}
	_ = sink
	return nil
}

// Size returns the total mapped file size in bytes.
func (f *File) Size() int64 {
	return int64(len(f.data.bytes()))
}
