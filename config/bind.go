package config

import (
	"fmt"
	"reflect"

	"github.com/llmlocal/engine/container"
	"github.com/llmlocal/engine/quant"
)

// Tensor is one bound weight: a decodable View plus the shape metadata
// needed to split it into rows for matmul.
type Tensor struct {
	Name  string
	Shape []uint64
	View  quant.View
}

// Source resolves tensor names to bound Tensor values. *Loader is the only
// production implementation; tests can substitute a map-backed fake.
type Source interface {
	Tensor(name string) (*Tensor, bool)
}

// Loader binds Source against an open GGUF file, decoding each tensor's
// view lazily and caching it since forward passes re-read the same
// weights every token.
type Loader struct {
	file  *container.File
	cache map[string]*Tensor
}

// NewLoader wraps an open GGUF file as a weight Source.
func NewLoader(f *container.File) *Loader {
	return &Loader{file: f, cache: make(map[string]*Tensor)}
}

func (l *Loader) Tensor(name string) (*Tensor, bool) {
	if t, ok := l.cache[name]; ok {
		return t, true
	}
	info, ok := l.file.FindTensor(name)
	if !ok {
		return nil, false
	}

	elemType := quant.ElementType(info.Type)
	blockBytes, ok := quant.BlockBytes(elemType)
	if !ok {
		return nil, false
	}
	n := int(info.Elements())
	blockSize, _ := quant.BlockSize(elemType)
	nBytes := uint64(((n + blockSize - 1) / blockSize) * blockBytes)

	raw, err := l.file.TensorBytes(info, nBytes)
	if err != nil {
		return nil, false
	}
	view, err := quant.NewView(elemType, raw, n)
	if err != nil {
		return nil, false
	}

	t := &Tensor{Name: name, Shape: info.Shape, View: view}
	l.cache[name] = t
	return t, true
}

// Bind populates dst (a pointer to a weight-record struct) by walking its
// fields with reflection: every *Tensor field is resolved by trying its
// `gguf` tag's candidate names in order, every nested struct/slice/array
// is recursed into with the tag chain extended, and a struct that resolved
// no tensors anywhere within it collapses to its zero value so optional
// substructures (e.g. an absent shared-expert block) can be detected by
// callers as "not present" rather than "present but empty".
func Bind(src Source, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("config: Bind requires a non-nil pointer")
	}
	bindValue(src, v.Elem(), nil)
	return nil
}

var tensorType = reflect.TypeOf((*Tensor)(nil))

func bindValue(src Source, v reflect.Value, tags []Tag) bool {
	switch v.Kind() {
	case reflect.Struct:
		anyBound := false
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := v.Field(i)
			if !field.CanSet() {
				continue
			}
			fieldTags := tags
			if tagStr := t.Field(i).Tag.Get("gguf"); tagStr != "" {
				fieldTags = append(append([]Tag{}, tags...), ParseTag(tagStr))
			}
			if bindField(src, field, fieldTags) {
				anyBound = true
			}
		}
		return anyBound

	case reflect.Slice:
		anyBound := false
		for i := 0; i < v.Len(); i++ {
			if bindValue(src, v.Index(i), append(append([]Tag{}, tags...), indexTag(i))) {
				anyBound = true
			}
		}
		return anyBound

	default:
		return false
	}
}

func bindField(src Source, field reflect.Value, tags []Tag) bool {
	switch {
	case field.Type() == tensorType:
		for _, name := range BuildTensorNames(tags) {
			if tensor, ok := src.Tensor(name); ok {
				field.Set(reflect.ValueOf(tensor))
				return true
			}
		}
		return false

	case field.Kind() == reflect.Slice:
		elemIsPointer := field.Type().Elem().Kind() == reflect.Pointer
		bound := false
		// Slices of weight records need a length hint the caller already
		// set (e.g. one element per layer); Bind only fills what's there.
		for i := 0; i < field.Len(); i++ {
			elem := field.Index(i)
			itemTags := append(append([]Tag{}, tags...), indexTag(i))
			if elemIsPointer {
				if elem.IsNil() {
					elem.Set(reflect.New(elem.Type().Elem()))
				}
				if bindValue(src, elem.Elem(), itemTags) {
					bound = true
				}
			} else if bindValue(src, elem, itemTags) {
				bound = true
			}
		}
		return bound

	case field.Kind() == reflect.Struct:
		return bindValue(src, field, tags)

	case field.Kind() == reflect.Pointer:
		if field.Type().Elem().Kind() != reflect.Struct {
			return false
		}
		tmp := reflect.New(field.Type().Elem())
		if bindValue(src, tmp.Elem(), tags) {
			field.Set(tmp)
			return true
		}
		return false

	default:
		return false
	}
}
