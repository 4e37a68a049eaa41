// Package config resolves a loaded GGUF file into an architecture-specific
// layer-weight structure: it reads general.architecture out of metadata,
// dispatches to the matching weight-record type, and binds that struct's
// fields to tensors by name using the struct's `gguf` tags — reflection
// does the wiring so each architecture only has to declare its tensor
// shape, never write lookup code.
package config

import (
	"log/slog"
	"strconv"
	"strings"
)

// Tag is one parsed `gguf:"..."` struct tag. The grammar mirrors the
// teacher's own tag format: a primary name, any number of "alt:" fallback
// names tried in order, and optional "pre:"/"suf:" strings applied to
// child tags when building a dotted tensor path.
type Tag struct {
	Name         string
	Prefix       string
	Suffix       string
	Alternatives []string
	// Bias marks a tensor tagged ",bias": GGUF stores bias vectors under
	// the same dotted path as their weight but with a ".bias" leaf suffix
	// instead of ".weight" (e.g. "blk.0.attn_q.bias").
	Bias bool
}

// ParseTag parses one `gguf:"..."` tag string into a Tag.
func ParseTag(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 {
		return tag
	}
	tag.Name = parts[0]
	for _, part := range parts[1:] {
		if value, ok := strings.CutPrefix(part, "alt:"); ok && tag.Name == "" {
			tag.Name = value
			slog.Warn("gguf tag has alt: but no primary name", "tag", s)
		} else if ok {
			tag.Alternatives = append(tag.Alternatives, value)
		}
		if value, ok := strings.CutPrefix(part, "pre:"); ok {
			tag.Prefix = value
		}
		if value, ok := strings.CutPrefix(part, "suf:"); ok {
			tag.Suffix = value
		}
		if part == "bias" {
			tag.Bias = true
		}
	}
	return tag
}

// BuildTensorNames expands a chain of tags (outer struct to innermost
// field) into every candidate dotted tensor name, trying each
// alternative at each level, with the ".weight" suffix every GGUF tensor
// name carries. Candidates are returned outermost-name-first so the
// first match in the file wins.
func BuildTensorNames(tags []Tag) []string {
	suffix := ".weight"
	if len(tags) > 0 && tags[len(tags)-1].Bias {
		suffix = ".bias"
	}
	names := buildTensorNames(tags, "", "")
	for i, n := range names {
		names[i] = n + suffix
	}
	return names
}

func buildTensorNames(tags []Tag, prefix, suffix string) []string {
	if len(tags) == 0 {
		return nil
	}

	var names []string
	if tags[0].Name != "" {
		for _, n := range append([]string{tags[0].Name}, tags[0].Alternatives...) {
			names = append(names, prefix+n+suffix)
		}
	}

	childNames := buildTensorNames(tags[1:], tags[0].Prefix, tags[0].Suffix)

	switch {
	case len(names) == 0:
		return childNames
	case len(childNames) == 0:
		return names
	default:
		var out []string
		for _, n := range names {
			for _, c := range childNames {
				out = append(out, n+"."+c)
			}
		}
		return out
	}
}

// indexTag returns a Tag naming a fixed numeric index, used when binding
// per-layer slices (e.g. blk.0, blk.1, ...).
func indexTag(i int) Tag {
	return Tag{Name: strconv.Itoa(i)}
}
