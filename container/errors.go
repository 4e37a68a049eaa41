// Package container parses the on-disk GGUF weights container: a header, a
// typed metadata dictionary, and a tensor directory, all backed by a
// read-only memory-mapped region so tensor bytes are never copied.
package container

import "errors"

// ErrMalformed is returned for a bad magic, truncated file, or a metadata
// value or array element type the reader cannot parse — the
// container.ContainerMalformed error class from the design. The typed KV
// accessors do not return it: reading a key with the wrong type yields the
// caller's default value.
var ErrMalformed = errors.New("container malformed")

// ErrUnsupportedVersion is returned when the GGUF header declares a version
// this reader does not know how to parse.
var ErrUnsupportedVersion = errors.New("unsupported container version")
