package quant

import "errors"

// ErrUnsupportedElementType is returned by NewView when no decoder is
// registered for the requested element type.
var ErrUnsupportedElementType = errors.New("unsupported element type")

// ErrShapeInvalid is returned when an element count does not divide evenly
// by the format's block size.
var ErrShapeInvalid = errors.New("tensor element count is not a multiple of block size")
