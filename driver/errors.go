package driver

import "errors"

// ErrCancelled is returned by Run when ctx is cancelled externally while a
// request is in flight. A callback returning false is a distinct, graceful
// stop (Run returns the tokens generated so far with a nil error) rather
// than this error, since that's the caller choosing to end generation
// rather than the surrounding context being torn down.
var ErrCancelled = errors.New("driver: request cancelled")
