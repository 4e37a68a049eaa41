package engine

import "errors"

// ErrMissingRequiredTensor is returned when a forward pass needs a tensor
// that config.Bind left nil — the weight simply isn't present in the
// loaded container. Optional tensors (biases, per-head norms, post-attention norms)
// are checked for nil by their callers instead and just disable that
// forward step; this sentinel is only raised for tensors the architecture
// cannot run without.
var ErrMissingRequiredTensor = errors.New("engine: required tensor missing")

// ErrContextOverflow is returned by KVCache.Append once a request's
// position count would exceed the context length it was allocated for.
var ErrContextOverflow = errors.New("engine: context length exceeded")
