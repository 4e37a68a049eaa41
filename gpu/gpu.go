// Package gpu provides an optional accelerator backend. It is
// capability-probed at startup and falls back transparently to the CPU
// kernels in package kernel/quant on any error — callers never need a
// build-tag check of their own. The real implementation, gated behind the
// "vk" build tag, binds Vulkan compute; the default build carries a stub
// that always reports the device unavailable, so CPU-only builds never
// need a Vulkan loader installed.
package gpu

import (
	"context"
	"errors"

	"github.com/llmlocal/engine/quant"
)

// ErrDeviceUnavailable is returned by Open when no compatible accelerator
// could be initialized. Callers should fall back to CPU execution.
var ErrDeviceUnavailable = errors.New("gpu: no compatible device available")

// WeightHandle identifies one resident weight buffer on the device, keyed
// by the owning tensor's identity and byte offset so repeated forward
// passes over the same weights reuse the upload instead of re-staging it
// every token.
type WeightHandle struct {
	TensorName string
	Offset     uint64
}

// Device is the capability surface a backend exposes. Every method may
// fail at any time (device lost, out of memory, unsupported op); on any
// error the caller is expected to fall back to CPU execution for that
// call.
type Device interface {
	// Name reports the device name for logging.
	Name() string

	// Upload stages a quantized weight row range onto the device under h,
	// for later MatMul calls that name the same handle. Repeated uploads for
	// the same handle are served from the device-side cache.
	Upload(ctx context.Context, h WeightHandle, elemType quant.ElementType, raw []byte, n int) error

	// MatMul runs out[r] = dot(weight row r, input) on the device for
	// the weights previously uploaded under h.
	MatMul(ctx context.Context, h WeightHandle, input []float32, rows, cols int, out []float32) error

	// Release frees any buffers associated with h.
	Release(h WeightHandle)

	// Close releases all device resources.
	Close() error
}

// Open probes for a compatible device and returns a ready-to-use Device,
// or ErrDeviceUnavailable if none was found (including when built without
// the "vk" tag).
func Open() (Device, error) {
	return open()
}
