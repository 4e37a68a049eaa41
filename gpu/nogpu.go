//go:build !vk

package gpu

// open is the default, CPU-only build: no Vulkan loader is required, and
// every caller sees a consistent ErrDeviceUnavailable regardless of the
// host's actual hardware.
func open() (Device, error) {
	return nil, ErrDeviceUnavailable
}
