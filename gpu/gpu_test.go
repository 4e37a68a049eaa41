package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenWithoutVulkanTagReportsUnavailable(t *testing.T) {
	_, err := Open()
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}
