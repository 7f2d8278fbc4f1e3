package e1000

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedPattern(t *testing.T) {
	assert.Equal(t, uint32(0x0F0F0F0F), ledPattern())
	assert.Equal(t, uint32(0x0F0F0F0E), ledPattern(0))
	assert.Equal(t, uint32(0x0F0F0E0F), ledPattern(1))
	assert.Equal(t, uint32(0x0F0E0F0F), ledPattern(2))
	assert.Equal(t, uint32(0x0E0F0F0E), ledPattern(0, 3))
}
