package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddTunnelIsIdempotent(t *testing.T) {
	l := NewLoopback()

	assert.NoError(t, l.AddTunnel("node-a", 5900))
	assert.NoError(t, l.AddTunnel("node-a", 5900))

	assert.True(t, l.IsOpen("node-a", 5900))
}

func TestRemoveTunnelUnknownIsNoop(t *testing.T) {
	l := NewLoopback()

	assert.NoError(t, l.RemoveTunnel("node-a", 5900))
	assert.False(t, l.IsOpen("node-a", 5900))
}

func TestRemoveTunnelThenReaddReopens(t *testing.T) {
	l := NewLoopback()
	l.AddTunnel("node-a", 5900)
	l.RemoveTunnel("node-a", 5900)

	assert.False(t, l.IsOpen("node-a", 5900))

	l.AddTunnel("node-a", 5900)
	assert.True(t, l.IsOpen("node-a", 5900))
}
