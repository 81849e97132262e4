package tmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeManager_CaptureWithoutPipeErrors(t *testing.T) {
	pm := NewPipeManager()
	_, err := pm.Capture("ghost", 200)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no live pipe")
}

func TestPipeManager_DisconnectUnknownIsNoOp(t *testing.T) {
	pm := NewPipeManager()
	pm.Disconnect("ghost")
	assert.False(t, pm.IsConnected("ghost"))
}

func TestPipeManager_ConnectAfterCloseErrors(t *testing.T) {
	pm := NewPipeManager()
	pm.Close()
	assert.Error(t, pm.Connect("a"))
}

func TestCaptureCommand(t *testing.T) {
	assert.Equal(t, "capture-pane -t work -p -J", captureCommand("work", 0))
	assert.Equal(t, "capture-pane -t work -p -J -S -200", captureCommand("work", 200))
}

func TestCaptureArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"capture-pane", "-t", "work", "-p", "-J"},
		captureArgs("work", 0))
	assert.Equal(t,
		[]string{"capture-pane", "-t", "work", "-p", "-J", "-S", "-200"},
		captureArgs("work", 200))
}
