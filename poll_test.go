package devmapper

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerWaitTimesOut(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p, err := newPoller(int(r.Fd()))
	require.NoError(t, err)
	defer p.Close()

	ready, err := p.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestPollerWaitSeesReadiness(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	p, err := newPoller(int(r.Fd()))
	require.NoError(t, err)
	defer p.Close()

	ready, err := p.Wait(time.Second)
	require.NoError(t, err)
	assert.True(t, ready)

	// Level-triggered: still pending until the event is consumed.
	ready, err = p.Wait(0)
	require.NoError(t, err)
	assert.True(t, ready)
}
