package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease_Exclusive(t *testing.T) {
	table := &leaseTable{held: make(map[string]string)}

	l1, err := table.acquire("/dev/video7", "a")
	require.NoError(t, err)

	_, err = table.acquire("v4l2:///dev/video7", "b")
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	l1.Release()
	l1.Release()
	_, held := table.holder("/dev/video7")
	assert.False(t, held)

	l2, err := table.acquire("/dev/video7", "b")
	require.NoError(t, err)
	owner, held := table.holder("/dev/video7")
	assert.True(t, held)
	assert.Equal(t, "b", owner)

	// a stale release from the first holder must not free b's lease
	l1.Release()
	_, held = table.holder("/dev/video7")
	assert.True(t, held)
	l2.Release()
}

func TestLease_NilRelease(t *testing.T) {
	var l *Lease
	assert.NotPanics(t, l.Release)
}

func TestDeviceScheme(t *testing.T) {
	assert.Equal(t, "v4l2", DeviceScheme("/dev/video0"))
	assert.Equal(t, "v4l2", DeviceScheme("v4l2:///dev/video0"))
	assert.Equal(t, "testpattern", DeviceScheme("testpattern://bars"))
	assert.Equal(t, "rtmp", DeviceScheme("RTMP://0.0.0.0:1935/live/key"))
	assert.Equal(t, "", DeviceScheme("camera0"))
	assert.Equal(t, DeviceKey("/dev/video0"), DeviceKey("v4l2:///dev/video0"))
}
