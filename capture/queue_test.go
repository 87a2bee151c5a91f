package capture

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueue_DropsOldest(t *testing.T) {
	q := newFrameQueue(3)
	for i := uint64(1); i <= 3; i++ {
		assert.False(t, q.push(&EncodedFrame{Sequence: i}))
	}
	assert.True(t, q.push(&EncodedFrame{Sequence: 4}))
	assert.True(t, q.push(&EncodedFrame{Sequence: 5}))
	assert.Equal(t, 3, q.len())

	ctx := context.Background()
	for _, want := range []uint64{3, 4, 5} {
		f, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, f.Sequence)
	}
}

func TestFrameQueue_CloseDrainsThenEnds(t *testing.T) {
	q := newFrameQueue(0)
	q.push(&EncodedFrame{Sequence: 1})
	q.close(nil)
	assert.False(t, q.push(&EncodedFrame{Sequence: 2}))

	f, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Sequence)

	_, err = q.pop(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = q.pop(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameQueue_CloseWithError(t *testing.T) {
	q := newFrameQueue(2)
	boom := assert.AnError
	q.close(boom)
	q.close(nil)

	_, err := q.pop(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFrameQueue_PopWaitsForPush(t *testing.T) {
	q := newFrameQueue(2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push(&EncodedFrame{Sequence: 7})
	}()
	f, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.Sequence)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
