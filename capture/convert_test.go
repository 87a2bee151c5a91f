package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYUYVToI420(t *testing.T) {
	// 2x2 frame: Y0 U Y1 V per pixel pair
	src := &VideoFrame{
		Data: [][]byte{{
			10, 100, 20, 200,
			30, 101, 40, 201,
		}},
		Stride: []int{4},
		Width:  2,
		Height: 2,
		Format: PixelFormatYUYV,
	}
	dst, err := yuyvToI420(src)
	require.NoError(t, err)
	assert.Equal(t, PixelFormatI420, dst.Format)
	assert.Equal(t, []byte{10, 20, 30, 40}, dst.Data[0])
	assert.Equal(t, []byte{100}, dst.Data[1])
	assert.Equal(t, []byte{200}, dst.Data[2])

	_, err = yuyvToI420(&VideoFrame{Data: [][]byte{{1, 2}}, Width: 2, Height: 2})
	assert.Error(t, err)
}

func TestNV12ToI420(t *testing.T) {
	src := &VideoFrame{
		Data:   [][]byte{{1, 2, 3, 4}, {50, 60}},
		Stride: []int{2, 2},
		Width:  2,
		Height: 2,
		Format: PixelFormatNV12,
	}
	dst, err := nv12ToI420(src)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, dst.Data[0])
	assert.Equal(t, []byte{50}, dst.Data[1])
	assert.Equal(t, []byte{60}, dst.Data[2])
}

func TestMJPEGRoundTrip(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48, Pattern: PatternCheckerboard})
	src.generatePattern(0)
	raw, err := src.snapshot(0)
	require.NoError(t, err)

	jpg, err := encodeJPEG(raw, 90)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, jpg[:2])

	decoded, err := mjpegToI420(&VideoFrame{Data: [][]byte{jpg}, Format: PixelFormatMJPEG, Timestamp: 42})
	require.NoError(t, err)
	assert.Equal(t, 64, decoded.Width)
	assert.Equal(t, 48, decoded.Height)
	assert.Equal(t, int64(42), decoded.Timestamp)
	assert.Len(t, decoded.Data[0], 64*48)
	assert.Len(t, decoded.Data[1], 32*24)

	// top-left checker square is white, the next one black
	assert.InDelta(t, 235, int(decoded.Data[0][0]), 12)
	assert.InDelta(t, 16, int(decoded.Data[0][40]), 12)

	_, err = mjpegToI420(&VideoFrame{Data: [][]byte{{1, 2, 3}}})
	assert.Error(t, err)
}

func TestConverterFor(t *testing.T) {
	conv, err := converterFor(PixelFormatI420)
	require.NoError(t, err)
	assert.Nil(t, conv)

	_, err = converterFor(PixelFormatH264)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
