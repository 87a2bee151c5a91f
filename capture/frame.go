package capture

import "time"

// PixelFormat is the layout of a captured frame. Compressed formats carry
// one bitstream in Data[0].
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatI420                // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatYUYV                // YUV 4:2:2 packed
	PixelFormatMJPEG               // Motion JPEG, one JPEG image per frame
	PixelFormatH264                // H.264 Annex-B access unit
	PixelFormatVP8
	PixelFormatVP9
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatYUYV:
		return "YUYV"
	case PixelFormatMJPEG:
		return "MJPEG"
	case PixelFormatH264:
		return "H264"
	case PixelFormatVP8:
		return "VP8"
	case PixelFormatVP9:
		return "VP9"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3
	case PixelFormatNV12:
		return 2
	case PixelFormatUnknown:
		return 0
	default:
		return 1
	}
}

// IsCompressed reports whether frames of this format are a coded bitstream.
func (p PixelFormat) IsCompressed() bool {
	switch p {
	case PixelFormatMJPEG, PixelFormatH264, PixelFormatVP8, PixelFormatVP9:
		return true
	}
	return false
}

// Codec returns the publishable codec of a compressed capture format, or
// VideoCodecUnknown when the frames must be encoded first.
func (p PixelFormat) Codec() VideoCodec {
	switch p {
	case PixelFormatH264:
		return VideoCodecH264
	case PixelFormatVP8:
		return VideoCodecVP8
	case PixelFormatVP9:
		return VideoCodecVP9
	}
	return VideoCodecUnknown
}

// VideoFrame is a captured frame.
// Data may alias driver memory and is only valid until the next ReadFrame call.
type VideoFrame struct {
	Data      [][]byte    // Plane data (1-3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Capture timestamp in nanoseconds since source start
	Duration  int64       // Frame duration in nanoseconds (optional)
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := ((width + 1) / 2) * ((height + 1) / 2)
	return ySize + uvSize*2
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame is one access unit ready to be written to a track.
// Frames yielded by CaptureStream.Frames are owned by the consumer.
type EncodedFrame struct {
	Data      []byte     // Encoded bitstream data
	Codec     VideoCodec // Codec of Data
	FrameType FrameType  // Key or delta frame
	Timestamp uint32     // RTP timestamp (90kHz clock)
	Duration  uint32     // Duration in RTP timestamp units
	Sequence  uint64     // Monotonic per-stream frame number
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// SampleDuration converts Duration to wall time.
func (f *EncodedFrame) SampleDuration() time.Duration {
	return time.Duration(f.Duration) * time.Second / 90000
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := *f
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return &clone
}
