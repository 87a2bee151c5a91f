package capture

import (
	"fmt"
	"strings"
)

// DefaultBitrateBps is the encode bitrate used when EncodeOptions leaves it unset.
const DefaultBitrateBps = 2_000_000

// VideoSourceConfig describes what to capture. It is immutable once a
// CaptureStream is constructed.
type VideoSourceConfig struct {
	// Codec is a MIME-like capture format tag, e.g. "image/jpeg",
	// "video/x-h264" or "video/x-raw". See ParseCaptureFormat.
	Codec string

	Width     int
	Height    int
	FrameRate int

	// DeviceID is "/dev/videoN", "v4l2:///dev/videoN", "testpattern://bars",
	// "rtmp://host:port/app/key", or any scheme registered with
	// RegisterDeviceProvider.
	DeviceID string

	// Encode is only consulted when the capture format is not already a
	// publishable bitstream.
	Encode EncodeOptions
}

// EncodeOptions selects the codec raw or MJPEG captures are encoded to.
type EncodeOptions struct {
	Codec      VideoCodec // default H264
	BitrateBps int        // default DefaultBitrateBps
}

// Validate checks the shape of the config. Whether the device can actually
// deliver the format is only known at Start.
func (c VideoSourceConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Codec) == "" {
		problems = append(problems, "codec is empty")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		problems = append(problems, "device id is empty")
	}
	if c.Width <= 0 || c.Height <= 0 {
		problems = append(problems, fmt.Sprintf("resolution %dx%d is not positive", c.Width, c.Height))
	}
	if c.FrameRate <= 0 {
		problems = append(problems, fmt.Sprintf("frame rate %d is not positive", c.FrameRate))
	}
	if c.Encode.BitrateBps < 0 {
		problems = append(problems, "encode bitrate is negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c VideoSourceConfig) encodeTarget() EncodeOptions {
	e := c.Encode
	if e.Codec == VideoCodecUnknown {
		e.Codec = VideoCodecH264
	}
	if e.BitrateBps == 0 {
		e.BitrateBps = DefaultBitrateBps
	}
	return e
}
