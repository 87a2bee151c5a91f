package capture

import (
	"fmt"
	"strings"
)

// VideoCodec identifies a publishable video codec.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the WebRTC MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate. All video codecs use 90kHz.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// ParseVideoCodec accepts a codec name ("h264", "VP8") or a MIME type ("video/H264").
func ParseVideoCodec(s string) (VideoCodec, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "video/")
	switch name {
	case "vp8":
		return VideoCodecVP8, nil
	case "vp9":
		return VideoCodecVP9, nil
	case "h264", "avc":
		return VideoCodecH264, nil
	case "av1":
		return VideoCodecAV1, nil
	}
	return VideoCodecUnknown, fmt.Errorf("%w: codec %q", ErrUnsupportedFormat, s)
}

// ParseCaptureFormat maps a MIME-like capture tag to the pixel format the
// device is asked to deliver.
//
//	image/jpeg, video/x-mjpeg, image/mjpeg    -> MJPEG
//	video/x-h264, video/h264                  -> H264
//	video/x-vp8, video/vp8                    -> VP8
//	video/x-vp9, video/vp9                    -> VP9
//	video/x-raw, video/x-raw-yuv, video/i420  -> I420
//	video/x-yuyv, video/yuyv                  -> YUYV
//	video/nv12                                -> NV12
func ParseCaptureFormat(tag string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "image/jpeg", "image/mjpeg", "video/x-mjpeg", "video/mjpeg":
		return PixelFormatMJPEG, nil
	case "video/x-h264", "video/h264":
		return PixelFormatH264, nil
	case "video/x-vp8", "video/vp8":
		return PixelFormatVP8, nil
	case "video/x-vp9", "video/vp9":
		return PixelFormatVP9, nil
	case "video/x-raw", "video/x-raw-yuv", "video/i420":
		return PixelFormatI420, nil
	case "video/x-yuyv", "video/yuyv", "video/yuy2":
		return PixelFormatYUYV, nil
	case "video/nv12":
		return PixelFormatNV12, nil
	}
	return PixelFormatUnknown, fmt.Errorf("%w: capture format %q", ErrUnsupportedFormat, tag)
}
