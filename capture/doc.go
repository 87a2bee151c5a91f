// Package capture turns a video device into a lazy sequence of encoded frames.
//
// A CaptureStream owns one source (a V4L2 camera, a synthetic test pattern or
// an RTMP ingest endpoint), the decoder/encoder chain behind it and an
// exclusive lease on the device identifier:
//
//	stream, err := capture.NewCaptureStream(capture.VideoSourceConfig{
//		Codec:     "image/jpeg",
//		Width:     1920,
//		Height:    1080,
//		FrameRate: 30,
//		DeviceID:  "/dev/video0",
//	})
//	if err := stream.Start(ctx); err != nil { ... }
//	defer stream.Stop()
//
//	for frame, err := range stream.Frames(ctx) {
//		if err != nil { ... }
//		track.WriteFrame(frame)
//	}
//
// Devices are resolved by scheme through RegisterDeviceProvider; encoders by
// codec through RegisterVideoEncoder.
package capture
