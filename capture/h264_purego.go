//go:build (darwin || linux) && !noh264

package capture

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	h264Once    sync.Once
	h264LoadErr error
)

// libmedia_h264 encoder entry points
var (
	h264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	h264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	h264EncoderMaxOutputSize func(encoder uint64) int32
	h264EncoderDestroy       func(encoder uint64)
	h264GetError             func() uintptr
	h264EncoderAvailable     func() int32
)

// Constants from media_h264.h
const (
	h264ProfileBaseline = 66

	h264FrameI   = 0
	h264FrameIDR = 3
)

func init() {
	RegisterVideoEncoder(VideoCodecH264, func(cfg EncoderConfig) (VideoEncoder, error) {
		return newH264Encoder(cfg)
	})
}

func loadH264() error {
	h264Once.Do(func() {
		h264LoadErr = loadH264Lib()
	})
	return h264LoadErr
}

func loadH264Lib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_h264", "MEDIA_H264_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		purego.RegisterLibFunc(&h264EncoderCreate, handle, "media_h264_encoder_create")
		purego.RegisterLibFunc(&h264EncoderEncode, handle, "media_h264_encoder_encode")
		purego.RegisterLibFunc(&h264EncoderMaxOutputSize, handle, "media_h264_encoder_max_output_size")
		purego.RegisterLibFunc(&h264EncoderDestroy, handle, "media_h264_encoder_destroy")
		purego.RegisterLibFunc(&h264GetError, handle, "media_h264_get_error")
		purego.RegisterLibFunc(&h264EncoderAvailable, handle, "media_h264_encoder_available")
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

// H264Available reports whether the native H.264 encoder can be loaded.
func H264Available() bool {
	return loadH264() == nil && h264EncoderAvailable() != 0
}

func h264Error() string {
	return cString(h264GetError())
}

// h264Encoder encodes I420 frames through libmedia_h264 (x264).
type h264Encoder struct {
	cfg    EncoderConfig
	handle uint64
	out    []byte

	// heap-allocated out-params for the C call
	frameType *int32
	pts, dts  *int64

	keyframeReq atomic.Bool
	mu          sync.Mutex

	frames    atomic.Uint64
	keyframes atomic.Uint64
	bytes     atomic.Uint64
}

func newH264Encoder(cfg EncoderConfig) (*h264Encoder, error) {
	if err := loadH264(); err != nil {
		return nil, err
	}
	if h264EncoderAvailable() == 0 {
		return nil, errors.New("libmedia_h264 built without x264")
	}

	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	kbps := cfg.BitrateBps / 1000
	if kbps <= 0 {
		kbps = 2000
	}

	handle := h264EncoderCreate(int32(cfg.Width), int32(cfg.Height), int32(cfg.FPS), int32(kbps), h264ProfileBaseline, 0)
	if handle == 0 {
		return nil, fmt.Errorf("create encoder: %s", h264Error())
	}
	maxOut := h264EncoderMaxOutputSize(handle)
	if maxOut <= 0 {
		maxOut = int32(cfg.Width * cfg.Height * 3 / 2)
	}

	enc := &h264Encoder{
		cfg:       cfg,
		handle:    handle,
		out:       make([]byte, maxOut),
		frameType: new(int32),
		pts:       new(int64),
		dts:       new(int64),
	}
	enc.keyframeReq.Store(true)
	return enc, nil
}

func (e *h264Encoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if frame.Format != PixelFormatI420 {
		return nil, fmt.Errorf("%w: h264 encoder needs I420, got %s", ErrUnsupportedFormat, frame.Format)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil, ErrSourceClosed
	}

	force := int32(0)
	if e.keyframeReq.Swap(false) {
		force = 1
	}

	n := h264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		force,
		uintptr(unsafe.Pointer(&e.out[0])),
		int32(len(e.out)),
		uintptr(unsafe.Pointer(e.frameType)),
		uintptr(unsafe.Pointer(e.pts)),
		uintptr(unsafe.Pointer(e.dts)),
	)
	runtime.KeepAlive(frame)
	if n < 0 {
		return nil, fmt.Errorf("h264 encode: %s", h264Error())
	}
	if n == 0 {
		return nil, nil
	}

	data := make([]byte, n)
	copy(data, e.out[:n])

	ft := FrameTypeDelta
	if *e.frameType == h264FrameIDR || *e.frameType == h264FrameI {
		ft = FrameTypeKey
		e.keyframes.Add(1)
	}
	e.frames.Add(1)
	e.bytes.Add(uint64(n))

	return &EncodedFrame{
		Data:      data,
		Codec:     VideoCodecH264,
		FrameType: ft,
		Timestamp: uint32(*e.pts * int64(90000/e.cfg.FPS)),
		Duration:  uint32(90000 / e.cfg.FPS),
	}, nil
}

func (e *h264Encoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
}

func (e *h264Encoder) Codec() VideoCodec {
	return VideoCodecH264
}

func (e *h264Encoder) Stats() EncoderStats {
	return EncoderStats{
		FramesEncoded:    e.frames.Load(),
		KeyframesEncoded: e.keyframes.Load(),
		BytesEncoded:     e.bytes.Load(),
	}
}

func (e *h264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		h264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}
