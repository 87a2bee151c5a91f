//go:build (darwin || linux) && !novpx

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
	vpxOnce    sync.Once
	vpxLoadErr error
)

// libmedia_vpx encoder entry points
var (
	vpxEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	vpxEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	vpxEncoderMaxOutputSize func(encoder uint64) int32
	vpxEncoderDestroy       func(encoder uint64)
	vpxGetError             func() uintptr
	vpxCodecAvailable       func(codec int32) int32
)

// Constants from media_vpx.h
const (
	vpxCodecVP8 = 0
	vpxCodecVP9 = 1

	vpxFrameKey = 0

	vpxDefaultThreads = 4
)

func init() {
	RegisterVideoEncoder(VideoCodecVP8, func(cfg EncoderConfig) (VideoEncoder, error) {
		return newVPXEncoder(cfg, VideoCodecVP8)
	})
	RegisterVideoEncoder(VideoCodecVP9, func(cfg EncoderConfig) (VideoEncoder, error) {
		return newVPXEncoder(cfg, VideoCodecVP9)
	})
}

func loadVPX() error {
	vpxOnce.Do(func() {
		vpxLoadErr = loadVPXLib()
	})
	return vpxLoadErr
}

func loadVPXLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_vpx", "MEDIA_VPX_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		purego.RegisterLibFunc(&vpxEncoderCreate, handle, "media_vpx_encoder_create")
		purego.RegisterLibFunc(&vpxEncoderEncode, handle, "media_vpx_encoder_encode")
		purego.RegisterLibFunc(&vpxEncoderMaxOutputSize, handle, "media_vpx_encoder_max_output_size")
		purego.RegisterLibFunc(&vpxEncoderDestroy, handle, "media_vpx_encoder_destroy")
		purego.RegisterLibFunc(&vpxGetError, handle, "media_vpx_get_error")
		purego.RegisterLibFunc(&vpxCodecAvailable, handle, "media_vpx_codec_available")
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("load libmedia_vpx: %w", lastErr)
	}
	return errors.New("libmedia_vpx not found in any standard location")
}

func vpxCodecID(codec VideoCodec) (int32, bool) {
	switch codec {
	case VideoCodecVP8:
		return vpxCodecVP8, true
	case VideoCodecVP9:
		return vpxCodecVP9, true
	}
	return 0, false
}

// VPXAvailable reports whether libmedia_vpx can encode codec.
func VPXAvailable(codec VideoCodec) bool {
	id, ok := vpxCodecID(codec)
	return ok && loadVPX() == nil && vpxCodecAvailable(id) != 0
}

// vpxEncoder encodes I420 frames to VP8 or VP9 through libmedia_vpx.
type vpxEncoder struct {
	cfg    EncoderConfig
	codec  VideoCodec
	handle uint64
	out    []byte

	frameType *int32
	pts       *int64

	keyframeReq atomic.Bool
	mu          sync.Mutex

	frames    atomic.Uint64
	keyframes atomic.Uint64
	bytes     atomic.Uint64
}

func newVPXEncoder(cfg EncoderConfig, codec VideoCodec) (*vpxEncoder, error) {
	id, ok := vpxCodecID(codec)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a vpx codec", ErrUnsupportedFormat, codec)
	}
	if err := loadVPX(); err != nil {
		return nil, err
	}
	if vpxCodecAvailable(id) == 0 {
		return nil, fmt.Errorf("libmedia_vpx built without %s", codec)
	}

	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	kbps := cfg.BitrateBps / 1000
	if kbps <= 0 {
		kbps = 1000
	}

	handle := vpxEncoderCreate(id, int32(cfg.Width), int32(cfg.Height), int32(cfg.FPS), int32(kbps), vpxDefaultThreads)
	if handle == 0 {
		return nil, fmt.Errorf("create %s encoder: %s", codec, cString(vpxGetError()))
	}
	maxOut := vpxEncoderMaxOutputSize(handle)
	if maxOut <= 0 {
		maxOut = int32(cfg.Width * cfg.Height * 3 / 2)
	}

	enc := &vpxEncoder{
		cfg:       cfg,
		codec:     codec,
		handle:    handle,
		out:       make([]byte, maxOut),
		frameType: new(int32),
		pts:       new(int64),
	}
	enc.keyframeReq.Store(true)
	return enc, nil
}

func (e *vpxEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if frame.Format != PixelFormatI420 {
		return nil, fmt.Errorf("%w: %s encoder needs I420, got %s", ErrUnsupportedFormat, e.codec, frame.Format)
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

	n := vpxEncoderEncode(
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
	)
	runtime.KeepAlive(frame)
	if n < 0 {
		return nil, fmt.Errorf("%s encode: %s", e.codec, cString(vpxGetError()))
	}
	if n == 0 {
		return nil, nil
	}

	data := make([]byte, n)
	copy(data, e.out[:n])

	ft := FrameTypeDelta
	if *e.frameType == vpxFrameKey {
		ft = FrameTypeKey
		e.keyframes.Add(1)
	}
	e.frames.Add(1)
	e.bytes.Add(uint64(n))

	return &EncodedFrame{
		Data:      data,
		Codec:     e.codec,
		FrameType: ft,
		Timestamp: uint32(*e.pts * int64(90000/e.cfg.FPS)),
		Duration:  uint32(90000 / e.cfg.FPS),
	}, nil
}

func (e *vpxEncoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
}

func (e *vpxEncoder) Codec() VideoCodec {
	return e.codec
}

func (e *vpxEncoder) Stats() EncoderStats {
	return EncoderStats{
		FramesEncoded:    e.frames.Load(),
		KeyframesEncoded: e.keyframes.Load(),
		BytesEncoded:     e.bytes.Load(),
	}
}

func (e *vpxEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		vpxEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}
