package capture

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// EncoderConfig configures a video encoder.
type EncoderConfig struct {
	Codec      VideoCodec // Output codec
	Width      int        // Frame width
	Height     int        // Frame height
	FPS        int        // Target framerate
	BitrateBps int        // Target bitrate in bits per second
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64
	KeyframesEncoded uint64
	BytesEncoded     uint64
}

// VideoEncoder turns I420 frames (or, for passthrough, compressed frames)
// into encoded access units.
type VideoEncoder interface {
	io.Closer

	// Encode returns nil, nil if the encoder is buffering and no output is ready.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	Codec() VideoCodec
	Stats() EncoderStats
}

// EncoderFactory creates an encoder for one codec.
type EncoderFactory func(EncoderConfig) (VideoEncoder, error)

type encoderRegistry struct {
	mu        sync.RWMutex
	factories map[VideoCodec]EncoderFactory
}

var globalEncoders = &encoderRegistry{factories: make(map[VideoCodec]EncoderFactory)}

// RegisterVideoEncoder registers the encoder used for raw captures that must
// be published as codec. It returns the factory it replaced, if any.
func RegisterVideoEncoder(codec VideoCodec, factory EncoderFactory) EncoderFactory {
	globalEncoders.mu.Lock()
	defer globalEncoders.mu.Unlock()
	prev := globalEncoders.factories[codec]
	globalEncoders.factories[codec] = factory
	return prev
}

// UnregisterVideoEncoder removes the encoder for codec.
func UnregisterVideoEncoder(codec VideoCodec) {
	globalEncoders.mu.Lock()
	defer globalEncoders.mu.Unlock()
	delete(globalEncoders.factories, codec)
}

// NewVideoEncoder creates an encoder from the registry. Missing or failing
// factories are reported as ErrUnsupportedFormat.
func NewVideoEncoder(cfg EncoderConfig) (VideoEncoder, error) {
	globalEncoders.mu.RLock()
	factory, ok := globalEncoders.factories[cfg.Codec]
	globalEncoders.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no %s encoder registered", ErrUnsupportedFormat, cfg.Codec)
	}
	enc, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s encoder: %v", ErrUnsupportedFormat, cfg.Codec, err)
	}
	return enc, nil
}

// passthroughEncoder forwards frames the device already compressed in a
// publishable codec, tagging keyframes from the bitstream.
type passthroughEncoder struct {
	codec    VideoCodec
	duration uint32

	frames    atomic.Uint64
	keyframes atomic.Uint64
	bytes     atomic.Uint64

	// set by RequestKeyframe; cleared when a keyframe passes through
	waitingKey atomic.Bool
}

func newPassthroughEncoder(codec VideoCodec, fps int) *passthroughEncoder {
	if fps <= 0 {
		fps = 30
	}
	return &passthroughEncoder{codec: codec, duration: 90000 / uint32(fps)}
}

func (p *passthroughEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if len(frame.Data) == 0 || len(frame.Data[0]) == 0 {
		return nil, nil
	}
	data := make([]byte, len(frame.Data[0]))
	copy(data, frame.Data[0])

	ft := DetectFrameType(p.codec, data)
	if ft == FrameTypeKey {
		p.keyframes.Add(1)
		p.waitingKey.Store(false)
	}
	p.frames.Add(1)
	p.bytes.Add(uint64(len(data)))

	duration := p.duration
	if frame.Duration > 0 {
		duration = uint32(frame.Duration * 90000 / 1e9)
	}
	return &EncodedFrame{
		Data:      data,
		Codec:     p.codec,
		FrameType: ft,
		Timestamp: uint32(frame.Timestamp * 90000 / 1e9),
		Duration:  duration,
	}, nil
}

// RequestKeyframe cannot force the device; it is recorded so WaitingKeyframe
// reports whether receivers are still waiting for the next natural keyframe.
func (p *passthroughEncoder) RequestKeyframe() {
	p.waitingKey.Store(true)
}

func (p *passthroughEncoder) WaitingKeyframe() bool {
	return p.waitingKey.Load()
}

func (p *passthroughEncoder) Codec() VideoCodec {
	return p.codec
}

func (p *passthroughEncoder) Stats() EncoderStats {
	return EncoderStats{
		FramesEncoded:    p.frames.Load(),
		KeyframesEncoded: p.keyframes.Load(),
		BytesEncoded:     p.bytes.Load(),
	}
}

func (p *passthroughEncoder) Close() error {
	return nil
}
