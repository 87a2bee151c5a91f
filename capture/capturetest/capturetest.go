// Package capturetest provides fake devices and encoders for exercising
// capture streams without hardware.
package capturetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thesyncim/streamer/capture"
)

// ErrUnplugged is the failure a Device with FailAfter set reports.
var ErrUnplugged = errors.New("device unplugged")

// Device describes how a fake device behaves.
type Device struct {
	// FailAfter makes ReadFrame fail with ErrUnplugged after that many frames.
	FailAfter int

	// OpenErr is returned from Open.
	OpenErr error

	// BlockOpen makes Open wait until its context is done.
	BlockOpen bool

	// Interval between frames. Defaults to 2ms.
	Interval time.Duration

	// KeyframeEvery emits an IDR every n frames. Defaults to 10.
	KeyframeEvery int
}

// Provider is a capture.DeviceProvider whose devices emit H.264 access units,
// or JPEG images when opened for MJPEG.
type Provider struct {
	scheme string

	mu      sync.Mutex
	devices map[string]Device
	opens   map[string]int
}

// Register installs a Provider for scheme. When the test ends the provider it
// replaced, if any, is restored. Devices not configured with Set behave as a
// healthy camera.
func Register(t testing.TB, scheme string) *Provider {
	t.Helper()
	p := &Provider{
		scheme:  scheme,
		devices: make(map[string]Device),
		opens:   make(map[string]int),
	}
	prev := capture.RegisterDeviceProvider(scheme, p)
	t.Cleanup(func() {
		if prev != nil {
			capture.RegisterDeviceProvider(scheme, prev)
			return
		}
		capture.UnregisterDeviceProvider(scheme)
	})
	return p
}

// DeviceID returns "<scheme>://<name>".
func (p *Provider) DeviceID(name string) string {
	return p.scheme + "://" + name
}

// Set configures the behaviour of deviceID.
func (p *Provider) Set(deviceID string, d Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[deviceID] = d
}

// Opens reports how many times deviceID was opened successfully.
func (p *Provider) Opens(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens[deviceID]
}

func (p *Provider) ListDevices(context.Context) ([]capture.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capture.DeviceInfo, 0, len(p.devices))
	for id := range p.devices {
		out = append(out, capture.DeviceInfo{DeviceID: id, Label: "fake", Formats: []capture.PixelFormat{capture.PixelFormatH264, capture.PixelFormatMJPEG}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (p *Provider) Open(ctx context.Context, deviceID string, req capture.OpenRequest) (capture.VideoSource, error) {
	p.mu.Lock()
	d := p.devices[deviceID]
	p.mu.Unlock()

	if d.BlockOpen {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	var still []byte
	switch req.Format {
	case capture.PixelFormatH264:
	case capture.PixelFormatMJPEG:
		var err error
		if still, err = encodeJPEG(req.Width, req.Height); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: fake devices produce H264 or MJPEG, not %s", capture.ErrUnsupportedFormat, req.Format)
	}
	if d.Interval <= 0 {
		d.Interval = 2 * time.Millisecond
	}
	if d.KeyframeEvery <= 0 {
		d.KeyframeEvery = 10
	}

	p.mu.Lock()
	p.opens[deviceID]++
	p.mu.Unlock()
	return &source{dev: d, req: req, still: still, closed: make(chan struct{})}, nil
}

func encodeJPEG(width, height int) ([]byte, error) {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Y[y*img.YStride+x] = uint8(x + y)
		}
	}
	for i := range img.Cb {
		img.Cb[i], img.Cr[i] = 128, 128
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}); err != nil {
		return nil, fmt.Errorf("encode still: %w", err)
	}
	return buf.Bytes(), nil
}

type source struct {
	dev    Device
	req    capture.OpenRequest
	still  []byte
	n      atomic.Int64
	closed chan struct{}
	once   sync.Once
}

func (s *source) Start(context.Context) error { return nil }
func (s *source) Stop() error                 { return nil }

func (s *source) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *source) Config() capture.SourceConfig {
	return capture.SourceConfig{
		Width:      s.req.Width,
		Height:     s.req.Height,
		FPS:        s.req.FPS,
		Format:     capture.PixelFormatH264,
		SourceType: capture.SourceTypeCustom,
	}
}

func (s *source) ReadFrame(ctx context.Context) (*capture.VideoFrame, error) {
	timer := time.NewTimer(s.dev.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, capture.ErrSourceClosed
	case <-timer.C:
	}

	n := s.n.Add(1)
	if s.dev.FailAfter > 0 && n > int64(s.dev.FailAfter) {
		return nil, ErrUnplugged
	}
	data := s.still
	if s.req.Format == capture.PixelFormatH264 {
		data = AccessUnit((n-1)%int64(s.dev.KeyframeEvery) == 0, byte(n))
	}
	return &capture.VideoFrame{
		Data:      [][]byte{data},
		Stride:    []int{0},
		Width:     s.req.Width,
		Height:    s.req.Height,
		Format:    s.req.Format,
		Timestamp: n * int64(s.dev.Interval),
		Duration:  int64(s.dev.Interval),
	}, nil
}

// AccessUnit returns a minimal Annex-B access unit: SPS+PPS+IDR when key,
// otherwise a single non-IDR slice. tag is embedded in the slice payload.
func AccessUnit(key bool, tag byte) []byte {
	if key {
		return []byte{0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1f, 0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80, 0, 0, 0, 1, 0x65, 0x88, tag}
	}
	return []byte{0, 0, 0, 1, 0x41, 0x9a, tag}
}

// Encoder is a fake capture.VideoEncoder for raw captures.
type Encoder struct {
	codec       capture.VideoCodec
	keyRequests atomic.Int64
	forceKey    atomic.Bool
	frames      atomic.Uint64
	closed      atomic.Bool
}

// RegisterEncoder installs a fake encoder factory for codec and restores the
// previous factory when the test ends. The returned func reports the encoders
// created so far.
func RegisterEncoder(t testing.TB, codec capture.VideoCodec) func() []*Encoder {
	t.Helper()
	var mu sync.Mutex
	var created []*Encoder
	prev := capture.RegisterVideoEncoder(codec, func(cfg capture.EncoderConfig) (capture.VideoEncoder, error) {
		if cfg.Width <= 0 || cfg.Height <= 0 {
			return nil, fmt.Errorf("bad size %dx%d", cfg.Width, cfg.Height)
		}
		e := &Encoder{codec: codec}
		e.forceKey.Store(true)
		mu.Lock()
		created = append(created, e)
		mu.Unlock()
		return e, nil
	})
	t.Cleanup(func() {
		if prev != nil {
			capture.RegisterVideoEncoder(codec, prev)
			return
		}
		capture.UnregisterVideoEncoder(codec)
	})
	return func() []*Encoder {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Encoder(nil), created...)
	}
}

func (e *Encoder) Encode(frame *capture.VideoFrame) (*capture.EncodedFrame, error) {
	if frame.Format != capture.PixelFormatI420 {
		return nil, fmt.Errorf("fake encoder needs I420, got %s", frame.Format)
	}
	ft := capture.FrameTypeDelta
	if e.forceKey.Swap(false) {
		ft = capture.FrameTypeKey
	}
	e.frames.Add(1)
	return &capture.EncodedFrame{
		Data:      append([]byte(nil), frame.Data[0][:min(16, len(frame.Data[0]))]...),
		Codec:     e.codec,
		FrameType: ft,
		Timestamp: uint32(frame.Timestamp * 90000 / int64(time.Second)),
		Duration:  uint32(frame.Duration * 90000 / int64(time.Second)),
	}, nil
}

func (e *Encoder) RequestKeyframe() {
	e.keyRequests.Add(1)
	e.forceKey.Store(true)
}

// KeyframeRequests counts RequestKeyframe calls.
func (e *Encoder) KeyframeRequests() int64 { return e.keyRequests.Load() }

// Closed reports whether Close was called.
func (e *Encoder) Closed() bool { return e.closed.Load() }

func (e *Encoder) Codec() capture.VideoCodec { return e.codec }

func (e *Encoder) Stats() capture.EncoderStats {
	return capture.EncoderStats{FramesEncoded: e.frames.Load()}
}

func (e *Encoder) Close() error {
	e.closed.Store(true)
	return nil
}
