package capture

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// PatternType selects the synthetic image of a test pattern source.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard
	PatternMovingBox                       // Box orbiting the center (animated)
	PatternNoise                           // Random luma noise (animated)
)

var patternNames = map[string]PatternType{
	"bars":         PatternColorBars,
	"gradient":     PatternGradient,
	"checkerboard": PatternCheckerboard,
	"box":          PatternMovingBox,
	"noise":        PatternNoise,
}

func (p PatternType) String() string {
	for name, t := range patternNames {
		if t == p {
			return name
		}
	}
	return "unknown"
}

func init() {
	RegisterDeviceProvider("testpattern", testPatternProvider{})
}

// testPatternProvider serves testpattern://<pattern> devices.
// It delivers I420, or MJPEG by compressing every generated frame.
type testPatternProvider struct{}

func (testPatternProvider) ListDevices(context.Context) ([]DeviceInfo, error) {
	out := make([]DeviceInfo, 0, len(patternNames))
	for name := range patternNames {
		out = append(out, DeviceInfo{
			DeviceID: "testpattern://" + name,
			Label:    "Test pattern (" + name + ")",
			Formats:  []PixelFormat{PixelFormatI420, PixelFormatMJPEG},
		})
	}
	return out, nil
}

func (testPatternProvider) Open(_ context.Context, deviceID string, req OpenRequest) (VideoSource, error) {
	name := strings.TrimPrefix(deviceID, "testpattern://")
	if name == "" {
		name = "bars"
	}
	pattern, ok := patternNames[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown test pattern %q", ErrDeviceUnavailable, name)
	}
	if req.Format != PixelFormatI420 && req.Format != PixelFormatMJPEG {
		return nil, fmt.Errorf("%w: test pattern cannot deliver %s", ErrUnsupportedFormat, req.Format)
	}
	if req.Width%2 != 0 || req.Height%2 != 0 {
		return nil, fmt.Errorf("%w: test pattern needs even dimensions, got %dx%d", ErrUnsupportedFormat, req.Width, req.Height)
	}
	return NewTestPatternSource(TestPatternConfig{
		Width:   req.Width,
		Height:  req.Height,
		FPS:     req.FPS,
		Pattern: pattern,
		Format:  req.Format,
	}), nil
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width       int         // Frame width (default: 1280)
	Height      int         // Frame height (default: 720)
	FPS         int         // Frames per second (default: 30)
	Pattern     PatternType // Pattern type (default: ColorBars)
	Format      PixelFormat // I420 (default) or MJPEG
	CheckerSize int         // Size of each checker square (default: 32)
}

// TestPatternSource generates synthetic frames at a fixed rate.
type TestPatternSource struct {
	config        TestPatternConfig
	frameDuration time.Duration

	// Scratch I420 planes; every delivered frame gets its own copy.
	yPlane, uPlane, vPlane []byte
	rngState               uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	frameCh chan *VideoFrame
	closed  chan struct{}
	once    sync.Once
}

// NewTestPatternSource creates a test pattern source; it generates nothing until Start.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	if config.Format == PixelFormatUnknown {
		config.Format = PixelFormatI420
	}

	ySize := config.Width * config.Height
	uvSize := (config.Width / 2) * (config.Height / 2)
	return &TestPatternSource{
		config:        config,
		frameDuration: time.Second / time.Duration(config.FPS),
		yPlane:        make([]byte, ySize),
		uPlane:        make([]byte, uvSize),
		vPlane:        make([]byte, uvSize),
		rngState:      uint64(time.Now().UnixNano()) | 1,
		frameCh:       make(chan *VideoFrame, 2),
		closed:        make(chan struct{}),
	}
}

// Start begins generating frames.
func (s *TestPatternSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("source already running")
	}
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.doneCh = make(chan struct{})
	go s.generateLoop(ctx, s.doneCh)
	return nil
}

// Stop stops generating frames and waits for the goroutine to exit.
func (s *TestPatternSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.doneCh
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *TestPatternSource) Close() error {
	err := s.Stop()
	s.once.Do(func() { close(s.closed) })
	return err
}

// ReadFrame reads the next frame (blocking).
func (s *TestPatternSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSourceClosed
	case frame := <-s.frameCh:
		return frame, nil
	}
}

func (s *TestPatternSource) Config() SourceConfig {
	return SourceConfig{
		Width:      s.config.Width,
		Height:     s.config.Height,
		FPS:        s.config.FPS,
		Format:     s.config.Format,
		SourceType: SourceTypeTestPattern,
	}
}

func (s *TestPatternSource) generateLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	start := time.Now()
	var frameNum uint64
	s.generatePattern(0)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frameNum++
		if s.config.Pattern == PatternMovingBox || s.config.Pattern == PatternNoise {
			s.generatePattern(frameNum)
		}

		frame, err := s.snapshot(time.Since(start).Nanoseconds())
		if err != nil {
			continue
		}
		select {
		case s.frameCh <- frame:
		default:
			// Drop frame if channel full
		}
	}
}

func (s *TestPatternSource) snapshot(ts int64) (*VideoFrame, error) {
	w := s.config.Width
	raw := (&VideoFrame{
		Data:      [][]byte{s.yPlane, s.uPlane, s.vPlane},
		Stride:    []int{w, w / 2, w / 2},
		Width:     w,
		Height:    s.config.Height,
		Format:    PixelFormatI420,
		Timestamp: ts,
		Duration:  s.frameDuration.Nanoseconds(),
	}).Clone()
	if s.config.Format != PixelFormatMJPEG {
		return raw, nil
	}

	jpg, err := encodeJPEG(raw, 85)
	if err != nil {
		return nil, err
	}
	return &VideoFrame{
		Data:      [][]byte{jpg},
		Stride:    []int{0},
		Width:     raw.Width,
		Height:    raw.Height,
		Format:    PixelFormatMJPEG,
		Timestamp: ts,
		Duration:  raw.Duration,
	}, nil
}

func (s *TestPatternSource) generatePattern(frameNum uint64) {
	switch s.config.Pattern {
	case PatternGradient:
		s.generateGradient()
	case PatternCheckerboard:
		s.generateCheckerboard()
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	case PatternNoise:
		s.generateNoise()
	default:
		s.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *TestPatternSource) setPixel(x, y int, yv, u, v uint8) {
	w := s.config.Width
	s.yPlane[y*w+x] = yv
	if x%2 == 0 && y%2 == 0 {
		i := (y/2)*(w/2) + x/2
		s.uPlane[i] = u
		s.vPlane[i] = v
	}
}

func (s *TestPatternSource) generateColorBars() {
	w, h := s.config.Width, s.config.Height
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb := colorBarsRGB[min(x/barWidth, 7)]
			yv, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			s.setPixel(x, y, yv, u, v)
		}
	}
}

func (s *TestPatternSource) generateGradient() {
	w, h := s.config.Width, s.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s.setPixel(x, y, uint8((x*255)/w), 128, 128)
		}
	}
}

func (s *TestPatternSource) generateCheckerboard() {
	w, h := s.config.Width, s.config.Height
	size := s.config.CheckerSize
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yv := uint8(16)
			if ((x/size)+(y/size))%2 == 0 {
				yv = 235
			}
			s.setPixel(x, y, yv, 128, 128)
		}
	}
}

func (s *TestPatternSource) generateNoise() {
	// xorshift64
	for i := range s.yPlane {
		s.rngState ^= s.rngState << 13
		s.rngState ^= s.rngState >> 7
		s.rngState ^= s.rngState << 17
		s.yPlane[i] = uint8(s.rngState)
	}
	fillNeutralChroma(s.uPlane, s.vPlane)
}

func (s *TestPatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height
	for i := range s.yPlane {
		s.yPlane[i] = 16
	}
	fillNeutralChroma(s.uPlane, s.vPlane)

	boxSize := max(min(w, h)/8, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			s.yPlane[y*w+x] = 235
		}
	}
}

func fillNeutralChroma(u, v []byte) {
	for i := range u {
		u[i] = 128
		v[i] = 128
	}
}

// rgbToYUV converts RGB to studio-range YUV (BT.601).
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0
	return uint8(clampf(yf, 16, 235)), uint8(clampf(uf, 16, 240)), uint8(clampf(vf, 16, 240))
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
