package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/thesyncim/streamer/errs"
	"github.com/thesyncim/streamer/internal/logger"
	"github.com/thesyncim/streamer/internal/metrics"
)

// State is the lifecycle state of a CaptureStream.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats are the frame counters of a stream.
type Stats struct {
	Captured uint64 // frames read from the source
	Encoded  uint64 // frames produced by the encoder
	Dropped  uint64 // encoded frames evicted by backpressure
}

// Option configures a CaptureStream.
type Option func(*CaptureStream)

// WithQueueSize sets how many encoded frames are buffered before the oldest
// is dropped. Defaults to DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(s *CaptureStream) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// CaptureStream owns one device and its encoder chain.
//
// Idle -> Start -> Running -> Stop -> Stopped. A failure during Start or while
// running moves it to Failed; resources are released before the failure is
// visible. Stopped and Failed are terminal.
type CaptureStream struct {
	id        string
	cfg       VideoSourceConfig
	queueSize int
	log       *slog.Logger
	stats     counters

	mu          sync.Mutex
	state       State
	err         error
	starting    bool
	startCancel context.CancelFunc
	startDone   chan struct{}
	pipe        *pipeline
	cancel      context.CancelFunc
	loopDone    chan struct{}
	stopErr     error
	queue       *frameQueue
	consuming   bool
	ended       bool
}

// NewCaptureStream validates cfg and returns an Idle stream. It does no I/O.
func NewCaptureStream(cfg VideoSourceConfig, opts ...Option) (*CaptureStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, configError("NewCaptureStream", err)
	}
	s := &CaptureStream{
		id:        uuid.NewString(),
		cfg:       cfg,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.With(component).With("stream", s.id, "device", cfg.DeviceID)
	return s, nil
}

func (s *CaptureStream) ID() string {
	return s.id
}

func (s *CaptureStream) Config() VideoSourceConfig {
	return s.cfg
}

func (s *CaptureStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the stream to Failed, or nil.
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *CaptureStream) Stats() Stats {
	return Stats{
		Captured: s.stats.captured.Load(),
		Encoded:  s.stats.encoded.Load(),
		Dropped:  s.stats.dropped.Load(),
	}
}

// Codec returns the codec frames are published in, or VideoCodecUnknown when
// the capture tag cannot be parsed.
func (s *CaptureStream) Codec() VideoCodec {
	format, err := ParseCaptureFormat(s.cfg.Codec)
	if err != nil {
		return VideoCodecUnknown
	}
	if c := format.Codec(); c != VideoCodecUnknown {
		return c
	}
	return s.cfg.encodeTarget().Codec
}

// RequestKeyframe asks the encoder for a keyframe. It is a no-op unless Running.
func (s *CaptureStream) RequestKeyframe() {
	s.mu.Lock()
	p := s.pipe
	s.mu.Unlock()
	if p != nil {
		p.requestKeyframe()
	}
}

// Start acquires the device and begins capture. Start on a Running stream
// succeeds without doing anything; Start after Stop or a failure returns
// ErrInvalidState.
func (s *CaptureStream) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateRunning:
		s.mu.Unlock()
		return nil
	case s.state != StateIdle:
		state := s.state
		s.mu.Unlock()
		return stateError("Start", fmt.Sprintf("stream is %s", state))
	case s.starting:
		s.mu.Unlock()
		return stateError("Start", "start already in progress")
	}
	startCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.starting = true
	s.startCancel = cancel
	s.startDone = done
	s.mu.Unlock()

	pipe, lease, err := s.open(startCtx)
	cancel()

	s.mu.Lock()
	defer close(done)
	defer s.mu.Unlock()
	s.starting = false

	if s.state == StateStopped {
		if pipe != nil {
			_ = pipe.close()
		}
		lease.Release()
		return stateError("Start", "stopped while starting")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%w)", err, ctxErr)
		}
		s.state = StateFailed
		s.err = classify("Start", err)
		s.log.Warn("capture start failed", "error", err)
		return s.err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	s.state = StateRunning
	s.pipe = pipe
	s.cancel = loopCancel
	s.loopDone = make(chan struct{})
	s.queue = newFrameQueue(s.queueSize)
	go s.captureLoop(loopCtx, pipe, lease, s.queue, s.loopDone)

	s.log.Info("capture started", "codec", s.cfg.Codec, "width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FrameRate)
	return nil
}

// open parses the tag, leases the device and builds the pipeline. Anything
// acquired is released again on failure.
func (s *CaptureStream) open(ctx context.Context) (*pipeline, *Lease, error) {
	format, err := ParseCaptureFormat(s.cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	lease, err := leases.acquire(s.cfg.DeviceID, s.id)
	if err != nil {
		return nil, nil, err
	}
	pipe, err := openPipeline(ctx, s.cfg, format, &s.stats)
	if err != nil {
		lease.Release()
		return nil, nil, err
	}
	return pipe, lease, nil
}

func (s *CaptureStream) captureLoop(ctx context.Context, pipe *pipeline, lease *Lease, queue *frameQueue, done chan struct{}) {
	defer close(done)

	var failure error
	for {
		frame, err := pipe.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				failure = err
			}
			break
		}
		metrics.FrameCaptured(s.cfg.DeviceID)
		if queue.push(frame) {
			s.stats.dropped.Add(1)
			metrics.FrameDropped(s.cfg.DeviceID)
			pipe.requestKeyframe()
		}
	}

	closeErr := pipe.close()
	lease.Release()

	s.mu.Lock()
	s.pipe = nil
	if failure != nil && s.state == StateRunning {
		s.state = StateFailed
		s.err = errs.Newf(errs.KindResource, component, "capture", "%w", failure)
		failure = s.err
		s.log.Error("capture failed", "error", failure)
	} else {
		failure = nil
		s.stopErr = closeErr
	}
	s.mu.Unlock()

	queue.close(failure)
}

// Stop ends capture and releases the device. Stop is idempotent, succeeds on
// an Idle stream and on a Failed one, and cancels an in-flight Start.
func (s *CaptureStream) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateStopped
		if s.starting {
			cancel, done := s.startCancel, s.startDone
			s.mu.Unlock()
			cancel()
			<-done
			return nil
		}
		s.mu.Unlock()
		return nil
	case StateRunning:
		s.state = StateStopped
		cancel, done := s.cancel, s.loopDone
		s.mu.Unlock()
		cancel()
		<-done

		s.mu.Lock()
		err := s.stopErr
		s.mu.Unlock()
		s.log.Info("capture stopped", "captured", s.stats.captured.Load(), "dropped", s.stats.dropped.Load())
		if err != nil {
			return errs.New(errs.KindResource, component, "Stop", err)
		}
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
}

// Frames returns the encoded output as a lazy sequence. It yields frames
// while Running, ends cleanly after Stop, and ends with a final (nil, err)
// pair when the source fails. Only one consumer may iterate at a time; a
// consumer that breaks out early can be replaced by a new one. Once the
// sequence has ended, Frames yields a single ErrInvalidState.
func (s *CaptureStream) Frames(ctx context.Context) iter.Seq2[*EncodedFrame, error] {
	return func(yield func(*EncodedFrame, error) bool) {
		s.mu.Lock()
		var reason string
		switch {
		case s.consuming:
			reason = "frames already being consumed"
		case s.ended:
			reason = "frame sequence already ended"
		case s.queue == nil:
			reason = fmt.Sprintf("stream is %s", s.state)
		}
		if reason != "" {
			s.mu.Unlock()
			yield(nil, stateError("Frames", reason))
			return
		}
		s.consuming = true
		q := s.queue
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.consuming = false
			s.mu.Unlock()
		}()

		for {
			frame, err := q.pop(ctx)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return
				}
				s.mu.Lock()
				s.ended = true
				s.mu.Unlock()
				if err != io.EOF {
					yield(nil, err)
				}
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}
