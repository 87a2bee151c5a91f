package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thesyncim/streamer/capture"
)

// TrackSource is what a published video track shows.
type TrackSource string

const (
	SourceUnknown     TrackSource = "unknown"
	SourceCamera      TrackSource = "camera"
	SourceScreenShare TrackSource = "screen_share"
)

func parseSource(s string) TrackSource {
	switch TrackSource(s) {
	case SourceCamera:
		return SourceCamera
	case SourceScreenShare:
		return SourceScreenShare
	default:
		return SourceUnknown
	}
}

// TrackInfo describes a local video track to publish.
type TrackInfo struct {
	Name        string
	Source      TrackSource
	Codec       capture.VideoCodec
	Width       int
	Height      int
	StreamLabel string
}

func (i TrackInfo) validate() error {
	if i.Codec == capture.VideoCodecUnknown {
		return errors.New("track codec is unknown")
	}
	if i.Width <= 0 || i.Height <= 0 {
		return fmt.Errorf("track size %dx%d is not positive", i.Width, i.Height)
	}
	return nil
}

// TrackWriter accepts the encoded frames of one published track.
type TrackWriter interface {
	// SID is the track id issued by the room service.
	SID() string

	// WriteFrame sends one encoded frame. It fails once the track is
	// unpublished or the session has ended.
	WriteFrame(frame *capture.EncodedFrame) error

	// OnKeyframeRequest registers fn to run when a receiver asks for a
	// keyframe.
	OnKeyframeRequest(fn func())
}

// LocalTrack is a track this session published.
type LocalTrack struct {
	sid    string
	info   TrackInfo
	sink   SampleWriter
	room   *Room
	frames uint64

	mu     sync.Mutex
	closed bool
	onKey  func()
}

func (t *LocalTrack) SID() string {
	return t.sid
}

func (t *LocalTrack) Info() TrackInfo {
	return t.info
}

func (t *LocalTrack) WriteFrame(frame *capture.EncodedFrame) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTrackClosed
	}
	if t.room.State() != StateConnected {
		return ErrNotConnected
	}
	if frame.Codec != t.info.Codec {
		return fmt.Errorf("frame codec %s does not match track codec %s", frame.Codec, t.info.Codec)
	}

	duration := frame.SampleDuration()
	if duration <= 0 {
		duration = time.Second / 30
	}
	if err := t.sink.WriteSample(frame.Data, duration); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	t.mu.Lock()
	t.frames++
	t.mu.Unlock()
	return nil
}

// FramesWritten counts frames handed to the transport.
func (t *LocalTrack) FramesWritten() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *LocalTrack) OnKeyframeRequest(fn func()) {
	t.mu.Lock()
	t.onKey = fn
	t.mu.Unlock()
}

func (t *LocalTrack) keyframeRequested() {
	t.mu.Lock()
	fn := t.onKey
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *LocalTrack) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
