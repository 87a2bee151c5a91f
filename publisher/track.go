package publisher

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/room"
)

// PublishOptions describe how a stream appears in the room. Codec and
// dimensions always come from the CaptureStream.
type PublishOptions struct {
	Name        string
	Source      room.TrackSource
	StreamLabel string
}

// TrackStats are the forwarding counters of one track.
type TrackStats struct {
	FramesForwarded uint64
	WriteErrors     uint64
}

// PublishedTrack links a CaptureStream to the remote track it feeds. The
// stream is referenced, never stopped or started through the track.
type PublishedTrack struct {
	streamID string
	sid      string
	opts     PublishOptions
	codec    capture.VideoCodec
	writer   room.TrackWriter

	cancel context.CancelFunc
	done   chan struct{}

	forwarded   atomic.Uint64
	writeErrors atomic.Uint64

	mu  sync.Mutex
	err error
}

// StreamID is the ID of the CaptureStream feeding the track.
func (t *PublishedTrack) StreamID() string {
	return t.streamID
}

// SID is the track id issued by the room service.
func (t *PublishedTrack) SID() string {
	return t.sid
}

func (t *PublishedTrack) Options() PublishOptions {
	return t.opts
}

func (t *PublishedTrack) Codec() capture.VideoCodec {
	return t.codec
}

func (t *PublishedTrack) Stats() TrackStats {
	return TrackStats{
		FramesForwarded: t.forwarded.Load(),
		WriteErrors:     t.writeErrors.Load(),
	}
}

// Done is closed when forwarding has stopped, whether by Unpublish, the end
// of the stream, or a forwarding failure.
func (t *PublishedTrack) Done() <-chan struct{} {
	return t.done
}

// Err returns the failure that stopped forwarding, or nil.
func (t *PublishedTrack) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *PublishedTrack) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}
