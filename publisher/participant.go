// Package publisher forwards running capture streams into a room session as
// published video tracks.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/errs"
	"github.com/thesyncim/streamer/internal/logger"
	"github.com/thesyncim/streamer/internal/metrics"
	"github.com/thesyncim/streamer/room"
)

// DefaultErrorBuffer is how many forwarding errors are held for
// ForwardingErrors before new ones are dropped.
const DefaultErrorBuffer = 16

// Session is the part of a room session a Participant publishes through.
// *room.Room satisfies it.
type Session interface {
	State() room.State
	PublishTrack(ctx context.Context, info room.TrackInfo) (room.TrackWriter, error)
	UnpublishTrack(ctx context.Context, sid string) error
}

// Option configures a Participant.
type Option func(*Participant)

// WithErrorBuffer sets the capacity of the ForwardingErrors channel.
func WithErrorBuffer(n int) Option {
	return func(p *Participant) {
		if n > 0 {
			p.errBuffer = n
		}
	}
}

// Participant publishes capture streams on a shared session and tracks what
// it published. The session is shared, not owned: closing it is the caller's
// business.
type Participant struct {
	session   Session
	log       *slog.Logger
	errBuffer int
	errors    chan *ForwardingError

	// ops serializes Publish and Unpublish; mu guards the registry and is
	// never held across a session call.
	ops    sync.Mutex
	mu     sync.RWMutex
	tracks map[string]*PublishedTrack
}

func New(session Session, opts ...Option) *Participant {
	p := &Participant{
		session:   session,
		log:       logger.With(component),
		errBuffer: DefaultErrorBuffer,
		tracks:    make(map[string]*PublishedTrack),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.errors = make(chan *ForwardingError, p.errBuffer)
	return p
}

// Publish registers stream as a new track and starts forwarding its frames.
// opts may be nil.
func (p *Participant) Publish(ctx context.Context, stream *capture.CaptureStream, opts *PublishOptions) (*PublishedTrack, error) {
	p.ops.Lock()
	defer p.ops.Unlock()

	if state := stream.State(); state != capture.StateRunning {
		return nil, publishError("Publish", fmt.Errorf("%w: stream %s is %s", ErrInvalidStreamState, stream.ID(), state))
	}
	p.mu.RLock()
	_, exists := p.tracks[stream.ID()]
	p.mu.RUnlock()
	if exists {
		return nil, publishError("Publish", fmt.Errorf("%w: stream %s", ErrDuplicatePublish, stream.ID()))
	}
	if p.session.State() != room.StateConnected {
		return nil, publishError("Publish", ErrSessionNotConnected)
	}

	var o PublishOptions
	if opts != nil {
		o = *opts
	}
	cfg := stream.Config()
	if o.Name == "" {
		o.Name = cfg.DeviceID
	}
	writer, err := p.session.PublishTrack(ctx, room.TrackInfo{
		Name:        o.Name,
		Source:      o.Source,
		Codec:       stream.Codec(),
		Width:       cfg.Width,
		Height:      cfg.Height,
		StreamLabel: o.StreamLabel,
	})
	if err != nil {
		return nil, publishError("Publish", mapSessionError(err))
	}

	fwdCtx, cancel := context.WithCancel(context.Background())
	t := &PublishedTrack{
		streamID: stream.ID(),
		sid:      writer.SID(),
		opts:     o,
		codec:    stream.Codec(),
		writer:   writer,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	writer.OnKeyframeRequest(stream.RequestKeyframe)

	p.mu.Lock()
	p.tracks[t.streamID] = t
	p.mu.Unlock()

	stream.RequestKeyframe()
	go p.forward(fwdCtx, t, stream)

	metrics.TrackPublished()
	p.log.Info("stream published", "stream", t.streamID, "track", t.sid, "name", o.Name, "codec", t.codec.String())
	return t, nil
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, room.ErrNotConnected):
		return fmt.Errorf("%w: %w", ErrSessionNotConnected, err)
	case errors.Is(err, room.ErrRemoteRejected):
		return fmt.Errorf("%w: %w", ErrRemoteRejected, err)
	default:
		return err
	}
}

func (p *Participant) forward(ctx context.Context, t *PublishedTrack, stream *capture.CaptureStream) {
	defer close(t.done)

	for frame, err := range stream.Frames(ctx) {
		if err != nil {
			p.report(t, err)
			return
		}
		if err := t.writer.WriteFrame(frame); err != nil {
			t.writeErrors.Add(1)
			metrics.ForwardingError(t.sid)
			p.report(t, err)
			return
		}
		t.forwarded.Add(1)
		metrics.FrameForwarded(t.sid)
	}
}

func (p *Participant) report(t *PublishedTrack, cause error) {
	fe := &ForwardingError{
		StreamID: t.streamID,
		TrackSID: t.sid,
		Err:      errs.New(errs.KindForwarding, component, "forward", cause),
	}
	t.setErr(fe)
	p.log.Warn("forwarding stopped", "stream", t.streamID, "track", t.sid, "error", cause)

	select {
	case p.errors <- fe:
	default:
		p.log.Debug("forwarding error dropped", "track", t.sid)
	}
}

// ForwardingErrors delivers per-track forwarding failures. Errors are dropped
// when the channel is full.
func (p *Participant) ForwardingErrors() <-chan *ForwardingError {
	return p.errors
}

// Unpublish stops forwarding for t and removes it from the session. It never
// touches the CaptureStream. Unpublishing a track that is already gone, or
// whose session has ended, succeeds.
func (p *Participant) Unpublish(ctx context.Context, t *PublishedTrack) error {
	p.ops.Lock()
	defer p.ops.Unlock()

	p.mu.Lock()
	if cur, ok := p.tracks[t.streamID]; !ok || cur != t {
		p.mu.Unlock()
		return nil
	}
	delete(p.tracks, t.streamID)
	p.mu.Unlock()

	t.cancel()
	<-t.done
	metrics.TrackUnpublished()

	if p.session.State() != room.StateConnected {
		p.log.Info("stream unpublished", "stream", t.streamID, "track", t.sid, "session", "closed")
		return nil
	}
	err := p.session.UnpublishTrack(ctx, t.sid)
	if err != nil && !errors.Is(err, room.ErrTrackNotFound) && !errors.Is(err, room.ErrNotConnected) {
		return publishError("Unpublish", err)
	}
	p.log.Info("stream unpublished", "stream", t.streamID, "track", t.sid)
	return nil
}

// Tracks returns the published tracks ordered by stream ID.
func (p *Participant) Tracks() []*PublishedTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PublishedTrack, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].streamID < out[j].streamID })
	return out
}

func (p *Participant) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tracks)
}

// Track returns the track published for streamID, or nil.
func (p *Participant) Track(streamID string) *PublishedTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracks[streamID]
}
