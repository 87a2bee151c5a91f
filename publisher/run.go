package publisher

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/thesyncim/streamer/capture"
	"github.com/thesyncim/streamer/room"
)

// Run consumes room events until the session ends. Every event is logged and
// passed to handler, which may be nil. Forwarding errors are logged as they
// arrive. Run returns the disconnect reason, ReasonUnknown when events closes
// without one, or the context error.
func (p *Participant) Run(ctx context.Context, events <-chan room.RoomEvent, handler func(room.RoomEvent)) (room.DisconnectReason, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case fe := <-p.errors:
			p.log.Error("track forwarding failed", "stream", fe.StreamID, "track", fe.TrackSID, "error", fe.Err)
		case ev, ok := <-events:
			if !ok {
				return room.ReasonUnknown, nil
			}
			p.logEvent(ev)
			if handler != nil {
				handler(ev)
			}
			if d, ok := ev.(room.Disconnected); ok {
				return d.Reason, nil
			}
		}
	}
}

func (p *Participant) logEvent(ev room.RoomEvent) {
	switch e := ev.(type) {
	case room.ParticipantConnected:
		p.log.Info("participant connected", "identity", e.Participant.Identity, "sid", e.Participant.SID)
	case room.ParticipantDisconnected:
		p.log.Info("participant disconnected", "identity", e.Participant.Identity, "sid", e.Participant.SID)
	case room.TrackSubscribed:
		p.log.Info("track subscribed", "identity", e.Participant.Identity, "track", e.Track.SID, "mime", e.Track.MimeType)
	case room.TrackUnsubscribed:
		p.log.Info("track unsubscribed", "identity", e.Participant.Identity, "track", e.Track.SID)
	case room.Disconnected:
		p.log.Warn("disconnected from room", "reason", string(e.Reason))
	default:
		p.log.Debug("room event", "kind", room.EventKind(ev))
	}
}

// Shutdown unpublishes every track of p and stops every stream. It keeps
// going past failures and returns all of them as a *multierror.Error, or nil.
// p may be nil when nothing was published.
func Shutdown(ctx context.Context, p *Participant, streams ...*capture.CaptureStream) error {
	var result *multierror.Error
	if p != nil {
		for _, t := range p.Tracks() {
			if err := p.Unpublish(ctx, t); err != nil {
				result = multierror.Append(result, fmt.Errorf("unpublish track %s: %w", t.SID(), err))
			}
		}
	}
	for _, s := range streams {
		if s == nil {
			continue
		}
		if err := s.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop stream %s: %w", s.ID(), err))
		}
	}
	return result.ErrorOrNil()
}
