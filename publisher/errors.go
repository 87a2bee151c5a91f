package publisher

import (
	"errors"
	"fmt"

	"github.com/thesyncim/streamer/errs"
)

const component = "publisher"

var (
	// ErrInvalidStreamState is returned when publishing a stream that is not
	// Running.
	ErrInvalidStreamState = errors.New("capture stream is not running")

	// ErrDuplicatePublish is returned when the stream already has a track on
	// this session.
	ErrDuplicatePublish = errors.New("capture stream already published")

	ErrSessionNotConnected = errors.New("session not connected")

	// ErrRemoteRejected is returned when the room service refuses the track.
	ErrRemoteRejected = errors.New("track rejected by room service")
)

// ForwardingError reports that one published track stopped forwarding frames.
// Other tracks are unaffected.
type ForwardingError struct {
	StreamID string
	TrackSID string
	Err      error
}

func (e *ForwardingError) Error() string {
	return fmt.Sprintf("forward stream %s to track %s: %v", e.StreamID, e.TrackSID, e.Err)
}

func (e *ForwardingError) Unwrap() error {
	return e.Err
}

func publishError(op string, err error) error {
	return errs.New(errs.KindPublish, component, op, err)
}
