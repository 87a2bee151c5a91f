package room

import (
	"errors"

	"github.com/thesyncim/streamer/errs"
)

const component = "room"

var (
	// ErrAuthRejected is returned when the service refuses the credential.
	ErrAuthRejected = errors.New("credential rejected")

	// ErrNetworkUnreachable is returned when the signalling endpoint cannot
	// be dialled.
	ErrNetworkUnreachable = errors.New("room service unreachable")

	// ErrTimeout is returned when the handshake or a request does not
	// complete in time.
	ErrTimeout = errors.New("room service timed out")

	// ErrNotConnected is returned for operations on a session that is not
	// Connected.
	ErrNotConnected = errors.New("session not connected")

	// ErrRemoteRejected is returned when the service answers a request with
	// an error.
	ErrRemoteRejected = errors.New("rejected by room service")

	ErrTrackNotFound = errors.New("track not found")
	ErrTrackClosed   = errors.New("track unpublished")
)

func sessionError(op string, err error) error {
	return errs.New(errs.KindSession, component, op, err)
}

func publishError(op string, err error) error {
	return errs.New(errs.KindPublish, component, op, err)
}
